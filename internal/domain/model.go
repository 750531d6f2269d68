package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// FileMeta is owned by the upload/scan service; the engine only reads it.
type FileMeta struct {
	ID           string      `json:"id"`
	OriginalName string      `json:"originalName"`
	SizeBytes    int64       `json:"sizeBytes"`
	VolumeCm3    float64     `json:"volumeCm3"`
	BBox         BoundingBox `json:"bbox"`
	Watertight   bool        `json:"isWatertight"`
	ScanStatus   ScanStatus  `json:"scanStatus"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type Material struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Technology  Technology `json:"type"`
	CostPerKg   float64    `json:"costPerKg"`
	DensityGCm3 float64    `json:"densityGCm3"`
	Colors      []string   `json:"colorOptions"`
	Active      bool       `json:"isActive"`
}

type PrintProfile struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	MaterialID      string     `json:"materialId"`
	Technology      Technology `json:"technology"`
	LayerHeightMm   float64    `json:"layerHeightMm"`
	InfillDefault   float64    `json:"infillDefault"`
	MachineHourRate float64    `json:"machineHourRate"`
	Active          bool       `json:"isActive"`
}

// PostProcessStep is a finishing operation charged per part.
type PostProcessStep struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Active    bool    `json:"isActive"`
}

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type CostBreakdown struct {
	MaterialCost    float64 `json:"materialCost"`
	MachineCost     float64 `json:"machineCost"`
	PostProcessCost float64 `json:"postProcessCost"`
	SetupFee        float64 `json:"setupFee"`
}

type QuoteItem struct {
	ID              string        `json:"id"`
	FileID          string        `json:"fileId"`
	FileName        string        `json:"fileName"`
	VolumeCm3       float64       `json:"volume"`
	BBox            BoundingBox   `json:"bbox"`
	MaterialID      string        `json:"materialId"`
	MaterialName    string        `json:"materialName"`
	Technology      Technology    `json:"technology"`
	PrintProfileID  string        `json:"printProfileId"`
	LayerHeightMm   float64       `json:"layerHeight"`
	Quantity        int           `json:"quantity"`
	Color           string        `json:"color,omitempty"`
	Infill          float64       `json:"infill"`
	Supports        bool          `json:"supports"`
	PostProcessing  []string      `json:"postProcessing,omitempty"`
	Breakdown       CostBreakdown `json:"breakdown"`
	EstimatedPrice  float64       `json:"estimatedPrice"`
	EstimatedHours  float64       `json:"estimatedHours"`
	FilamentWeightG float64       `json:"filamentWeight"`
}

type PriceBand struct {
	Currency string  `json:"currency"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

type HoursBand struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Quote struct {
	ID            string       `json:"id"`
	CustomerID    string       `json:"customerId"`
	Purpose       QuotePurpose `json:"purpose"`
	Deadline      *time.Time   `json:"deadline,omitempty"`
	Status        QuoteStatus  `json:"status"`
	Contact       Contact      `json:"contact"`
	Pricing       PriceBand    `json:"pricing"`
	Hours         HoursBand    `json:"hours"`
	FilamentGrams float64      `json:"filamentGrams"`
	Items         []QuoteItem  `json:"items"`
	ValidUntil    time.Time    `json:"validUntil"`
	OrderID       string       `json:"orderId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (q Quote) Clone() Quote {
	out := q
	out.Items = make([]QuoteItem, len(q.Items))
	for i, it := range q.Items {
		it.PostProcessing = slices.Clone(it.PostProcessing)
		out.Items[i] = it
	}
	if q.Deadline != nil {
		d := *q.Deadline
		out.Deadline = &d
	}
	return out
}

type Address struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	IsDefault  bool   `json:"isDefault"`
}

type OrderItem struct {
	ID              string          `json:"id"`
	Index           int             `json:"index"`
	QuoteItemID     string          `json:"quoteItemId"`
	FileID          string          `json:"fileId"`
	FileName        string          `json:"fileName"`
	MaterialID      string          `json:"materialId"`
	MaterialName    string          `json:"material"`
	Technology      Technology      `json:"technology"`
	BBox            BoundingBox     `json:"bbox"`
	Quantity        int             `json:"quantity"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	EstimatedHours  float64         `json:"estimatedHours"`
	AssignedPrinter string          `json:"assignedPrinter,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	Progress        float64         `json:"progress"`
}

type ProductionEvent struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	Seq       int         `json:"seq"`
	Stage     OrderStatus `json:"stage"`
	Note      string      `json:"note,omitempty"`
	Actor     string      `json:"createdBy,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

type DeliveryWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type Order struct {
	ID                string            `json:"id"`
	QuoteID           string            `json:"quoteId"`
	CustomerID        string            `json:"customerId"`
	Status            OrderStatus       `json:"status"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	Tax               decimal.Decimal   `json:"tax"`
	ShippingFee       decimal.Decimal   `json:"shippingFee"`
	Total             decimal.Decimal   `json:"total"`
	Currency          string            `json:"currency"`
	EstimatedDelivery DeliveryWindow    `json:"estimatedDelivery"`
	Items             []OrderItem       `json:"items"`
	Events            []ProductionEvent `json:"events"`
	Address           Address           `json:"address"`
	Holds             []string          `json:"holds,omitempty"`
	Backlog           []CapacityBacklog `json:"capacityBacklog,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (o Order) Clone() Order {
	out := o
	out.Items = make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.ScheduledAt = cloneTime(it.ScheduledAt)
		it.StartedAt = cloneTime(it.StartedAt)
		it.FinishedAt = cloneTime(it.FinishedAt)
		out.Items[i] = it
	}
	out.Events = slices.Clone(o.Events)
	out.Holds = slices.Clone(o.Holds)
	out.Backlog = slices.Clone(o.Backlog)
	return out
}

// TotalsBalanced reports whether Σ item prices + tax + shipping equals the total.
func (o Order) TotalsBalanced() bool {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.FinalPrice)
	}
	return sum.Equal(o.Subtotal) && sum.Add(o.Tax).Add(o.ShippingFee).Equal(o.Total)
}

// AllAssigned reports whether every item currently has a printer.
func (o Order) AllAssigned() bool {
	for _, it := range o.Items {
		if it.AssignedPrinter == "" {
			return false
		}
	}
	return len(o.Items) > 0
}

func (o Order) AllFinished() bool {
	for _, it := range o.Items {
		if it.FinishedAt == nil {
			return false
		}
	}
	return len(o.Items) > 0
}

func (o Order) LastEvent() (ProductionEvent, bool) {
	if len(o.Events) == 0 {
		return ProductionEvent{}, false
	}
	return o.Events[len(o.Events)-1], true
}

// JobRef identifies the order item a printer is working on.
type JobRef struct {
	OrderID string `json:"orderId"`
	ItemID  string `json:"itemId"`
}

type Printer struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Technology Technology    `json:"tech"`
	Bed        Envelope      `json:"bed"`
	Status     PrinterStatus `json:"status"`
	Job        *JobRef       `json:"job,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

func (p Printer) Clone() Printer {
	out := p
	if p.Job != nil {
		j := *p.Job
		out.Job = &j
	}
	return out
}

type UpdateKind string

const (
	UpdateProductionEvent UpdateKind = "production_event"
	UpdateJobProgress     UpdateKind = "job_progress"
	UpdateCapacityBacklog UpdateKind = "capacity_backlog"
)

// OrderUpdate is pushed to subscribers of an order, one per state change.
type OrderUpdate struct {
	Kind    UpdateKind        `json:"type"`
	OrderID string            `json:"orderId"`
	Status  OrderStatus       `json:"status"`
	Event   *ProductionEvent  `json:"event,omitempty"`
	Items   []OrderItem       `json:"items,omitempty"`
	Backlog []CapacityBacklog `json:"backlog,omitempty"`
	At      time.Time         `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
