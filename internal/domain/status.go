package domain

import (
	"fmt"
	"strings"
)

// OrderStatus is a production stage of an order. The numeric value is the
// stage rank: forward transitions always move to rank+1.
type OrderStatus uint8

const (
	StatusPendingPayment OrderStatus = iota
	StatusPaid
	StatusInReview
	StatusSlicing
	StatusPrinting
	StatusPostProcessing
	StatusQA
	StatusPacking
	StatusShipped
	StatusDelivered
	StatusFinished
	StatusCancelled

	numOrderStatuses
)

type statusMeta struct {
	name     string
	label    string
	terminal bool
}

var orderStatusTable = [...]statusMeta{
	StatusPendingPayment: {"PENDING_PAYMENT", "Pending payment", false},
	StatusPaid:           {"PAID", "Paid", false},
	StatusInReview:       {"IN_REVIEW", "In Review", false},
	StatusSlicing:        {"SLICING", "Slicing", false},
	StatusPrinting:       {"PRINTING", "Printing", false},
	StatusPostProcessing: {"POST_PROCESSING", "Post-processing", false},
	StatusQA:             {"QA", "Quality check", false},
	StatusPacking:        {"PACKING", "Packing", false},
	StatusShipped:        {"SHIPPED", "Shipped", false},
	StatusDelivered:      {"DELIVERED", "Delivered", false},
	StatusFinished:       {"FINISHED", "Finished", true},
	StatusCancelled:      {"CANCELLED", "Cancelled", true},
}

// Adding an OrderStatus without a table row breaks the build here.
var _ = [1]struct{}{}[len(orderStatusTable)-int(numOrderStatuses)]

// legacyOrderStatus maps the storefront's historical lowercase vocabulary
// and the REVIEW event stage onto the canonical names.
var legacyOrderStatus = map[string]OrderStatus{
	"pending_payment": StatusPendingPayment,
	"pending":         StatusPendingPayment,
	"paid":            StatusPaid,
	"review":          StatusInReview,
	"in_review":       StatusInReview,
	"slicing":         StatusSlicing,
	"printing":        StatusPrinting,
	"post_processing": StatusPostProcessing,
	"qa":              StatusQA,
	"packing":         StatusPacking,
	"shipped":         StatusShipped,
	"delivered":       StatusDelivered,
	"finished":        StatusFinished,
	"cancelled":       StatusCancelled,
	"canceled":        StatusCancelled,
}

// OrderStatuses returns every status in rank order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, 0, numOrderStatuses)
	for s := OrderStatus(0); s < numOrderStatuses; s++ {
		out = append(out, s)
	}
	return out
}

// ParseOrderStatus accepts a canonical name (PRINTING), the REVIEW event
// stage, or one of the lowercase names used by the storefront.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	v := strings.TrimSpace(raw)
	for i, meta := range orderStatusTable {
		if meta.name == v {
			return OrderStatus(i), nil
		}
	}
	if v == "REVIEW" {
		return StatusInReview, nil
	}
	if s, ok := legacyOrderStatus[strings.ToLower(v)]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, raw)
}

func (s OrderStatus) Valid() bool { return s < numOrderStatuses }

func (s OrderStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("OrderStatus(%d)", uint8(s))
	}
	return orderStatusTable[s].name
}

// Label is the human readable name shown by the storefront.
func (s OrderStatus) Label() string {
	if !s.Valid() {
		return s.String()
	}
	return orderStatusTable[s].label
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && orderStatusTable[s].terminal
}

// Next returns the following production stage. CANCELLED and FINISHED have none.
func (s OrderStatus) Next() (OrderStatus, bool) {
	if !s.Valid() || s.Terminal() {
		return s, false
	}
	return s + 1, true
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid order status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// PrinterStatus is the operational state of a physical machine.
type PrinterStatus uint8

const (
	PrinterIdle PrinterStatus = iota
	PrinterPrinting
	PrinterMaintenance
	PrinterOffline

	numPrinterStatuses
)

var printerStatusTable = [...]statusMeta{
	PrinterIdle:        {"IDLE", "Idle", false},
	PrinterPrinting:    {"PRINTING", "Printing", false},
	PrinterMaintenance: {"MAINTENANCE", "Maintenance", false},
	PrinterOffline:     {"OFFLINE", "Offline", false},
}

var _ = [1]struct{}{}[len(printerStatusTable)-int(numPrinterStatuses)]

func ParsePrinterStatus(raw string) (PrinterStatus, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	for i, meta := range printerStatusTable {
		if meta.name == v {
			return PrinterStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown printer status %q", ErrInvalidInput, raw)
}

func (s PrinterStatus) Valid() bool { return s < numPrinterStatuses }

func (s PrinterStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("PrinterStatus(%d)", uint8(s))
	}
	return printerStatusTable[s].name
}

func (s PrinterStatus) Label() string {
	if !s.Valid() {
		return s.String()
	}
	return printerStatusTable[s].label
}

func (s PrinterStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid printer status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *PrinterStatus) UnmarshalText(b []byte) error {
	v, err := ParsePrinterStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Technology is the additive manufacturing process of a material or machine.
type Technology string

const (
	TechFDM Technology = "FDM"
	TechSLA Technology = "SLA"
	TechSLS Technology = "SLS"
)

// Technologies lists every supported process.
func Technologies() []Technology { return []Technology{TechFDM, TechSLA, TechSLS} }

func ParseTechnology(raw string) (Technology, error) {
	t := Technology(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown technology %q", ErrInvalidInput, raw)
	}
	return t, nil
}

func (t Technology) Valid() bool {
	switch t {
	case TechFDM, TechSLA, TechSLS:
		return true
	}
	return false
}

type ScanStatus string

const (
	ScanPending  ScanStatus = "PENDING"
	ScanScanning ScanStatus = "SCANNING"
	ScanClean    ScanStatus = "CLEAN"
	ScanInfected ScanStatus = "INFECTED"
	ScanError    ScanStatus = "ERROR"
)

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanPending, ScanScanning, ScanClean, ScanInfected, ScanError:
		return true
	}
	return false
}

type QuoteStatus string

const (
	QuoteDraft     QuoteStatus = "DRAFT"
	QuoteActive    QuoteStatus = "ACTIVE"
	QuoteExpired   QuoteStatus = "EXPIRED"
	QuoteConverted QuoteStatus = "CONVERTED"
)

// Final reports whether the quote can no longer change.
func (s QuoteStatus) Final() bool { return s == QuoteExpired || s == QuoteConverted }

type QuotePurpose string

const (
	PurposePrototype  QuotePurpose = "PROTOTYPE"
	PurposeGift       QuotePurpose = "GIFT"
	PurposeFunctional QuotePurpose = "FUNCTIONAL"
	PurposeBulk       QuotePurpose = "BULK"
)

func (p QuotePurpose) Valid() bool {
	switch p {
	case PurposePrototype, PurposeGift, PurposeFunctional, PurposeBulk:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)
