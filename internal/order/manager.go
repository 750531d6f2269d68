// Package order owns the production lifecycle of an order, from quote
// conversion through printing to delivery.
//
// Every order has its own mutex. A mutation is computed on a copy of the
// order, its scheduler work is applied, the copy is persisted, and only then
// swapped in and published. Scheduler calls that affect other orders return
// the ids of those orders; they are reconciled after the calling order's lock
// is released, so no goroutine ever holds two order locks.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/pricing"
	"github.com/Simplici0/printworks/internal/scheduler"
	"github.com/Simplici0/printworks/internal/store"
)

type Store interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]domain.Order, int, error)
	GetAddress(ctx context.Context, id string) (domain.Address, error)
	ShippingFee(ctx context.Context, addr domain.Address) (float64, error)
	GetRates(ctx context.Context) (pricing.Rates, error)
}

// Quotes converts an ACTIVE quote exactly once. build runs under the quote
// lock and returns the id of the created order.
type Quotes interface {
	Convert(ctx context.Context, id, customerID string, build func(domain.Quote) (string, error)) (domain.Quote, error)
}

type Scheduler interface {
	Enqueue(ctx context.Context, reqs []scheduler.Request) (scheduler.Changes, error)
	PrinterAvailable(ctx context.Context, tech domain.Technology) (scheduler.Changes, error)
	Start(ctx context.Context, printerID string) (scheduler.Changes, error)
	Complete(ctx context.Context, printerID string) (scheduler.Changes, error)
	SetPrinterStatus(ctx context.Context, printerID string, to domain.PrinterStatus, abort bool) (domain.Printer, scheduler.Changes, error)
	CancelOrder(ctx context.Context, orderID string) (scheduler.Changes, error)
	Forget(orderID string)
	Jobs(orderID string) []scheduler.Job
	Backlog() []domain.CapacityBacklog
	Restore(ctx context.Context, items []scheduler.RestoredJob) (scheduler.Changes, error)
}

// Publisher receives every order update in append order. Implementations
// must not block.
type Publisher interface {
	Publish(u domain.OrderUpdate)
}

const (
	ActorSystem    = "system"
	ActorPayment   = "payment"
	ActorScheduler = "scheduler"
)

// Days added to the print estimate before an order can leave the farm, and
// the width of the promised delivery window.
const (
	handlingDays       = 2
	deliveryWindowDays = 2
)

var errUnchanged = errors.New("order unchanged")

type entry struct {
	mu     sync.Mutex
	loaded bool
	// dead entries were dropped from the cache; lockers must look again.
	dead bool
	o    domain.Order
	// progress is the key of the last progress push.
	progress string
}

type Manager struct {
	store      Store
	quotes     Quotes
	sched      Scheduler
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
	autoReview bool
	publishers []Publisher

	mu     sync.Mutex
	orders map[string]*entry
	active map[string]struct{}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAutoReview moves paid orders without holds straight to SLICING.
func WithAutoReview(enabled bool) Option {
	return func(m *Manager) { m.autoReview = enabled }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publishers = append(m.publishers, p) }
}

func New(st Store, quotes Quotes, sched Scheduler, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		quotes: quotes,
		sched:  sched,
		log:    logger.With().Str("component", "order_manager").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
		orders: make(map[string]*entry),
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateInput struct {
	QuoteID    string `json:"quoteId"`
	AddressID  string `json:"addressId"`
	CustomerID string `json:"-"`
}

// CreateFromQuote converts an ACTIVE quote into a PENDING_PAYMENT order.
// Prices are frozen from the quote; tax and shipping are added with exact
// decimal arithmetic.
func (m *Manager) CreateFromQuote(ctx context.Context, in CreateInput) (domain.Order, error) {
	if in.QuoteID == "" || in.AddressID == "" {
		return domain.Order{}, fmt.Errorf("%w: quoteId and addressId are required", domain.ErrInvalidInput)
	}
	addr, err := m.store.GetAddress(ctx, in.AddressID)
	if err != nil {
		return domain.Order{}, err
	}
	if in.CustomerID != "" && addr.CustomerID != in.CustomerID {
		return domain.Order{}, fmt.Errorf("address %s: %w", in.AddressID, domain.ErrForbidden)
	}

	var created domain.Order
	_, err = m.quotes.Convert(ctx, in.QuoteID, in.CustomerID, func(q domain.Quote) (string, error) {
		o, err := m.buildOrder(ctx, q, addr)
		if err != nil {
			return "", err
		}
		if err := m.store.SaveOrder(ctx, o); err != nil {
			return "", err
		}
		created = o
		return o.ID, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	e := m.entry(created.ID)
	e.mu.Lock()
	e.o, e.loaded = created.Clone(), true
	m.publish(created, 0)
	e.mu.Unlock()

	m.log.Info().
		Str("order_id", created.ID).
		Str("quote_id", created.QuoteID).
		Str("total", created.Total.StringFixed(2)).
		Msg("order created")
	return created, nil
}

func (m *Manager) buildOrder(ctx context.Context, q domain.Quote, addr domain.Address) (domain.Order, error) {
	rates, err := m.store.GetRates(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load rates: %w", err)
	}
	fee, err := m.store.ShippingFee(ctx, addr)
	if err != nil {
		return domain.Order{}, fmt.Errorf("shipping fee: %w", err)
	}

	now := m.now().UTC()
	o := domain.Order{
		ID:            m.newID(),
		QuoteID:       q.ID,
		CustomerID:    q.CustomerID,
		Status:        domain.StatusPendingPayment,
		PaymentStatus: domain.PaymentPending,
		Currency:      q.Pricing.Currency,
		Address:       addr,
		Items:         make([]domain.OrderItem, 0, len(q.Items)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	subtotal := decimal.Zero
	for i, qi := range q.Items {
		price := decimal.NewFromFloat(qi.EstimatedPrice).Round(2)
		subtotal = subtotal.Add(price)
		o.Items = append(o.Items, domain.OrderItem{
			ID:             m.newID(),
			Index:          i,
			QuoteItemID:    qi.ID,
			FileID:         qi.FileID,
			FileName:       qi.FileName,
			MaterialID:     qi.MaterialID,
			MaterialName:   qi.MaterialName,
			Technology:     qi.Technology,
			BBox:           qi.BBox,
			Quantity:       qi.Quantity,
			FinalPrice:     price,
			EstimatedHours: qi.EstimatedHours,
		})
	}
	o.Subtotal = subtotal
	o.Tax = subtotal.Mul(decimal.NewFromFloat(rates.TaxPercent)).Div(decimal.NewFromInt(100)).Round(2)
	o.ShippingFee = decimal.NewFromFloat(fee).Round(2)
	o.Total = o.Subtotal.Add(o.Tax).Add(o.ShippingFee)
	if !o.TotalsBalanced() {
		return domain.Order{}, fmt.Errorf("order totals for quote %s do not balance", q.ID)
	}
	o.EstimatedDelivery = deliveryWindow(now, q.Hours.Max)

	appendEvent(&o, domain.StatusPendingPayment, "order placed", q.CustomerID, m.newID(), now)
	return o, nil
}

func deliveryWindow(created time.Time, printHours float64) domain.DeliveryWindow {
	days := handlingDays + int(math.Ceil(printHours/24))
	from := created.AddDate(0, 0, days)
	return domain.DeliveryWindow{From: from, To: from.AddDate(0, 0, deliveryWindowDays)}
}

func appendEvent(o *domain.Order, stage domain.OrderStatus, note, actor, id string, at time.Time) {
	o.Events = append(o.Events, domain.ProductionEvent{
		ID:        id,
		OrderID:   o.ID,
		Seq:       len(o.Events) + 1,
		Stage:     stage,
		Note:      note,
		Actor:     actor,
		CreatedAt: at,
	})
}

func (m *Manager) entry(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.orders[id]
	if !ok {
		e = &entry{}
		m.orders[id] = e
	}
	return e
}

// drop removes e from the cache. Callers hold e.mu, so waiters on it see
// dead and fetch a fresh entry.
func (m *Manager) drop(id string, e *entry) {
	e.dead = true
	m.mu.Lock()
	if m.orders[id] == e {
		delete(m.orders, id)
	}
	delete(m.active, id)
	m.mu.Unlock()
}

// acquire returns the loaded entry of an order with its lock held.
func (m *Manager) acquire(ctx context.Context, id string) (*entry, error) {
	for {
		e := m.entry(id)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if err := m.locked(ctx, id, e); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		return e, nil
	}
}

// locked loads the order behind e. Callers hold e.mu. Only a missing order
// drops the entry; other load errors leave it for the next caller to retry.
func (m *Manager) locked(ctx context.Context, id string, e *entry) error {
	if e.loaded {
		return nil
	}
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.drop(id, e)
		}
		return err
	}
	e.o, e.loaded = o, true
	return nil
}

// effect is the scheduler work a new order state implies. It runs under the
// order lock before the state is persisted and leaves the scheduler as it
// was when it fails. The rollback it returns undoes it if persisting fails.
type effect func(ctx context.Context, o domain.Order) (scheduler.Changes, rollback, error)

type rollback func(ctx context.Context) (scheduler.Changes, error)

// update applies fn to a copy of the order, runs its scheduler effect,
// persists the copy, swaps it in and publishes the new events. Orders touched
// by the scheduler are reconciled once the lock is released.
func (m *Manager) update(ctx context.Context, id string, fn func(o *domain.Order) (effect, error)) (domain.Order, error) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	next := e.o.Clone()
	mark := len(next.Events)
	eff, err := fn(&next)
	if errors.Is(err, errUnchanged) {
		out := e.o.Clone()
		if out.Status.Terminal() {
			m.drop(id, e)
		}
		e.mu.Unlock()
		return out, nil
	}
	if err != nil {
		e.mu.Unlock()
		return domain.Order{}, err
	}

	next.UpdatedAt = m.now().UTC()
	var (
		changes scheduler.Changes
		undo    rollback
	)
	if eff != nil {
		if changes, undo, err = eff(ctx, next); err != nil {
			e.mu.Unlock()
			return domain.Order{}, fmt.Errorf("schedule order %s: %w", id, err)
		}
	}
	if err := m.store.SaveOrder(ctx, next); err != nil {
		changes = m.rollback(ctx, id, undo)
		e.mu.Unlock()
		m.reconcile(ctx, changes)
		return domain.Order{}, fmt.Errorf("save order %s: %w", id, err)
	}
	e.o = next
	m.publish(next, mark)
	m.track(next)
	if len(next.Events) == mark {
		view := next.Clone()
		m.live(&view)
		e.progress = progressKey(view)
	}
	out := next.Clone()
	if next.Status.Terminal() {
		m.drop(id, e)
	}
	e.mu.Unlock()

	if len(changes.Orders) > 0 || len(changes.Interrupted) > 0 {
		m.reconcile(ctx, changes)
		return m.Get(ctx, id)
	}
	return out, nil
}

func (m *Manager) rollback(ctx context.Context, id string, undo rollback) scheduler.Changes {
	if undo == nil {
		return scheduler.Changes{}
	}
	changes, err := undo(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("order_id", id).Msg("roll back scheduler work")
	}
	return changes
}

func (m *Manager) track(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Status == domain.StatusSlicing || o.Status == domain.StatusPrinting {
		m.active[o.ID] = struct{}{}
	} else {
		delete(m.active, o.ID)
	}
}

// publish sends one update per event appended after mark, or a progress
// update when only the items changed. Callers hold the order lock.
func (m *Manager) publish(o domain.Order, mark int) {
	if len(m.publishers) == 0 {
		return
	}
	at := m.now().UTC()
	var updates []domain.OrderUpdate
	for i := mark; i < len(o.Events); i++ {
		ev := o.Events[i]
		updates = append(updates, domain.OrderUpdate{
			Kind:    domain.UpdateProductionEvent,
			OrderID: o.ID,
			Status:  o.Status,
			Event:   &ev,
			At:      at,
		})
	}
	if len(updates) == 0 {
		updates = append(updates, domain.OrderUpdate{
			Kind:    domain.UpdateJobProgress,
			OrderID: o.ID,
			Status:  o.Status,
			Items:   o.Clone().Items,
			At:      at,
		})
	}
	for _, u := range updates {
		for _, p := range m.publishers {
			p.Publish(u)
		}
	}
}

// Get returns the order with live job progress and the capacity backlog of
// buckets its queued items wait in.
func (m *Manager) Get(ctx context.Context, id string) (domain.Order, error) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer e.mu.Unlock()

	o := e.o.Clone()
	if o.Status.Terminal() {
		m.drop(id, e)
		return o, nil
	}
	m.live(&o)
	return o, nil
}

// live fills in job progress and the backlog of buckets the order's queued
// items wait in. Callers hold the order lock.
func (m *Manager) live(o *domain.Order) {
	jobs := m.sched.Jobs(o.ID)
	if len(jobs) == 0 {
		return
	}
	byItem := make(map[string]scheduler.Job, len(jobs))
	type bucket struct {
		tech  domain.Technology
		class domain.BedClass
	}
	waiting := make(map[bucket]bool)
	for _, j := range jobs {
		byItem[j.ItemID] = j
		if j.Status == scheduler.JobQueued {
			waiting[bucket{j.Technology, j.BedClass}] = true
		}
	}
	for i := range o.Items {
		if j, ok := byItem[o.Items[i].ID]; ok {
			o.Items[i].Progress = j.Progress
		}
	}
	for _, b := range m.sched.Backlog() {
		if waiting[bucket{b.Technology, b.BedClass}] {
			o.Backlog = append(o.Backlog, b)
		}
	}
}

// Owned returns the order if customerID may see it. An empty customerID is
// staff access.
func (m *Manager) Owned(ctx context.Context, id, customerID string) (domain.Order, error) {
	o, err := m.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if customerID != "" && o.CustomerID != customerID {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrForbidden)
	}
	return o, nil
}

func (m *Manager) List(ctx context.Context, f store.OrderFilter) ([]domain.Order, int, error) {
	return m.store.ListOrders(ctx, f)
}
