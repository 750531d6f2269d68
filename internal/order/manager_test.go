package order

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Simplici0/printworks/internal/db"
	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/migrations"
	"github.com/Simplici0/printworks/internal/printer"
	"github.com/Simplici0/printworks/internal/quote"
	"github.com/Simplici0/printworks/internal/scheduler"
	"github.com/Simplici0/printworks/internal/seed"
	"github.com/Simplici0/printworks/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	updates []domain.OrderUpdate
}

func (r *recorder) Publish(u domain.OrderUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) events(orderID string) []domain.ProductionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProductionEvent
	for _, u := range r.updates {
		if u.OrderID == orderID && u.Kind == domain.UpdateProductionEvent {
			out = append(out, *u.Event)
		}
	}
	return out
}

// failingPrinters makes SavePrinter fail for the listed printers.
type failingPrinters struct {
	*store.Store

	mu      sync.Mutex
	failing map[string]bool
}

var errDiskFull = errors.New("disk full")

func (p *failingPrinters) SavePrinter(ctx context.Context, pr domain.Printer) error {
	p.mu.Lock()
	fail := p.failing[pr.ID]
	p.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return p.Store.SavePrinter(ctx, pr)
}

func (p *failingPrinters) fail(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = make(map[string]bool, len(ids))
	for _, id := range ids {
		p.failing[id] = true
	}
}

// failingOrders makes SaveOrder fail while fail is set and GetOrder fail
// while failGet is set.
type failingOrders struct {
	*store.Store

	mu      sync.Mutex
	fail    bool
	failGet bool
}

func (o *failingOrders) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o.mu.Lock()
	fail := o.failGet
	o.mu.Unlock()
	if fail {
		return domain.Order{}, errDiskFull
	}
	return o.Store.GetOrder(ctx, id)
}

func (o *failingOrders) SaveOrder(ctx context.Context, ord domain.Order) error {
	o.mu.Lock()
	fail := o.fail
	o.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return o.Store.SaveOrder(ctx, ord)
}

func (o *failingOrders) set(fail bool) {
	o.mu.Lock()
	o.fail = fail
	o.mu.Unlock()
}

type fixture struct {
	store    *store.Store
	printers *failingPrinters
	orders   *failingOrders
	quotes   *quote.Service
	registry *printer.Registry
	sched    *scheduler.Scheduler
	mgr      *Manager
	clock    *fakeClock
	pub      *recorder
}

func newFixture(t *testing.T, autoReview bool, printers ...domain.Printer) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(filepath.Join(t.TempDir(), "order-test.db"))
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := migrations.Up(database); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if _, err := seed.Run(database, seed.Config{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st := store.New(database)
	if err := st.UpsertFile(ctx, domain.FileMeta{
		ID: "file-1", OriginalName: "bracket.stl", SizeBytes: 48000, VolumeCm3: 20,
		BBox: domain.BoundingBox{X: 60, Y: 40, Z: 30}, Watertight: true, ScanStatus: domain.ScanClean,
	}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := st.CreateAddress(ctx, domain.Address{
		ID: "addr-1", CustomerID: "cust-1", Line1: "12 Marine Drive", City: "Mumbai",
		State: "MH", PostalCode: "400002", Country: "India", IsDefault: true,
	}); err != nil {
		t.Fatalf("create address: %v", err)
	}

	f := &fixture{store: st, clock: &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}, pub: &recorder{}}
	f.start(t, autoReview)
	for _, p := range printers {
		if _, err := f.registry.Register(ctx, p); err != nil {
			t.Fatalf("register printer %s: %v", p.ID, err)
		}
	}
	return f
}

// start wires the in-memory components over the fixture's database, as the
// server does on boot.
func (f *fixture) start(t *testing.T, autoReview bool) {
	t.Helper()
	if f.printers == nil {
		f.printers = &failingPrinters{Store: f.store}
		f.orders = &failingOrders{Store: f.store}
	}
	f.registry = printer.New(f.printers, zerolog.Nop(), printer.WithClock(f.clock.Now))
	if err := f.registry.Load(context.Background()); err != nil {
		t.Fatalf("load printers: %v", err)
	}
	f.sched = scheduler.New(f.registry, zerolog.Nop(), scheduler.WithClock(f.clock.Now))
	f.quotes = quote.New(f.store, f.registry, zerolog.Nop(), quote.WithClock(f.clock.Now))
	f.mgr = New(f.orders, f.quotes, f.sched, zerolog.Nop(),
		WithClock(f.clock.Now), WithAutoReview(autoReview), WithPublisher(f.pub))
}

func fdmPrinter(id string) domain.Printer {
	return domain.Printer{ID: id, Name: "Ender " + id, Technology: domain.TechFDM, Bed: domain.Envelope{X: 220, Y: 220, Z: 250}}
}

func (f *fixture) activeQuote(t *testing.T, quantity int) domain.Quote {
	t.Helper()
	ctx := context.Background()
	q, err := f.quotes.Create(ctx, quote.CreateRequest{
		CustomerID: "cust-1",
		Contact:    domain.Contact{Name: "Asha", Email: "asha@example.com"},
		Items: []quote.ItemRequest{
			{FileID: "file-1", MaterialID: "pla", PrintProfileID: "pla-standard", Quantity: quantity, Color: "White"},
		},
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	if q, err = f.quotes.Activate(ctx, q.ID, "cust-1"); err != nil {
		t.Fatalf("activate quote: %v", err)
	}
	return q
}

func (f *fixture) order(t *testing.T) domain.Order {
	t.Helper()
	q := f.activeQuote(t, 2)
	o, err := f.mgr.CreateFromQuote(context.Background(), CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func stages(events []domain.ProductionEvent) []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Stage)
	}
	return out
}

func TestCreateFromQuoteFreezesBalancedTotals(t *testing.T) {
	f := newFixture(t, false, fdmPrinter("fdm-01"))
	ctx := context.Background()

	q := f.activeQuote(t, 2)
	o, err := f.mgr.CreateFromQuote(ctx, CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if o.Status != domain.StatusPendingPayment || o.PaymentStatus != domain.PaymentPending {
		t.Fatalf("unexpected state %s/%s", o.Status, o.PaymentStatus)
	}
	price := decimal.NewFromFloat(q.Items[0].EstimatedPrice).Round(2)
	if !o.Items[0].FinalPrice.Equal(price) || !o.Subtotal.Equal(price) {
		t.Fatalf("item price %s, subtotal %s, want %s", o.Items[0].FinalPrice, o.Subtotal, price)
	}
	wantTax := price.Mul(decimal.NewFromInt(18)).Div(decimal.NewFromInt(100)).Round(2)
	if !o.Tax.Equal(wantTax) {
		t.Fatalf("tax = %s, want %s", o.Tax, wantTax)
	}
	if !o.ShippingFee.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("shipping = %s, want 75", o.ShippingFee)
	}
	if !o.TotalsBalanced() {
		t.Fatalf("totals do not balance: %+v", o)
	}
	if got := o.EstimatedDelivery.To.Sub(o.EstimatedDelivery.From); got != 48*time.Hour {
		t.Fatalf("delivery window is %v wide", got)
	}
	if len(o.Events) != 1 || o.Events[0].Stage != domain.StatusPendingPayment || o.Events[0].Seq != 1 {
		t.Fatalf("unexpected events %+v", o.Events)
	}

	converted, err := f.quotes.Get(ctx, q.ID)
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if converted.Status != domain.QuoteConverted || converted.OrderID != o.ID {
		t.Fatalf("quote is %s/%s", converted.Status, converted.OrderID)
	}

	_, err = f.mgr.CreateFromQuote(ctx, CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-1"})
	if !errors.Is(err, domain.ErrQuoteAlreadyConverted) {
		t.Fatalf("expected ErrQuoteAlreadyConverted, got %v", err)
	}
}

func TestConcurrentOrderCreationConvertsOnce(t *testing.T) {
	f := newFixture(t, false, fdmPrinter("fdm-01"))
	q := f.activeQuote(t, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.mgr.CreateFromQuote(context.Background(), CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-1"})
			if err != nil {
				if !errors.Is(err, domain.ErrQuoteAlreadyConverted) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			created = append(created, o.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(created) != 1 {
		t.Fatalf("created %d orders, want 1", len(created))
	}
	_, total, err := f.store.ListOrders(context.Background(), store.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if total != 1 {
		t.Fatalf("stored %d orders, want 1", total)
	}
}

func TestCreateFromQuoteRejectsForeignAddress(t *testing.T) {
	f := newFixture(t, false, fdmPrinter("fdm-01"))
	q := f.activeQuote(t, 1)

	_, err := f.mgr.CreateFromQuote(context.Background(), CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-2"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPaidOrderRunsThroughProduction(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	o, err := f.mgr.ConfirmPayment(ctx, o.ID, "pay_123")
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if o.Status != domain.StatusPrinting || o.PaymentStatus != domain.PaymentCompleted {
		t.Fatalf("after payment: %s/%s", o.Status, o.PaymentStatus)
	}
	if o.Items[0].AssignedPrinter != "fdm-01" || o.Items[0].Progress != 0 {
		t.Fatalf("item not assigned: %+v", o.Items[0])
	}

	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, "pay_123"); err != nil {
		t.Fatalf("repeated payment confirmation must be ignored: %v", err)
	}

	if err := f.mgr.JobStarted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job started: %v", err)
	}
	f.clock.Advance(30 * time.Minute)
	mid, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p := mid.Items[0].Progress; p <= 0 || p >= 100 {
		t.Fatalf("progress mid-print = %v", p)
	}

	f.clock.Advance(10 * time.Hour)
	if err := f.mgr.JobCompleted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job completed: %v", err)
	}
	done, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != domain.StatusPostProcessing || done.Items[0].FinishedAt == nil {
		t.Fatalf("after completion: %s, item %+v", done.Status, done.Items[0])
	}

	want := []domain.OrderStatus{
		domain.StatusPendingPayment, domain.StatusPaid, domain.StatusInReview,
		domain.StatusSlicing, domain.StatusPrinting, domain.StatusPostProcessing,
	}
	got := stages(done.Events)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] || done.Events[i].Seq != i+1 {
			t.Fatalf("event %d = %s/%d, want %s/%d", i, got[i], done.Events[i].Seq, want[i], i+1)
		}
	}
	if published := stages(f.pub.events(o.ID)); len(published) != len(want) {
		t.Fatalf("published stages %v", published)
	}

	p, err := f.registry.Get("fdm-01")
	if err != nil {
		t.Fatalf("get printer: %v", err)
	}
	if p.Status != domain.PrinterIdle || p.Job != nil {
		t.Fatalf("printer not released: %+v", p)
	}

	stored, err := f.store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get stored order: %v", err)
	}
	if stored.Status != domain.StatusPostProcessing || len(stored.Events) != len(want) {
		t.Fatalf("stored order is %s with %d events", stored.Status, len(stored.Events))
	}
}

func TestTransitionRejectionsLeaveOrderUntouched(t *testing.T) {
	f := newFixture(t, false, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	cases := []struct {
		name string
		to   domain.OrderStatus
	}{
		{"paid needs payment", domain.StatusPaid},
		{"no skipping", domain.StatusInReview},
		{"no jumping to shipped", domain.StatusShipped},
	}
	for _, tc := range cases {
		if _, err := f.mgr.Transition(ctx, o.ID, tc.to, "", "ops"); !errors.Is(err, domain.ErrIllegalTransition) {
			t.Fatalf("%s: expected ErrIllegalTransition, got %v", tc.name, err)
		}
	}

	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, ""); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if _, err := f.mgr.Hold(ctx, o.ID, "thin walls", "ops"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	_, err := f.mgr.Transition(ctx, o.ID, domain.StatusSlicing, "", "ops")
	var illegal *domain.IllegalTransitionError
	if !errors.As(err, &illegal) || illegal.From != "IN_REVIEW" || illegal.To != "SLICING" {
		t.Fatalf("expected hold to block slicing, got %v", err)
	}

	before, _ := f.mgr.Get(ctx, o.ID)
	if _, err := f.mgr.ReleaseHold(ctx, o.ID, "thin walls", "ops"); err != nil {
		t.Fatalf("release hold: %v", err)
	}
	after, err := f.mgr.Transition(ctx, o.ID, domain.StatusSlicing, "checked", "ops")
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if after.Status != domain.StatusPrinting {
		t.Fatalf("order with an idle printer should move on to PRINTING, got %s", after.Status)
	}
	if len(after.Events) <= len(before.Events) {
		t.Fatal("events were not appended")
	}

	if _, err := f.mgr.Transition(ctx, o.ID, domain.StatusPostProcessing, "", "ops"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("post-processing before printing finished must fail, got %v", err)
	}
}

func TestCancelFreesPrinterForNextOrder(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()

	first := f.order(t)
	f.clock.Advance(time.Minute)
	second := f.order(t)

	if _, err := f.mgr.ConfirmPayment(ctx, first.ID, ""); err != nil {
		t.Fatalf("pay first: %v", err)
	}
	waiting, err := f.mgr.ConfirmPayment(ctx, second.ID, "")
	if err != nil {
		t.Fatalf("pay second: %v", err)
	}
	if waiting.Status != domain.StatusSlicing || len(waiting.Backlog) != 1 {
		t.Fatalf("second order should wait in SLICING with a backlog, got %s %+v", waiting.Status, waiting.Backlog)
	}

	cancelled, err := f.mgr.Transition(ctx, first.ID, domain.StatusCancelled, "customer request", "support")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	next, err := f.mgr.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if next.Status != domain.StatusPrinting || next.Items[0].AssignedPrinter != "fdm-01" {
		t.Fatalf("second order did not take the freed printer: %s %+v", next.Status, next.Items[0])
	}

	if _, err := f.mgr.Transition(ctx, first.ID, domain.StatusSlicing, "", "ops"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("cancelled order must stay closed, got %v", err)
	}
	refunded, err := f.mgr.ConfirmRefund(ctx, first.ID, "rf_1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.PaymentStatus != domain.PaymentRefunded {
		t.Fatalf("payment status = %s", refunded.PaymentStatus)
	}
}

func TestPrinterAbortRequeuesWithInterruptionEvent(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, ""); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if err := f.mgr.JobStarted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job started: %v", err)
	}

	if _, err := f.mgr.SetPrinterStatus(ctx, "fdm-01", domain.PrinterMaintenance, false); !errors.Is(err, domain.ErrJobInProgress) {
		t.Fatalf("expected ErrJobInProgress, got %v", err)
	}
	if _, err := f.mgr.SetPrinterStatus(ctx, "fdm-01", domain.PrinterMaintenance, true); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	last, _ := got.LastEvent()
	if got.Items[0].AssignedPrinter != "" || last.Stage != domain.StatusPrinting || last.Actor != ActorScheduler {
		t.Fatalf("interruption not recorded: item %+v, last event %+v", got.Items[0], last)
	}

	if _, err := f.mgr.SetPrinterStatus(ctx, "fdm-01", domain.PrinterIdle, false); err != nil {
		t.Fatalf("back to idle: %v", err)
	}
	got, _ = f.mgr.Get(ctx, o.ID)
	if got.Items[0].AssignedPrinter != "fdm-01" || got.Items[0].StartedAt != nil {
		t.Fatalf("item not reassigned: %+v", got.Items[0])
	}
}

func TestRecoverRestoresAssignments(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()

	first := f.order(t)
	f.clock.Advance(time.Minute)
	second := f.order(t)
	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.mgr.ConfirmPayment(ctx, id, ""); err != nil {
			t.Fatalf("confirm payment: %v", err)
		}
	}

	f.start(t, true)
	n, err := f.mgr.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d orders, want 2", n)
	}

	jobs := f.sched.Jobs(first.ID)
	if len(jobs) != 1 || jobs[0].PrinterID != "fdm-01" || jobs[0].Status != scheduler.JobAssigned {
		t.Fatalf("first order lost its printer: %+v", jobs)
	}
	if jobs := f.sched.Jobs(second.ID); len(jobs) != 1 || jobs[0].Status != scheduler.JobQueued {
		t.Fatalf("second order should still be queued: %+v", jobs)
	}

	if err := f.mgr.JobCompleted(ctx, "fdm-01"); err != nil {
		t.Fatalf("complete after restart: %v", err)
	}
	next, err := f.mgr.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if next.Status != domain.StatusPrinting {
		t.Fatalf("second order status = %s", next.Status)
	}
}

func TestMissingTechnologyKeepsOrderSlicingWithBacklog(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"),
		domain.Printer{ID: "sla-01", Name: "Saturn", Technology: domain.TechSLA, Bed: domain.Envelope{X: 192, Y: 120, Z: 200}})
	ctx := context.Background()

	q, err := f.quotes.Create(ctx, quote.CreateRequest{
		CustomerID: "cust-1",
		Items: []quote.ItemRequest{
			{FileID: "file-1", MaterialID: "pla", PrintProfileID: "pla-standard", Quantity: 1, Color: "White"},
			{FileID: "file-1", MaterialID: "resin-standard", PrintProfileID: "resin-standard-50", Quantity: 1, Color: "Grey"},
		},
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	if _, err := f.quotes.Activate(ctx, q.ID, "cust-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	o, err := f.mgr.CreateFromQuote(ctx, CreateInput{QuoteID: q.ID, AddressID: "addr-1", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.mgr.SetPrinterStatus(ctx, "sla-01", domain.PrinterMaintenance, false); err != nil {
		t.Fatalf("sla-01 to maintenance: %v", err)
	}

	o, err = f.mgr.ConfirmPayment(ctx, o.ID, "pay_1")
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if o.Status != domain.StatusSlicing {
		t.Fatalf("order must wait in SLICING, got %s", o.Status)
	}
	if o.Items[0].AssignedPrinter != "fdm-01" || o.Items[1].AssignedPrinter != "" {
		t.Fatalf("unexpected assignments: %q %q", o.Items[0].AssignedPrinter, o.Items[1].AssignedPrinter)
	}
	o, err = f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(o.Backlog) != 1 || o.Backlog[0].Technology != domain.TechSLA || o.Backlog[0].Queued != 1 {
		t.Fatalf("expected an SLA backlog, got %+v", o.Backlog)
	}

	// The FDM item finishing alone does not move the order.
	if err := f.mgr.JobStarted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job started: %v", err)
	}
	if err := f.mgr.JobCompleted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job completed: %v", err)
	}
	o, err = f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != domain.StatusSlicing || o.Items[0].FinishedAt == nil {
		t.Fatalf("after FDM completion: %s, item %+v", o.Status, o.Items[0])
	}

	if _, err := f.mgr.SetPrinterStatus(ctx, "sla-01", domain.PrinterIdle, false); err != nil {
		t.Fatalf("sla-01 back to idle: %v", err)
	}
	o, err = f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != domain.StatusPrinting || o.Items[1].AssignedPrinter != "sla-01" || len(o.Backlog) != 0 {
		t.Fatalf("returning printer should unblock the order: %s %+v", o.Status, o.Backlog)
	}
}

func TestShippedOrderCannotReturnToReview(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, ""); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if err := f.mgr.JobStarted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job started: %v", err)
	}
	if err := f.mgr.JobCompleted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job completed: %v", err)
	}
	for _, to := range []domain.OrderStatus{domain.StatusQA, domain.StatusPacking, domain.StatusShipped} {
		if _, err := f.mgr.Transition(ctx, o.ID, to, "", "ops"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	before, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	_, err = f.mgr.Transition(ctx, o.ID, domain.StatusInReview, "", "ops")
	var illegal *domain.IllegalTransitionError
	if !errors.As(err, &illegal) || illegal.From != "SHIPPED" || illegal.To != "IN_REVIEW" {
		t.Fatalf("expected IllegalTransition{SHIPPED, IN_REVIEW}, got %v", err)
	}

	after, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != domain.StatusShipped || len(after.Events) != len(before.Events) {
		t.Fatalf("rejected transition mutated the order: %s, %d events", after.Status, len(after.Events))
	}
}

func TestCancelKeepsOrderWhenPrinterCannotBeFreed(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)
	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, ""); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	before, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	f.printers.fail("fdm-01")
	if _, err := f.mgr.Transition(ctx, o.ID, domain.StatusCancelled, "customer request", "support"); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the printer store failure, got %v", err)
	}

	after, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != domain.StatusPrinting || len(after.Events) != len(before.Events) {
		t.Fatalf("failed cancel changed the order: %s, %d events", after.Status, len(after.Events))
	}
	stored, err := f.store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get stored order: %v", err)
	}
	if stored.Status != domain.StatusPrinting {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if p, _ := f.registry.Get("fdm-01"); p.Status != domain.PrinterPrinting || p.Job == nil || p.Job.OrderID != o.ID {
		t.Fatalf("printer = %s %+v", p.Status, p.Job)
	}

	f.printers.fail()
	cancelled, err := f.mgr.Transition(ctx, o.ID, domain.StatusCancelled, "customer request", "support")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if p, _ := f.registry.Get("fdm-01"); p.Status != domain.PrinterIdle || p.Job != nil {
		t.Fatalf("printer = %s %+v", p.Status, p.Job)
	}
}

func TestFailedOrderSaveUndoesScheduling(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	f.orders.set(true)
	if _, err := f.mgr.ConfirmPayment(ctx, o.ID, ""); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the order store failure, got %v", err)
	}
	got, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPendingPayment || got.PaymentStatus != domain.PaymentPending {
		t.Fatalf("order moved without being saved: %s/%s", got.Status, got.PaymentStatus)
	}
	if jobs := f.sched.Jobs(o.ID); len(jobs) != 0 {
		t.Fatalf("scheduler kept jobs of an unsaved order: %+v", jobs)
	}
	if p, _ := f.registry.Get("fdm-01"); p.Status != domain.PrinterIdle {
		t.Fatalf("printer still held: %s %+v", p.Status, p.Job)
	}

	f.orders.set(false)
	paid, err := f.mgr.ConfirmPayment(ctx, o.ID, "")
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if paid.Status != domain.StatusPrinting {
		t.Fatalf("status = %s", paid.Status)
	}

	f.orders.set(true)
	if _, err := f.mgr.Transition(ctx, o.ID, domain.StatusCancelled, "", "support"); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the order store failure, got %v", err)
	}
	f.orders.set(false)
	if p, _ := f.registry.Get("fdm-01"); p.Status != domain.PrinterPrinting || p.Job == nil || p.Job.OrderID != o.ID {
		t.Fatalf("unsaved cancel should give the printer back to the order: %s %+v", p.Status, p.Job)
	}
	if got, _ := f.mgr.Get(ctx, o.ID); got.Status != domain.StatusPrinting {
		t.Fatalf("status = %s", got.Status)
	}
}

func (r *recorder) count(orderID string, kind domain.UpdateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.OrderID == orderID && u.Kind == kind {
			n++
		}
	}
	return n
}

func TestProgressPushesOnlyChanges(t *testing.T) {
	f := newFixture(t, true, fdmPrinter("fdm-01"))
	ctx := context.Background()

	printing := f.order(t)
	f.clock.Advance(time.Minute)
	waiting := f.order(t)
	for _, id := range []string{printing.ID, waiting.ID} {
		if _, err := f.mgr.ConfirmPayment(ctx, id, ""); err != nil {
			t.Fatalf("confirm payment: %v", err)
		}
	}
	if err := f.mgr.JobStarted(ctx, "fdm-01"); err != nil {
		t.Fatalf("job started: %v", err)
	}

	progress := f.pub.count(printing.ID, domain.UpdateJobProgress)
	for i := 0; i < 5; i++ {
		f.mgr.publishProgress(ctx, printing.ID)
		f.mgr.publishProgress(ctx, waiting.ID)
	}
	if got := f.pub.count(printing.ID, domain.UpdateJobProgress); got != progress {
		t.Fatalf("unchanged printing order got %d extra pushes", got-progress)
	}
	if got := f.pub.count(waiting.ID, domain.UpdateJobProgress); got != 1 {
		t.Fatalf("waiting order progress pushes = %d, want 1", got)
	}
	if got := f.pub.count(waiting.ID, domain.UpdateCapacityBacklog); got != 1 {
		t.Fatalf("waiting order backlog pushes = %d, want 1", got)
	}

	f.clock.Advance(30 * time.Minute)
	f.mgr.publishProgress(ctx, printing.ID)
	f.mgr.publishProgress(ctx, printing.ID)
	if got := f.pub.count(printing.ID, domain.UpdateJobProgress); got != progress+1 {
		t.Fatalf("progress pushes after the clock moved = %d, want %d", got, progress+1)
	}
}

func TestTransientLoadErrorKeepsOrderEntry(t *testing.T) {
	f := newFixture(t, false, fdmPrinter("fdm-01"))
	ctx := context.Background()
	o := f.order(t)

	f.start(t, false)
	f.orders.mu.Lock()
	f.orders.failGet = true
	f.orders.mu.Unlock()
	if _, err := f.mgr.Get(ctx, o.ID); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the load failure, got %v", err)
	}
	f.mgr.mu.Lock()
	e := f.mgr.orders[o.ID]
	f.mgr.mu.Unlock()
	if e == nil || e.dead {
		t.Fatal("a transient load error must keep the cached entry")
	}

	f.orders.mu.Lock()
	f.orders.failGet = false
	f.orders.mu.Unlock()
	got, err := f.mgr.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != o.ID {
		t.Fatalf("got order %s", got.ID)
	}
	f.mgr.mu.Lock()
	same := f.mgr.orders[o.ID] == e
	f.mgr.mu.Unlock()
	if !same {
		t.Fatal("retry should reuse the cached entry")
	}

	if _, err := f.mgr.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	f.mgr.mu.Lock()
	_, cached := f.mgr.orders["missing"]
	f.mgr.mu.Unlock()
	if cached {
		t.Fatal("a missing order must not stay cached")
	}
}
