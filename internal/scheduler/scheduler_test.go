package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/printer"
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

type memPrinters struct {
	mu       sync.Mutex
	printers map[string]domain.Printer
	failing  map[string]bool
}

var errDiskFull = errors.New("disk full")

func (m *memPrinters) SavePrinter(_ context.Context, p domain.Printer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[p.ID] {
		return errDiskFull
	}
	m.printers[p.ID] = p
	return nil
}

func (m *memPrinters) ListPrinters(context.Context) ([]domain.Printer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Printer, 0, len(m.printers))
	for _, p := range m.printers {
		out = append(out, p)
	}
	return out, nil
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, printers ...domain.Printer) (*Scheduler, *printer.Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	store := &memPrinters{printers: make(map[string]domain.Printer)}
	for _, p := range printers {
		store.printers[p.ID] = p
	}
	reg := printer.New(store, zerolog.Nop(), printer.WithClock(clock.Now))
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return New(reg, zerolog.Nop(), WithClock(clock.Now)), reg, clock
}

func fdm(id string, bed float64) domain.Printer {
	return domain.Printer{ID: id, Name: id, Technology: domain.TechFDM, Bed: domain.Envelope{X: bed, Y: bed, Z: bed}}
}

func req(order string, created time.Time, index int, size float64) Request {
	return Request{
		OrderID:        order,
		OrderCreatedAt: created,
		ItemID:         fmt.Sprintf("%s-item-%d", order, index),
		Index:          index,
		Technology:     domain.TechFDM,
		BBox:           domain.BoundingBox{X: size, Y: size, Z: size},
		HoursPerPart:   1,
		Quantity:       2,
	}
}

func assignedTo(t *testing.T, s *Scheduler, order string, index int) string {
	t.Helper()
	for _, j := range s.Jobs(order) {
		if j.Index == index {
			return j.PrinterID
		}
	}
	t.Fatalf("order %s has no item %d", order, index)
	return ""
}

func TestBucketIsFIFOByOrderCreation(t *testing.T) {
	s, _, _ := newTestScheduler(t, fdm("p1", 220))
	ctx := context.Background()

	// enqueue out of creation order
	if _, err := s.Enqueue(ctx, []Request{req("o3", t0.Add(3*time.Minute), 0, 50)}); err != nil {
		t.Fatalf("enqueue o3: %v", err)
	}
	if _, err := s.Enqueue(ctx, []Request{req("o1", t0.Add(time.Minute), 0, 50), req("o2", t0.Add(2*time.Minute), 0, 50)}); err != nil {
		t.Fatalf("enqueue o1,o2: %v", err)
	}

	// o3 got the idle printer first; the queue now holds o1 then o2.
	if got := assignedTo(t, s, "o3", 0); got != "p1" {
		t.Fatalf("o3 assigned to %q, want p1", got)
	}

	changes, err := s.Complete(ctx, "p1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := assignedTo(t, s, "o1", 0); got != "p1" {
		t.Fatalf("after completion o1 assigned to %q, want p1", got)
	}
	if len(changes.Orders) != 2 {
		t.Fatalf("expected o3 and o1 to change, got %v", changes.Orders)
	}
	if got := assignedTo(t, s, "o2", 0); got != "" {
		t.Fatalf("o2 must still be queued, assigned to %q", got)
	}
}

func TestIdlePrinterTakesEarliestFittingHead(t *testing.T) {
	s, _, _ := newTestScheduler(t, fdm("p1", 220))
	ctx := context.Background()
	busy := req("o0", t0, 0, 10)
	if _, err := s.Enqueue(ctx, []Request{busy}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	large := req("o1", t0.Add(time.Minute), 0, 300)    // class L, never fits p1
	medium := req("o2", t0.Add(2*time.Minute), 0, 150) // class M
	small := req("o3", t0.Add(3*time.Minute), 0, 50)   // class S
	if _, err := s.Enqueue(ctx, []Request{small, large, medium}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := s.Complete(ctx, "p1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := assignedTo(t, s, "o2", 0); got != "p1" {
		t.Fatalf("expected earliest fitting head o2 on p1, got %q", got)
	}

	backlog := s.Backlog()
	classes := map[domain.BedClass]int{}
	for _, b := range backlog {
		classes[b.BedClass] = b.Queued
	}
	if classes[domain.BedLarge] != 1 || classes[domain.BedSmall] != 1 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}
}

func TestConcurrentTriggersNeverDoubleAssign(t *testing.T) {
	printers := []domain.Printer{fdm("p1", 220), fdm("p2", 220), fdm("p3", 220)}
	s, reg, _ := newTestScheduler(t, printers...)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Enqueue(ctx, []Request{req(fmt.Sprintf("o%02d", i), t0.Add(time.Duration(i)*time.Second), 0, 50)})
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.PrinterAvailable(ctx, domain.TechFDM)
		}()
	}
	wg.Wait()

	holders := map[string]string{}
	assigned := 0
	for i := 0; i < 20; i++ {
		order := fmt.Sprintf("o%02d", i)
		for _, j := range s.Jobs(order) {
			if j.PrinterID == "" {
				continue
			}
			assigned++
			if prev, ok := holders[j.PrinterID]; ok {
				t.Fatalf("printer %s assigned to %s and %s", j.PrinterID, prev, order)
			}
			holders[j.PrinterID] = order
		}
	}
	if assigned != 3 {
		t.Fatalf("expected 3 assigned jobs, got %d", assigned)
	}
	for _, p := range reg.List() {
		if p.Status != domain.PrinterPrinting || p.Job == nil || holders[p.ID] != p.Job.OrderID {
			t.Fatalf("registry and scheduler disagree on %s: %+v", p.ID, p)
		}
	}
}

func TestAbortRequeuesAtOriginalPosition(t *testing.T) {
	s, reg, _ := newTestScheduler(t, fdm("p1", 220))
	ctx := context.Background()

	first := req("o1", t0, 0, 50)
	second := req("o2", t0.Add(time.Minute), 0, 50)
	if _, err := s.Enqueue(ctx, []Request{first, second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, _, err := s.SetPrinterStatus(ctx, "p1", domain.PrinterMaintenance, false); err == nil {
		t.Fatal("expected JobInProgress without abort")
	}

	p, changes, err := s.SetPrinterStatus(ctx, "p1", domain.PrinterMaintenance, true)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if p.Status != domain.PrinterMaintenance {
		t.Fatalf("printer status = %s", p.Status)
	}
	if len(changes.Interrupted) != 1 || changes.Interrupted[0].OrderID != "o1" {
		t.Fatalf("unexpected interruptions: %+v", changes.Interrupted)
	}
	jobs := s.Jobs("o1")
	if jobs[0].Status != JobQueued || jobs[0].Interruptions != 1 {
		t.Fatalf("interrupted job not re-queued: %+v", jobs[0])
	}

	if _, _, err := s.SetPrinterStatus(ctx, "p1", domain.PrinterIdle, false); err != nil {
		t.Fatalf("back to idle: %v", err)
	}
	if got := assignedTo(t, s, "o1", 0); got != "p1" {
		t.Fatalf("re-queued o1 must be first again, got printer %q", got)
	}
	if got, _ := reg.Get("p1"); got.Job == nil || got.Job.OrderID != "o1" {
		t.Fatalf("registry job = %+v", got.Job)
	}
}

func TestProgressStaysBelowHundredUntilComplete(t *testing.T) {
	s, _, clock := newTestScheduler(t, fdm("p1", 220))
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, []Request{req("o1", t0, 0, 50)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := s.Jobs("o1")[0].Progress; got != 0 {
		t.Fatalf("progress before start = %v", got)
	}
	if _, err := s.Start(ctx, "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(time.Hour) // half of 2 parts x 1h
	if got := s.Jobs("o1")[0].Progress; got < 49.9 || got > 50.1 {
		t.Fatalf("progress at half time = %v", got)
	}

	clock.Advance(5 * time.Hour)
	if got := s.Jobs("o1")[0].Progress; got >= 100 {
		t.Fatalf("overdue progress must stay below 100, got %v", got)
	}

	if _, err := s.Complete(ctx, "p1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j := s.Jobs("o1")[0]
	if j.Progress != 100 || j.FinishedAt == nil || j.Status != JobDone {
		t.Fatalf("unexpected completed job: %+v", j)
	}

	s.Forget("o1")
	if len(s.Jobs("o1")) != 0 {
		t.Fatal("Forget must drop finished jobs")
	}
}

func TestCancelOrderFreesPrinterForNextItem(t *testing.T) {
	s, reg, _ := newTestScheduler(t, fdm("p1", 220))
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, []Request{req("o1", t0, 0, 50), req("o1", t0, 1, 50), req("o2", t0.Add(time.Minute), 0, 50)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	changes, err := s.CancelOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(s.Jobs("o1")) != 0 {
		t.Fatalf("cancelled jobs still tracked: %+v", s.Jobs("o1"))
	}
	if got := assignedTo(t, s, "o2", 0); got != "p1" {
		t.Fatalf("o2 should take the freed printer, got %q", got)
	}
	found := false
	for _, id := range changes.Orders {
		found = found || id == "o2"
	}
	if !found {
		t.Fatalf("changes must include o2: %v", changes.Orders)
	}
	if p, _ := reg.Get("p1"); p.Job == nil || p.Job.OrderID != "o2" {
		t.Fatalf("printer job = %+v", p.Job)
	}
}

func TestCancelOrderIsAllOrNothing(t *testing.T) {
	store := &memPrinters{printers: map[string]domain.Printer{"p1": fdm("p1", 220), "p2": fdm("p2", 220)}}
	reg := printer.New(store, zerolog.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	s := New(reg, zerolog.Nop(), WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, []Request{req("o1", t0, 0, 50), req("o1", t0, 1, 50), req("o1", t0, 2, 50)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	store.mu.Lock()
	store.failing = map[string]bool{"p2": true}
	store.mu.Unlock()

	if _, err := s.CancelOrder(ctx, "o1"); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the store failure, got %v", err)
	}
	for i, want := range []string{"p1", "p2"} {
		if got := assignedTo(t, s, "o1", i); got != want {
			t.Fatalf("item %d assigned to %q, want %q", i, got, want)
		}
		p, _ := reg.Get(want)
		if p.Status != domain.PrinterPrinting || p.Job == nil || p.Job.OrderID != "o1" {
			t.Fatalf("printer %s = %s %+v", want, p.Status, p.Job)
		}
	}
	if jobs := s.Jobs("o1"); len(jobs) != 3 || jobs[2].Status != JobQueued {
		t.Fatalf("jobs after failed cancel: %+v", jobs)
	}

	store.mu.Lock()
	store.failing = nil
	store.mu.Unlock()

	if _, err := s.CancelOrder(ctx, "o1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		if p, _ := reg.Get(id); p.Status != domain.PrinterIdle || p.Job != nil {
			t.Fatalf("printer %s = %s %+v", id, p.Status, p.Job)
		}
	}
	if len(s.Jobs("o1")) != 0 || len(s.Backlog()) != 0 {
		t.Fatal("cancelled order left work behind")
	}
}

func TestRestoreKeepsPrinterAssignments(t *testing.T) {
	running := fdm("p1", 220)
	running.Status = domain.PrinterPrinting
	running.Job = &domain.JobRef{OrderID: "o1", ItemID: "o1-item-0"}
	orphan := fdm("p2", 220)
	orphan.Status = domain.PrinterPrinting
	orphan.Job = &domain.JobRef{OrderID: "gone", ItemID: "gone-item-0"}

	s, reg, _ := newTestScheduler(t, running, orphan)
	ctx := context.Background()

	started := t0.Add(-30 * time.Minute)
	_, err := s.Restore(ctx, []RestoredJob{
		{Request: req("o1", t0, 0, 50), StartedAt: &started},
		{Request: req("o2", t0.Add(time.Minute), 0, 50)},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	j := s.Jobs("o1")[0]
	if j.PrinterID != "p1" || j.StartedAt == nil || !j.StartedAt.Equal(started) {
		t.Fatalf("running job not restored onto p1: %+v", j)
	}
	if got := assignedTo(t, s, "o2", 0); got != "p2" {
		t.Fatalf("o2 should take the released orphan printer, got %q", got)
	}
	if p, _ := reg.Get("p2"); p.Job == nil || p.Job.OrderID != "o2" {
		t.Fatalf("orphan printer job = %+v", p.Job)
	}
}
