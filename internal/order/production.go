package order

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/scheduler"
	"github.com/Simplici0/printworks/internal/store"
)

// JobStarted records that the production floor began the job on a printer.
func (m *Manager) JobStarted(ctx context.Context, printerID string) error {
	changes, err := m.sched.Start(ctx, printerID)
	if err != nil {
		return err
	}
	m.reconcile(ctx, changes)
	return nil
}

// JobCompleted records a finished job. The printer is offered the next
// queued item straight away.
func (m *Manager) JobCompleted(ctx context.Context, printerID string) error {
	changes, err := m.sched.Complete(ctx, printerID)
	if err != nil {
		return err
	}
	m.reconcile(ctx, changes)
	return nil
}

// SetPrinterStatus applies an operator status change. An aborted job is
// re-queued and its order gets an interruption event.
func (m *Manager) SetPrinterStatus(ctx context.Context, printerID string, to domain.PrinterStatus, abort bool) (domain.Printer, error) {
	p, changes, err := m.sched.SetPrinterStatus(ctx, printerID, to, abort)
	if err != nil {
		return domain.Printer{}, err
	}
	m.reconcile(ctx, changes)
	return p, nil
}

// PrinterAvailable offers queued work of a technology to its idle printers,
// e.g. after a printer is registered.
func (m *Manager) PrinterAvailable(ctx context.Context, tech domain.Technology) error {
	changes, err := m.sched.PrinterAvailable(ctx, tech)
	if err != nil {
		return err
	}
	m.reconcile(ctx, changes)
	return nil
}

// reconcile copies scheduler state into every affected order, one order
// lock at a time.
func (m *Manager) reconcile(ctx context.Context, changes scheduler.Changes) {
	interrupted := make(map[string][]domain.JobRef)
	ids := slices.Clone(changes.Orders)
	for _, ref := range changes.Interrupted {
		interrupted[ref.OrderID] = append(interrupted[ref.OrderID], ref)
		if !slices.Contains(ids, ref.OrderID) {
			ids = append(ids, ref.OrderID)
		}
	}
	for _, id := range ids {
		if err := m.sync(ctx, id, interrupted[id]); err != nil {
			m.log.Error().Err(err).Str("order_id", id).Msg("reconcile order with scheduler")
		}
	}
}

func (m *Manager) sync(ctx context.Context, id string, interrupted []domain.JobRef) error {
	_, err := m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if o.Status != domain.StatusSlicing && o.Status != domain.StatusPrinting {
			return nil, errUnchanged
		}

		changed := applyJobs(o, m.sched.Jobs(o.ID))
		now := m.now().UTC()
		for _, ref := range interrupted {
			i := slices.IndexFunc(o.Items, func(it domain.OrderItem) bool { return it.ID == ref.ItemID })
			if i < 0 {
				continue
			}
			note := fmt.Sprintf("printing of item %d (%s) interrupted, re-queued", o.Items[i].Index+1, o.Items[i].FileName)
			appendEvent(o, o.Status, note, ActorScheduler, m.newID(), now)
			changed = true
		}

		var eff effect
		if o.Status == domain.StatusSlicing && o.AllAssigned() {
			m.advance(o, domain.StatusPrinting, "all items assigned to printers", ActorScheduler)
			changed = true
		}
		if o.Status == domain.StatusPrinting && o.AllFinished() {
			eff = m.advance(o, domain.StatusPostProcessing, "all items printed", ActorScheduler)
			changed = true
		}
		if !changed {
			return nil, errUnchanged
		}
		return eff, nil
	})
	return err
}

// applyJobs copies assignment and timing of the scheduler's jobs onto the
// order items and reports whether anything changed.
func applyJobs(o *domain.Order, jobs []scheduler.Job) bool {
	changed := false
	for _, j := range jobs {
		i := slices.IndexFunc(o.Items, func(it domain.OrderItem) bool { return it.ID == j.ItemID })
		if i < 0 {
			continue
		}
		it := &o.Items[i]
		printer := j.PrinterID
		if j.Status == scheduler.JobQueued {
			printer = ""
		}
		if it.AssignedPrinter != printer ||
			!sameTime(it.ScheduledAt, j.ScheduledAt) ||
			!sameTime(it.StartedAt, j.StartedAt) ||
			!sameTime(it.FinishedAt, j.FinishedAt) {
			changed = true
		}
		it.AssignedPrinter = printer
		it.ScheduledAt = j.ScheduledAt
		it.StartedAt = j.StartedAt
		it.FinishedAt = j.FinishedAt
		it.Progress = j.Progress
	}
	return changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Recover rebuilds scheduler state from orders that were slicing or
// printing when the process stopped. It returns the number of orders.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	var (
		items []scheduler.RestoredJob
		ids   []string
	)
	for _, status := range []domain.OrderStatus{domain.StatusSlicing, domain.StatusPrinting} {
		st := status
		orders, _, err := m.store.ListOrders(ctx, store.OrderFilter{Status: &st})
		if err != nil {
			return 0, fmt.Errorf("list %s orders: %w", st, err)
		}
		for _, o := range orders {
			ids = append(ids, o.ID)
			for _, it := range o.Items {
				if it.FinishedAt != nil {
					continue
				}
				items = append(items, scheduler.RestoredJob{
					Request:     requestFor(o, it),
					ScheduledAt: it.ScheduledAt,
					StartedAt:   it.StartedAt,
				})
			}
		}
	}

	changes, err := m.sched.Restore(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("restore scheduler: %w", err)
	}
	for _, id := range ids {
		if !slices.Contains(changes.Orders, id) {
			changes.Orders = append(changes.Orders, id)
		}
	}
	m.reconcile(ctx, changes)

	m.log.Info().Int("orders", len(ids)).Int("items", len(items)).Msg("production state recovered")
	return len(ids), nil
}

// RunProgress publishes job progress of every order in production each
// interval until ctx is done.
func (m *Manager) RunProgress(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.active))
			for id := range m.active {
				ids = append(ids, id)
			}
			m.mu.Unlock()
			slices.Sort(ids)

			for _, id := range ids {
				m.publishProgress(ctx, id)
			}
		}
	}
}

// publishProgress pushes the order's live job state when it differs from
// the last push. The snapshot is taken and sent under the order lock so it
// cannot overtake a newer event.
func (m *Manager) publishProgress(ctx context.Context, id string) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("order_id", id).Msg("progress snapshot failed")
		return
	}
	defer e.mu.Unlock()
	if e.o.Status != domain.StatusSlicing && e.o.Status != domain.StatusPrinting {
		return
	}

	o := e.o.Clone()
	m.live(&o)
	key := progressKey(o)
	if key == e.progress {
		return
	}
	e.progress = key

	at := m.now().UTC()
	updates := []domain.OrderUpdate{{
		Kind: domain.UpdateJobProgress, OrderID: id, Status: o.Status, Items: o.Items, At: at,
	}}
	if len(o.Backlog) > 0 {
		updates = append(updates, domain.OrderUpdate{
			Kind: domain.UpdateCapacityBacklog, OrderID: id, Status: o.Status, Backlog: o.Backlog, At: at,
		})
	}
	for _, u := range updates {
		for _, p := range m.publishers {
			p.Publish(u)
		}
	}
}

// progressKey condenses what a progress push reports. Progress counts in
// whole percents.
func progressKey(o domain.Order) string {
	var b strings.Builder
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%s:%s:%d:%t;", it.ID, it.AssignedPrinter, int(it.Progress), it.FinishedAt != nil)
	}
	for _, bl := range o.Backlog {
		fmt.Fprintf(&b, "%s/%s:%d;", bl.Technology, bl.BedClass, bl.Queued)
	}
	return b.String()
}
