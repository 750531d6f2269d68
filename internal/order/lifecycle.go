package order

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/scheduler"
)

// Transition applies an operator status change: exactly one stage forward,
// or CANCELLED from any non-terminal stage. A rejected request leaves the
// order untouched.
func (m *Manager) Transition(ctx context.Context, id string, to domain.OrderStatus, note, actor string) (domain.Order, error) {
	if !to.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status", domain.ErrInvalidInput)
	}
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if err := checkTransition(*o, to); err != nil {
			return nil, err
		}
		if note == "" {
			note = to.Label()
		}
		return m.advance(o, to, note, actor), nil
	})
}

func checkTransition(o domain.Order, to domain.OrderStatus) error {
	from := o.Status
	if from.Terminal() {
		return domain.IllegalOrderTransition(from, to, "order is closed")
	}
	if to == domain.StatusCancelled {
		return nil
	}
	if next, _ := from.Next(); to != next {
		return domain.IllegalOrderTransition(from, to, "orders move one stage at a time")
	}

	switch to {
	case domain.StatusPaid:
		return domain.IllegalOrderTransition(from, to, "payment must be confirmed by the payment provider")
	case domain.StatusSlicing:
		if len(o.Holds) > 0 {
			return domain.IllegalOrderTransition(from, to, "review holds: "+strings.Join(o.Holds, ", "))
		}
	case domain.StatusPrinting:
		if !o.AllAssigned() {
			return domain.IllegalOrderTransition(from, to, "not every item is assigned to a printer")
		}
	case domain.StatusPostProcessing:
		if !o.AllFinished() {
			return domain.IllegalOrderTransition(from, to, "not every item has finished printing")
		}
	}
	return nil
}

// advance moves o to the stage, appends its event and returns the scheduler
// work the stage implies.
func (m *Manager) advance(o *domain.Order, to domain.OrderStatus, note, actor string) effect {
	now := m.now().UTC()
	o.Status = to
	appendEvent(o, to, note, actor, m.newID(), now)

	switch to {
	case domain.StatusSlicing:
		return m.enqueue
	case domain.StatusCancelled:
		return m.cancel
	case domain.StatusPostProcessing:
		return func(_ context.Context, o domain.Order) (scheduler.Changes, rollback, error) {
			m.sched.Forget(o.ID)
			return scheduler.Changes{}, nil, nil
		}
	}
	return nil
}

func (m *Manager) enqueue(ctx context.Context, o domain.Order) (scheduler.Changes, rollback, error) {
	reqs := make([]scheduler.Request, 0, len(o.Items))
	for _, it := range o.Items {
		if it.FinishedAt != nil {
			continue
		}
		reqs = append(reqs, requestFor(o, it))
	}
	changes, err := m.sched.Enqueue(ctx, reqs)
	if err != nil {
		return scheduler.Changes{}, nil, err
	}
	// Reconcile the order even when nothing was assigned yet.
	if !slices.Contains(changes.Orders, o.ID) {
		changes.Orders = append(changes.Orders, o.ID)
	}
	undo := func(ctx context.Context) (scheduler.Changes, error) {
		return m.sched.CancelOrder(ctx, o.ID)
	}
	return changes, undo, nil
}

// cancel withdraws the order's unfinished jobs. Undoing it queues them again
// at their original position.
func (m *Manager) cancel(ctx context.Context, o domain.Order) (scheduler.Changes, rollback, error) {
	var held []scheduler.Request
	for _, j := range m.sched.Jobs(o.ID) {
		if j.Status == scheduler.JobDone {
			continue
		}
		i := slices.IndexFunc(o.Items, func(it domain.OrderItem) bool { return it.ID == j.ItemID })
		if i >= 0 {
			held = append(held, requestFor(o, o.Items[i]))
		}
	}
	changes, err := m.sched.CancelOrder(ctx, o.ID)
	if err != nil {
		return scheduler.Changes{}, nil, err
	}
	undo := func(ctx context.Context) (scheduler.Changes, error) {
		return m.sched.Enqueue(ctx, held)
	}
	return changes, undo, nil
}

func requestFor(o domain.Order, it domain.OrderItem) scheduler.Request {
	return scheduler.Request{
		OrderID:        o.ID,
		OrderCreatedAt: o.CreatedAt,
		ItemID:         it.ID,
		Index:          it.Index,
		Technology:     it.Technology,
		BBox:           it.BBox,
		HoursPerPart:   it.EstimatedHours,
		Quantity:       it.Quantity,
	}
}

// ConfirmPayment records a captured payment. The order moves to PAID and
// straight on to IN_REVIEW; with automated review and no holds it continues
// to SLICING. Repeated confirmations are ignored.
func (m *Manager) ConfirmPayment(ctx context.Context, id, reference string) (domain.Order, error) {
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if o.PaymentStatus == domain.PaymentCompleted {
			return nil, errUnchanged
		}
		if o.Status != domain.StatusPendingPayment {
			return nil, domain.IllegalOrderTransition(o.Status, domain.StatusPaid, "order is not awaiting payment")
		}

		o.PaymentStatus = domain.PaymentCompleted
		note := "payment captured"
		if reference != "" {
			note += " (" + reference + ")"
		}
		m.advance(o, domain.StatusPaid, note, ActorPayment)
		m.advance(o, domain.StatusInReview, "awaiting review", ActorSystem)
		if m.autoReview && len(o.Holds) == 0 {
			return m.advance(o, domain.StatusSlicing, "automated review passed", ActorSystem), nil
		}
		return nil, nil
	})
}

// FailPayment records a declined payment. The order keeps waiting for a
// successful capture.
func (m *Manager) FailPayment(ctx context.Context, id, reason string) (domain.Order, error) {
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if o.Status != domain.StatusPendingPayment {
			return nil, domain.IllegalOrderTransition(o.Status, o.Status, "order is not awaiting payment")
		}
		if o.PaymentStatus == domain.PaymentFailed {
			return nil, errUnchanged
		}
		o.PaymentStatus = domain.PaymentFailed
		note := "payment failed"
		if reason != "" {
			note += ": " + reason
		}
		appendEvent(o, o.Status, note, ActorPayment, m.newID(), m.now().UTC())
		return nil, nil
	})
}

// ConfirmRefund records a refund of a cancelled, paid order.
func (m *Manager) ConfirmRefund(ctx context.Context, id, reference string) (domain.Order, error) {
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if o.PaymentStatus == domain.PaymentRefunded {
			return nil, errUnchanged
		}
		if o.Status != domain.StatusCancelled || o.PaymentStatus != domain.PaymentCompleted {
			return nil, &domain.IllegalTransitionError{
				Entity: "payment", From: string(o.PaymentStatus), To: string(domain.PaymentRefunded),
				Reason: "only paid, cancelled orders are refunded",
			}
		}
		o.PaymentStatus = domain.PaymentRefunded
		note := "refund confirmed"
		if reference != "" {
			note += " (" + reference + ")"
		}
		appendEvent(o, o.Status, note, ActorPayment, m.newID(), m.now().UTC())
		return nil, nil
	})
}

// Hold blocks an order in review until the hold is released.
func (m *Manager) Hold(ctx context.Context, id, reason, actor string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: hold reason is required", domain.ErrInvalidInput)
	}
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		if o.Status > domain.StatusInReview {
			return nil, &domain.IllegalTransitionError{
				Entity: "order", From: o.Status.String(), To: o.Status.String(),
				Reason: "holds can only be placed before slicing",
			}
		}
		if slices.Contains(o.Holds, reason) {
			return nil, errUnchanged
		}
		o.Holds = append(o.Holds, reason)
		appendEvent(o, o.Status, "hold: "+reason, actor, m.newID(), m.now().UTC())
		return nil, nil
	})
}

// ReleaseHold removes a hold. Releasing the last hold of an order in review
// continues to SLICING when automated review is enabled.
func (m *Manager) ReleaseHold(ctx context.Context, id, reason, actor string) (domain.Order, error) {
	reason = strings.TrimSpace(reason)
	return m.update(ctx, id, func(o *domain.Order) (effect, error) {
		i := slices.Index(o.Holds, reason)
		if i < 0 {
			return nil, fmt.Errorf("hold %q on order %s: %w", reason, id, domain.ErrNotFound)
		}
		o.Holds = slices.Delete(o.Holds, i, i+1)
		appendEvent(o, o.Status, "hold released: "+reason, actor, m.newID(), m.now().UTC())
		if m.autoReview && len(o.Holds) == 0 && o.Status == domain.StatusInReview {
			return m.advance(o, domain.StatusSlicing, "automated review passed", ActorSystem), nil
		}
		return nil, nil
	})
}
