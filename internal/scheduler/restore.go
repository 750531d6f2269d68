package scheduler

import (
	"context"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
)

// RestoredJob is an unfinished item reloaded from durable order records.
type RestoredJob struct {
	Request
	ScheduledAt *time.Time
	StartedAt   *time.Time
}

// Restore rebuilds queues after a restart. A printer that still holds an
// item keeps it; printers holding unknown work are freed; every other item
// is queued again at its original position.
func (s *Scheduler) Restore(ctx context.Context, items []RestoredJob) (Changes, error) {
	pending := make(map[domain.JobRef]RestoredJob, len(items))
	for _, it := range items {
		if _, err := s.lane(it.Technology); err != nil {
			return Changes{}, err
		}
		pending[domain.JobRef{OrderID: it.OrderID, ItemID: it.ItemID}] = it
	}

	var changes Changes
	for _, tech := range domain.Technologies() {
		l := s.lanes[tech]
		l.mu.Lock()

		for _, p := range s.registry.ListByTechnology(tech) {
			if p.Status != domain.PrinterPrinting || p.Job == nil {
				continue
			}
			it, ok := pending[*p.Job]
			if !ok {
				if _, err := s.registry.Release(ctx, p.ID, *p.Job); err != nil {
					l.mu.Unlock()
					return changes, err
				}
				s.log.Warn().Str("printer_id", p.ID).Str("order_id", p.Job.OrderID).Msg("released printer holding unknown job")
				continue
			}
			delete(pending, *p.Job)

			j := s.addJob(it.Request)
			if j == nil {
				continue
			}
			now := s.now().UTC()
			j.status = JobAssigned
			j.printerID = p.ID
			j.scheduledAt = copyTime(it.ScheduledAt)
			if j.scheduledAt == nil {
				j.scheduledAt = &now
			}
			j.startedAt = copyTime(it.StartedAt)

			s.idx.Lock()
			s.byPrinter[p.ID] = j
			s.idx.Unlock()
			changes.touch(it.OrderID)
		}

		for ref, it := range pending {
			if it.Technology != tech {
				continue
			}
			delete(pending, ref)
			if j := s.addJob(it.Request); j != nil {
				l.insert(j)
				changes.touch(it.OrderID)
			}
		}

		changes.merge(s.dispatch(ctx, l))
		l.mu.Unlock()
	}

	s.log.Info().Int("orders", len(changes.Orders)).Int("items", len(items)).Msg("scheduler state restored")
	return changes, nil
}
