// Package scheduler assigns queued order items to idle printers.
//
// Items wait in FIFO buckets keyed by technology and bed class. All buckets
// of one technology form a lane guarded by a single mutex, which serializes
// the "item queued" and "printer became idle" triggers for that technology.
// Lock order is lane, then printer (inside the registry), then the job index.
// Holding several lanes is allowed when they are taken in technology order.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
)

type Registry interface {
	Get(id string) (domain.Printer, error)
	ListByTechnology(tech domain.Technology) []domain.Printer
	Reserve(ctx context.Context, id string, job domain.JobRef) (domain.Printer, error)
	Release(ctx context.Context, id string, job domain.JobRef) (domain.Printer, error)
	SetStatus(ctx context.Context, id string, to domain.PrinterStatus, abort bool) (domain.Printer, *domain.JobRef, error)
}

// Changes reports what a scheduler call did so the caller can reconcile
// the affected orders after the lane lock is released.
type Changes struct {
	Orders      []string
	Interrupted []domain.JobRef
}

func (c *Changes) touch(orderID string) {
	if !slices.Contains(c.Orders, orderID) {
		c.Orders = append(c.Orders, orderID)
	}
}

func (c *Changes) merge(o Changes) {
	for _, id := range o.Orders {
		c.touch(id)
	}
	c.Interrupted = append(c.Interrupted, o.Interrupted...)
}

type lane struct {
	mu      sync.Mutex
	tech    domain.Technology
	buckets [domain.NumBedClasses][]*job
}

type Scheduler struct {
	registry Registry
	log      zerolog.Logger
	now      func() time.Time

	lanes map[domain.Technology]*lane

	idx       sync.Mutex
	byItem    map[string]*job
	byOrder   map[string][]*job
	byPrinter map[string]*job
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(registry Registry, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:  registry,
		log:       logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		lanes:     make(map[domain.Technology]*lane),
		byItem:    make(map[string]*job),
		byOrder:   make(map[string][]*job),
		byPrinter: make(map[string]*job),
	}
	for _, tech := range domain.Technologies() {
		s.lanes[tech] = &lane{tech: tech}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) lane(tech domain.Technology) (*lane, error) {
	l, ok := s.lanes[tech]
	if !ok {
		return nil, fmt.Errorf("%w: no lane for technology %q", domain.ErrInvalidInput, tech)
	}
	return l, nil
}

// Enqueue queues items and dispatches them onto idle printers. Items that
// are already known to the scheduler are ignored.
func (s *Scheduler) Enqueue(ctx context.Context, reqs []Request) (Changes, error) {
	byTech := make(map[domain.Technology][]Request)
	for _, r := range reqs {
		if r.OrderID == "" || r.ItemID == "" {
			return Changes{}, fmt.Errorf("%w: job request needs order and item ids", domain.ErrInvalidInput)
		}
		if _, err := s.lane(r.Technology); err != nil {
			return Changes{}, err
		}
		byTech[r.Technology] = append(byTech[r.Technology], r)
	}

	var changes Changes
	for _, tech := range domain.Technologies() {
		batch := byTech[tech]
		if len(batch) == 0 {
			continue
		}
		l := s.lanes[tech]
		l.mu.Lock()
		for _, r := range batch {
			if j := s.addJob(r); j != nil {
				l.insert(j)
				changes.touch(r.OrderID)
			}
		}
		changes.merge(s.dispatch(ctx, l))
		l.mu.Unlock()
	}
	return changes, nil
}

func (s *Scheduler) addJob(r Request) *job {
	s.idx.Lock()
	defer s.idx.Unlock()
	if _, ok := s.byItem[r.ItemID]; ok {
		return nil
	}
	j := &job{
		req:        r,
		class:      domain.ClassifyPart(r.BBox),
		status:     JobQueued,
		enqueuedAt: s.now().UTC(),
	}
	s.byItem[r.ItemID] = j
	s.byOrder[r.OrderID] = append(s.byOrder[r.OrderID], j)
	return j
}

func (l *lane) insert(j *job) {
	q := l.buckets[j.class]
	i, _ := slices.BinarySearchFunc(q, j, compareJobs)
	l.buckets[j.class] = slices.Insert(q, i, j)
}

func (l *lane) remove(j *job) bool {
	q := l.buckets[j.class]
	i := slices.Index(q, j)
	if i < 0 {
		return false
	}
	l.buckets[j.class] = slices.Delete(q, i, i+1)
	return true
}

// pick returns the earliest bucket head that fits bed.
func (l *lane) pick(bed domain.Envelope) *job {
	var best *job
	for c := range l.buckets {
		q := l.buckets[c]
		if len(q) == 0 || !bed.Fits(q[0].req.BBox) {
			continue
		}
		if best == nil || compareJobs(q[0], best) < 0 {
			best = q[0]
		}
	}
	return best
}

// dispatch hands bucket heads to idle printers in id order. Callers hold l.mu.
func (s *Scheduler) dispatch(ctx context.Context, l *lane) Changes {
	var changes Changes
	for _, p := range s.registry.ListByTechnology(l.tech) {
		if p.Status != domain.PrinterIdle {
			continue
		}
		j := l.pick(p.Bed)
		if j == nil {
			continue
		}
		if _, err := s.registry.Reserve(ctx, p.ID, j.ref()); err != nil {
			s.log.Warn().Err(err).Str("printer_id", p.ID).Str("item_id", j.req.ItemID).Msg("reserve printer failed")
			continue
		}
		l.remove(j)
		now := s.now().UTC()
		j.status = JobAssigned
		j.printerID = p.ID
		j.scheduledAt = &now

		s.idx.Lock()
		s.byPrinter[p.ID] = j
		s.idx.Unlock()

		changes.touch(j.req.OrderID)
		s.log.Info().
			Str("printer_id", p.ID).
			Str("order_id", j.req.OrderID).
			Str("item_id", j.req.ItemID).
			Stringer("bed_class", j.class).
			Msg("job assigned")
	}
	return changes
}

// PrinterAvailable re-runs dispatch for a technology, e.g. after a printer
// is registered.
func (s *Scheduler) PrinterAvailable(ctx context.Context, tech domain.Technology) (Changes, error) {
	l, err := s.lane(tech)
	if err != nil {
		return Changes{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.dispatch(ctx, l), nil
}

// assignedLane resolves the job running on a printer and locks its lane.
// The caller must unlock the returned lane.
func (s *Scheduler) assignedLane(printerID string) (*job, *lane, error) {
	s.idx.Lock()
	j, ok := s.byPrinter[printerID]
	s.idx.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no job assigned to printer %s: %w", printerID, domain.ErrNotFound)
	}
	l := s.lanes[j.req.Technology]
	l.mu.Lock()

	s.idx.Lock()
	current := s.byPrinter[printerID]
	s.idx.Unlock()
	if current != j {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("job on printer %s changed: %w", printerID, domain.ErrNotFound)
	}
	return j, l, nil
}

// Start records that the production floor began printing the assigned job.
func (s *Scheduler) Start(ctx context.Context, printerID string) (Changes, error) {
	j, l, err := s.assignedLane(printerID)
	if err != nil {
		return Changes{}, err
	}
	defer l.mu.Unlock()

	var changes Changes
	if j.startedAt == nil {
		now := s.now().UTC()
		j.startedAt = &now
		changes.touch(j.req.OrderID)
	}
	return changes, nil
}

// Complete finishes the job on a printer, frees the printer and dispatches
// the next item to it.
func (s *Scheduler) Complete(ctx context.Context, printerID string) (Changes, error) {
	j, l, err := s.assignedLane(printerID)
	if err != nil {
		return Changes{}, err
	}
	defer l.mu.Unlock()

	if _, err := s.registry.Release(ctx, printerID, j.ref()); err != nil {
		return Changes{}, fmt.Errorf("release printer %s: %w", printerID, err)
	}

	now := s.now().UTC()
	if j.startedAt == nil {
		j.startedAt = j.scheduledAt
	}
	j.status = JobDone
	j.finishedAt = &now

	s.idx.Lock()
	delete(s.byPrinter, printerID)
	s.idx.Unlock()

	var changes Changes
	changes.touch(j.req.OrderID)
	changes.merge(s.dispatch(ctx, l))
	return changes, nil
}

// SetPrinterStatus applies an operator status change. An aborted job goes
// back to its original queue position; a printer returning to IDLE picks up
// queued work.
func (s *Scheduler) SetPrinterStatus(ctx context.Context, printerID string, to domain.PrinterStatus, abort bool) (domain.Printer, Changes, error) {
	p, err := s.registry.Get(printerID)
	if err != nil {
		return domain.Printer{}, Changes{}, err
	}
	l, err := s.lane(p.Technology)
	if err != nil {
		return domain.Printer{}, Changes{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	updated, interrupted, err := s.registry.SetStatus(ctx, printerID, to, abort)
	if err != nil {
		return domain.Printer{}, Changes{}, err
	}

	var changes Changes
	if interrupted != nil {
		s.idx.Lock()
		j, ok := s.byPrinter[printerID]
		delete(s.byPrinter, printerID)
		s.idx.Unlock()

		if ok && j.ref() == *interrupted {
			j.status = JobQueued
			j.printerID = ""
			j.scheduledAt = nil
			j.startedAt = nil
			j.interruptions++
			l.insert(j)
			changes.touch(j.req.OrderID)
			changes.Interrupted = append(changes.Interrupted, *interrupted)
			s.log.Warn().
				Str("printer_id", printerID).
				Str("order_id", interrupted.OrderID).
				Str("item_id", interrupted.ItemID).
				Msg("job interrupted and re-queued")
		}
	}
	if updated.Status == domain.PrinterIdle || interrupted != nil {
		changes.merge(s.dispatch(ctx, l))
	}
	return updated, changes, nil
}

// CancelOrder withdraws every job of an order. Assigned printers are freed
// and immediately offered the next queued item. If a printer cannot be
// freed, printers already freed are reserved again and nothing changes.
func (s *Scheduler) CancelOrder(ctx context.Context, orderID string) (Changes, error) {
	techs := domain.Technologies()
	for _, tech := range techs {
		s.lanes[tech].mu.Lock()
	}
	defer func() {
		for i := len(techs) - 1; i >= 0; i-- {
			s.lanes[techs[i]].mu.Unlock()
		}
	}()

	s.idx.Lock()
	jobs := slices.Clone(s.byOrder[orderID])
	s.idx.Unlock()

	var released []*job
	for _, j := range jobs {
		if j.status != JobAssigned {
			continue
		}
		if _, err := s.registry.Release(ctx, j.printerID, j.ref()); err != nil {
			for _, r := range released {
				if _, rerr := s.registry.Reserve(ctx, r.printerID, r.ref()); rerr != nil {
					s.log.Error().Err(rerr).Str("printer_id", r.printerID).Str("item_id", r.req.ItemID).Msg("re-reserve printer failed")
				}
			}
			return Changes{}, fmt.Errorf("release printer %s: %w", j.printerID, err)
		}
		released = append(released, j)
	}

	freed := make(map[domain.Technology]bool)
	for _, j := range jobs {
		l := s.lanes[j.req.Technology]
		switch j.status {
		case JobQueued:
			l.remove(j)
		case JobAssigned:
			s.idx.Lock()
			delete(s.byPrinter, j.printerID)
			s.idx.Unlock()
			freed[j.req.Technology] = true
		}
		s.forgetJob(j)
	}

	var changes Changes
	for _, tech := range techs {
		if freed[tech] {
			changes.merge(s.dispatch(ctx, s.lanes[tech]))
		}
	}
	changes.touch(orderID)
	return changes, nil
}

func (s *Scheduler) forgetJob(j *job) {
	s.idx.Lock()
	defer s.idx.Unlock()
	delete(s.byItem, j.req.ItemID)
	rest := slices.DeleteFunc(s.byOrder[j.req.OrderID], func(x *job) bool { return x == j })
	if len(rest) == 0 {
		delete(s.byOrder, j.req.OrderID)
	} else {
		s.byOrder[j.req.OrderID] = rest
	}
}

// Forget drops finished jobs of an order once their results are recorded.
func (s *Scheduler) Forget(orderID string) {
	s.idx.Lock()
	jobs := slices.Clone(s.byOrder[orderID])
	s.idx.Unlock()

	for _, j := range jobs {
		l := s.lanes[j.req.Technology]
		l.mu.Lock()
		done := j.status == JobDone
		l.mu.Unlock()
		if done {
			s.forgetJob(j)
		}
	}
}

// Jobs returns snapshots of an order's jobs ordered by item index.
func (s *Scheduler) Jobs(orderID string) []Job {
	s.idx.Lock()
	jobs := slices.Clone(s.byOrder[orderID])
	s.idx.Unlock()

	now := s.now().UTC()
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		l := s.lanes[j.req.Technology]
		l.mu.Lock()
		out = append(out, j.snapshot(now))
		l.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Job) int { return a.Index - b.Index })
	return out
}

// Backlog lists buckets whose items are still waiting for a printer.
func (s *Scheduler) Backlog() []domain.CapacityBacklog {
	out := make([]domain.CapacityBacklog, 0)
	for _, tech := range domain.Technologies() {
		l := s.lanes[tech]
		l.mu.Lock()
		for c, q := range l.buckets {
			if len(q) == 0 {
				continue
			}
			since := q[0].enqueuedAt
			for _, j := range q[1:] {
				if j.enqueuedAt.Before(since) {
					since = j.enqueuedAt
				}
			}
			out = append(out, domain.CapacityBacklog{
				Technology: tech,
				BedClass:   domain.BedClass(c),
				Queued:     len(q),
				Since:      since,
			})
		}
		l.mu.Unlock()
	}
	return out
}
