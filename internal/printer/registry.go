// Package printer tracks the physical fleet and guards printer state changes.
package printer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
)

type Store interface {
	SavePrinter(ctx context.Context, p domain.Printer) error
	ListPrinters(ctx context.Context) ([]domain.Printer, error)
}

type entry struct {
	mu sync.Mutex
	p  domain.Printer
}

// Registry owns printer state. Each printer has its own lock; a change is
// persisted before it becomes visible to readers.
type Registry struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	printers map[string]*entry
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store Store, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		log:      logger.With().Str("component", "printer_registry").Logger(),
		now:      time.Now,
		printers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the in-memory fleet with the persisted one.
func (r *Registry) Load(ctx context.Context) error {
	printers, err := r.store.ListPrinters(ctx)
	if err != nil {
		return fmt.Errorf("load printers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.printers = make(map[string]*entry, len(printers))
	for _, p := range printers {
		r.printers[p.ID] = &entry{p: p}
	}
	r.log.Info().Int("printers", len(printers)).Msg("printer registry loaded")
	return nil
}

// Register adds a new printer in IDLE state.
func (r *Registry) Register(ctx context.Context, p domain.Printer) (domain.Printer, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" || strings.TrimSpace(p.Name) == "" {
		return domain.Printer{}, fmt.Errorf("%w: printer id and name are required", domain.ErrInvalidInput)
	}
	if !p.Technology.Valid() {
		return domain.Printer{}, fmt.Errorf("%w: unknown technology %q", domain.ErrInvalidInput, p.Technology)
	}
	if p.Bed.X <= 0 || p.Bed.Y <= 0 || p.Bed.Z <= 0 {
		return domain.Printer{}, fmt.Errorf("%w: bed envelope must be positive", domain.ErrInvalidInput)
	}
	p.Status = domain.PrinterIdle
	p.Job = nil
	p.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printers[p.ID]; ok {
		return domain.Printer{}, fmt.Errorf("%w: printer %s already registered", domain.ErrInvalidInput, p.ID)
	}
	if err := r.store.SavePrinter(ctx, p); err != nil {
		return domain.Printer{}, err
	}
	r.printers[p.ID] = &entry{p: p}
	r.log.Info().Str("printer_id", p.ID).Str("technology", string(p.Technology)).Msg("printer registered")
	return p.Clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.printers[id]
	if !ok {
		return nil, fmt.Errorf("printer %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) Get(id string) (domain.Printer, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Printer{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

// List returns a snapshot of the fleet ordered by id.
func (r *Registry) List() []domain.Printer {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.printers))
	for _, e := range r.printers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Printer, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.Clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.Printer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) ListByTechnology(tech domain.Technology) []domain.Printer {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Technology == tech {
			out = append(out, p)
		}
	}
	return out
}

// Envelopes returns the beds of every printer of tech regardless of status.
func (r *Registry) Envelopes(tech domain.Technology) []domain.Envelope {
	printers := r.ListByTechnology(tech)
	beds := make([]domain.Envelope, len(printers))
	for i, p := range printers {
		beds[i] = p.Bed
	}
	return beds
}

// ListEligible returns idle printers of tech whose bed fits bbox, ordered by id.
func (r *Registry) ListEligible(tech domain.Technology, bbox domain.BoundingBox) []domain.Printer {
	out := make([]domain.Printer, 0)
	for _, p := range r.ListByTechnology(tech) {
		if p.Status == domain.PrinterIdle && p.Bed.Fits(bbox) {
			out = append(out, p)
		}
	}
	return out
}

// SetStatus applies an operator transition. Leaving PRINTING requires abort
// and returns the interrupted job.
func (r *Registry) SetStatus(ctx context.Context, id string, to domain.PrinterStatus, abort bool) (domain.Printer, *domain.JobRef, error) {
	if !to.Valid() {
		return domain.Printer{}, nil, fmt.Errorf("%w: invalid printer status", domain.ErrInvalidInput)
	}
	e, err := r.lookup(id)
	if err != nil {
		return domain.Printer{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.p.Status
	if from == to && to != domain.PrinterPrinting {
		return e.p.Clone(), nil, nil
	}
	if err := checkOperatorTransition(e.p, to, abort); err != nil {
		return domain.Printer{}, nil, err
	}

	next := e.p.Clone()
	interrupted := next.Job
	next.Status = to
	next.Job = nil
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SavePrinter(ctx, next); err != nil {
		return domain.Printer{}, nil, err
	}
	e.p = next

	ev := r.log.Info().Str("printer_id", id).Stringer("from", from).Stringer("to", to)
	if interrupted != nil {
		ev = ev.Str("order_id", interrupted.OrderID).Str("item_id", interrupted.ItemID)
	}
	ev.Msg("printer status changed")
	return next.Clone(), interrupted, nil
}

func checkOperatorTransition(p domain.Printer, to domain.PrinterStatus, abort bool) error {
	illegal := func(reason string) error {
		return &domain.IllegalTransitionError{Entity: "printer", From: p.Status.String(), To: to.String(), Reason: reason}
	}

	if to == domain.PrinterPrinting {
		return illegal("printing starts only through job assignment")
	}
	switch p.Status {
	case domain.PrinterPrinting:
		if to == domain.PrinterIdle {
			return illegal("a printing machine returns to idle only when its job completes")
		}
		if !abort {
			return fmt.Errorf("printer %s is running %s/%s: %w", p.ID, p.Job.OrderID, p.Job.ItemID, domain.ErrJobInProgress)
		}
	case domain.PrinterOffline:
		if to != domain.PrinterIdle {
			return illegal("an offline printer must be brought back to idle first")
		}
	}
	return nil
}

// Reserve moves an idle printer to PRINTING for job.
func (r *Registry) Reserve(ctx context.Context, id string, job domain.JobRef) (domain.Printer, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Printer{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.Status != domain.PrinterIdle {
		return domain.Printer{}, &domain.IllegalTransitionError{
			Entity: "printer", From: e.p.Status.String(), To: domain.PrinterPrinting.String(), Reason: "printer is not idle",
		}
	}

	next := e.p.Clone()
	next.Status = domain.PrinterPrinting
	next.Job = &job
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SavePrinter(ctx, next); err != nil {
		return domain.Printer{}, err
	}
	e.p = next
	return next.Clone(), nil
}

// Release returns a printer to IDLE once job is done or withdrawn.
func (r *Registry) Release(ctx context.Context, id string, job domain.JobRef) (domain.Printer, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Printer{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.Status != domain.PrinterPrinting || e.p.Job == nil || *e.p.Job != job {
		return domain.Printer{}, &domain.IllegalTransitionError{
			Entity: "printer", From: e.p.Status.String(), To: domain.PrinterIdle.String(),
			Reason: fmt.Sprintf("printer is not running %s/%s", job.OrderID, job.ItemID),
		}
	}

	next := e.p.Clone()
	next.Status = domain.PrinterIdle
	next.Job = nil
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SavePrinter(ctx, next); err != nil {
		return domain.Printer{}, err
	}
	e.p = next
	return next.Clone(), nil
}
