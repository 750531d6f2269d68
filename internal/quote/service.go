// Package quote prices upload requests and guards the quote lifecycle
// DRAFT -> ACTIVE -> CONVERTED, with EXPIRED once validity lapses.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/pricing"
)

type Store interface {
	GetFile(ctx context.Context, id string) (domain.FileMeta, error)
	GetMaterial(ctx context.Context, id string) (domain.Material, error)
	GetProfile(ctx context.Context, id string) (domain.PrintProfile, error)
	PostProcessSteps(ctx context.Context, ids []string) ([]domain.PostProcessStep, error)
	GetRates(ctx context.Context) (pricing.Rates, error)
	SaveQuote(ctx context.Context, q domain.Quote) error
	GetQuote(ctx context.Context, id string) (domain.Quote, error)
	ListLapsedQuotes(ctx context.Context, now time.Time) ([]domain.Quote, error)
}

// Fleet exposes the build envelopes of the registered printers.
type Fleet interface {
	Envelopes(tech domain.Technology) []domain.Envelope
}

type ItemRequest struct {
	FileID         string   `json:"fileId"`
	MaterialID     string   `json:"materialId"`
	PrintProfileID string   `json:"printProfileId"`
	Quantity       int      `json:"quantity"`
	Color          string   `json:"color"`
	Infill         *float64 `json:"infill"`
	Supports       bool     `json:"supports"`
	PostProcessing []string `json:"postProcessing"`
}

type CreateRequest struct {
	CustomerID string              `json:"-"`
	Purpose    domain.QuotePurpose `json:"purpose"`
	Deadline   *time.Time          `json:"deadline"`
	Contact    domain.Contact      `json:"contact"`
	Items      []ItemRequest       `json:"items"`
}

type Service struct {
	store Store
	fleet Fleet
	log   zerolog.Logger
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, fleet Fleet, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		fleet: fleet,
		log:   logger.With().Str("component", "quote_store").Logger(),
		now:   time.Now,
		newID: uuid.NewString,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock serializes every state change of one quote.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// retire drops the lock of a quote that can no longer change. Callers hold it.
func (s *Service) retire(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// Create prices every item and stores a DRAFT quote. Any pricing failure
// aborts the whole request and nothing is stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Quote, error) {
	if err := validateRequest(&req, s.now()); err != nil {
		return domain.Quote{}, err
	}
	rates, err := s.store.GetRates(ctx)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("load rates: %w", err)
	}

	now := s.now().UTC()
	q := domain.Quote{
		ID:         s.newID(),
		CustomerID: req.CustomerID,
		Purpose:    req.Purpose,
		Deadline:   req.Deadline,
		Status:     domain.QuoteDraft,
		Contact:    req.Contact,
		Items:      make([]domain.QuoteItem, 0, len(req.Items)),
		ValidUntil: now.Add(rates.QuoteTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	results := make([]pricing.Result, 0, len(req.Items))
	for i, item := range req.Items {
		qi, result, err := s.priceItem(ctx, item, rates)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("item %d: %w", i, err)
		}
		q.Items = append(q.Items, qi)
		results = append(results, result)

		q.Hours.Min += result.PrintHours * float64(item.Quantity)
		q.FilamentGrams += result.FilamentWeightG * float64(item.Quantity)
	}

	minPrice, maxPrice := pricing.Band(results, rates)
	q.Pricing = domain.PriceBand{Currency: rates.Currency, Min: round2(minPrice), Max: round2(maxPrice)}
	q.Hours.Max = q.Hours.Min * max(rates.UncertaintyMultiplier, 1)

	if err := s.store.SaveQuote(ctx, q); err != nil {
		return domain.Quote{}, err
	}
	s.log.Info().
		Str("quote_id", q.ID).
		Str("customer_id", q.CustomerID).
		Int("items", len(q.Items)).
		Float64("min", q.Pricing.Min).
		Float64("max", q.Pricing.Max).
		Msg("quote created")
	return q, nil
}

func (s *Service) priceItem(ctx context.Context, item ItemRequest, rates pricing.Rates) (domain.QuoteItem, pricing.Result, error) {
	file, err := s.store.GetFile(ctx, item.FileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.QuoteItem{}, pricing.Result{}, &domain.GeometryError{FileID: item.FileID, Reason: "file not found"}
		}
		return domain.QuoteItem{}, pricing.Result{}, err
	}
	material, err := s.store.GetMaterial(ctx, item.MaterialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.QuoteItem{}, pricing.Result{}, fmt.Errorf("%w: unknown material %q", domain.ErrMaterialUnavailable, item.MaterialID)
		}
		return domain.QuoteItem{}, pricing.Result{}, err
	}
	profile, err := s.store.GetProfile(ctx, item.PrintProfileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.QuoteItem{}, pricing.Result{}, fmt.Errorf("%w: unknown print profile %q", domain.ErrInvalidInput, item.PrintProfileID)
		}
		return domain.QuoteItem{}, pricing.Result{}, err
	}
	steps, err := s.store.PostProcessSteps(ctx, item.PostProcessing)
	if err != nil {
		return domain.QuoteItem{}, pricing.Result{}, err
	}
	if item.Color != "" && len(material.Colors) > 0 && !containsFold(material.Colors, item.Color) {
		return domain.QuoteItem{}, pricing.Result{}, fmt.Errorf("%w: %s is not offered in %s", domain.ErrInvalidInput, material.Name, item.Color)
	}

	infill := profile.InfillDefault
	if item.Infill != nil {
		infill = *item.Infill
	}

	result, err := pricing.Calculate(pricing.Input{
		File:           file,
		Material:       material,
		Profile:        profile,
		Quantity:       item.Quantity,
		Infill:         infill,
		Supports:       item.Supports,
		PostProcessing: steps,
		Beds:           s.fleet.Envelopes(material.Technology),
	}, rates)
	if err != nil {
		return domain.QuoteItem{}, pricing.Result{}, err
	}

	return domain.QuoteItem{
		ID:              s.newID(),
		FileID:          file.ID,
		FileName:        file.OriginalName,
		VolumeCm3:       file.VolumeCm3,
		BBox:            file.BBox,
		MaterialID:      material.ID,
		MaterialName:    material.Name,
		Technology:      material.Technology,
		PrintProfileID:  profile.ID,
		LayerHeightMm:   profile.LayerHeightMm,
		Quantity:        item.Quantity,
		Color:           item.Color,
		Infill:          infill,
		Supports:        item.Supports,
		PostProcessing:  item.PostProcessing,
		Breakdown:       result.Breakdown(),
		EstimatedPrice:  round2(result.Price()),
		EstimatedHours:  result.PrintHours,
		FilamentWeightG: result.FilamentWeightG,
	}, result, nil
}

func validateRequest(req *CreateRequest, now time.Time) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: a quote needs at least one item", domain.ErrInvalidInput)
	}
	if req.Purpose == "" {
		req.Purpose = domain.PurposePrototype
	}
	if !req.Purpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", domain.ErrInvalidInput, req.Purpose)
	}
	if req.Deadline != nil && req.Deadline.Before(now) {
		return fmt.Errorf("%w: deadline is in the past", domain.ErrInvalidInput)
	}
	if email := strings.TrimSpace(req.Contact.Email); email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("%w: contact email is malformed", domain.ErrInvalidInput)
	}
	return nil
}

// Get returns a quote, marking it EXPIRED first if its validity lapsed.
func (s *Service) Get(ctx context.Context, id string) (domain.Quote, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.load(ctx, id)
}

// load reads the quote and applies lazy expiry. Callers hold the quote lock.
func (s *Service) load(ctx context.Context, id string) (domain.Quote, error) {
	q, err := s.store.GetQuote(ctx, id)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.Status.Final() || !s.now().After(q.ValidUntil) {
		return q, nil
	}
	return s.expire(ctx, q)
}

func (s *Service) expire(ctx context.Context, q domain.Quote) (domain.Quote, error) {
	q.Status = domain.QuoteExpired
	q.UpdatedAt = s.now().UTC()
	if err := s.store.SaveQuote(ctx, q); err != nil {
		return domain.Quote{}, err
	}
	s.retire(q.ID)
	s.log.Info().Str("quote_id", q.ID).Time("valid_until", q.ValidUntil).Msg("quote expired")
	return q, nil
}

func checkOwner(q domain.Quote, customerID string) error {
	if customerID != "" && q.CustomerID != customerID {
		return fmt.Errorf("quote %s: %w", q.ID, domain.ErrForbidden)
	}
	return nil
}

// Activate confirms a DRAFT and restarts its validity countdown.
func (s *Service) Activate(ctx context.Context, id, customerID string) (domain.Quote, error) {
	unlock := s.lock(id)
	defer unlock()

	q, err := s.load(ctx, id)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := checkOwner(q, customerID); err != nil {
		return domain.Quote{}, err
	}

	switch q.Status {
	case domain.QuoteActive:
		return q, nil
	case domain.QuoteExpired:
		return domain.Quote{}, fmt.Errorf("quote %s: %w", id, domain.ErrQuoteExpired)
	case domain.QuoteConverted:
		return domain.Quote{}, fmt.Errorf("quote %s: %w", id, domain.ErrQuoteAlreadyConverted)
	}

	rates, err := s.store.GetRates(ctx)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("load rates: %w", err)
	}
	now := s.now().UTC()
	q.Status = domain.QuoteActive
	q.ValidUntil = now.Add(rates.QuoteTTL)
	q.UpdatedAt = now
	if err := s.store.SaveQuote(ctx, q); err != nil {
		return domain.Quote{}, err
	}
	s.log.Info().Str("quote_id", id).Time("valid_until", q.ValidUntil).Msg("quote activated")
	return q, nil
}

// Convert turns an ACTIVE quote into an order exactly once. build runs under
// the quote lock and returns the new order id; the quote only becomes
// CONVERTED when build succeeds.
func (s *Service) Convert(ctx context.Context, id, customerID string, build func(domain.Quote) (string, error)) (domain.Quote, error) {
	unlock := s.lock(id)
	defer unlock()

	q, err := s.load(ctx, id)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := checkOwner(q, customerID); err != nil {
		return domain.Quote{}, err
	}

	switch q.Status {
	case domain.QuoteExpired:
		return domain.Quote{}, fmt.Errorf("quote %s: %w", id, domain.ErrQuoteExpired)
	case domain.QuoteConverted:
		return domain.Quote{}, fmt.Errorf("quote %s: %w", id, domain.ErrQuoteAlreadyConverted)
	case domain.QuoteDraft:
		return domain.Quote{}, &domain.IllegalTransitionError{
			Entity: "quote", From: string(q.Status), To: string(domain.QuoteConverted), Reason: "quote must be activated first",
		}
	}

	orderID, err := build(q.Clone())
	if err != nil {
		return domain.Quote{}, err
	}

	q.Status = domain.QuoteConverted
	q.OrderID = orderID
	q.UpdatedAt = s.now().UTC()
	if err := s.store.SaveQuote(ctx, q); err != nil {
		return domain.Quote{}, err
	}
	s.retire(id)
	s.log.Info().Str("quote_id", id).Str("order_id", orderID).Msg("quote converted")
	return q, nil
}

// SweepExpired marks every open quote past its validity EXPIRED.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	lapsed, err := s.store.ListLapsedQuotes(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range lapsed {
		unlock := s.lock(candidate.ID)
		q, err := s.store.GetQuote(ctx, candidate.ID)
		if err == nil && !q.Status.Final() && s.now().After(q.ValidUntil) {
			_, err = s.expire(ctx, q)
			if err == nil {
				expired++
			}
		}
		unlock()
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("quote expiry sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("expired", n).Msg("quote expiry sweep")
			}
		}
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
