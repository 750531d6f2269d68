package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/order"
	"github.com/Simplici0/printworks/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

func (s *server) handleOrderCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := identityFrom(ctx)

	var in order.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	in.CustomerID = id.Subject

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		o, err := s.orders.CreateFromQuote(ctx, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
		return
	}

	// Keys are scoped per customer so two customers cannot collide.
	key = id.Subject + ":" + key
	orderID, claimed, err := s.idem.Begin(ctx, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !claimed {
		o, err := s.orders.Owned(ctx, orderID, id.Subject)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, o)
		return
	}

	o, err := s.orders.CreateFromQuote(ctx, in)
	if err != nil {
		if rerr := s.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
			zerolog.Ctx(ctx).Warn().Err(rerr).Msg("release idempotency key")
		}
		s.fail(w, r, err)
		return
	}
	if err := s.idem.Complete(context.WithoutCancel(ctx), key, o.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("complete idempotency key")
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *server) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	o, err := s.orders.Owned(r.Context(), chi.URLParam(r, "id"), id.customerScope())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	o, err := s.orders.Transition(r.Context(), chi.URLParam(r, "id"), to, strings.TrimSpace(req.Note), id.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type holdRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleHoldPlace(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req holdRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	o, err := s.orders.Hold(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Reason), id.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleHoldRelease takes the reason from the query string; DELETE bodies
// are dropped by some proxies.
func (s *server) handleHoldRelease(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		s.fail(w, r, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput))
		return
	}

	o, err := s.orders.ReleaseHold(r.Context(), chi.URLParam(r, "id"), reason, id.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleOrderStream authorizes the caller before upgrading, then hands the
// connection to the hub.
func (s *server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	if _, err := s.orders.Owned(r.Context(), orderID, id.customerScope()); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.hub.Serve(w, r, orderID, func() (domain.Order, error) {
		return s.orders.Get(r.Context(), orderID)
	})
	if err != nil {
		s.fail(w, r, err)
	}
}

type orderPage struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

func (s *server) handleAdminOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.OrderFilter{Page: 1, Limit: 20, CustomerID: q.Get("customerId")}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			s.fail(w, r, fmt.Errorf("%w: page must be a positive integer", domain.ErrInvalidInput))
			return
		}
		f.Page = page
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			s.fail(w, r, fmt.Errorf("%w: limit must be between 1 and 100", domain.ErrInvalidInput))
			return
		}
		f.Limit = limit
	}
	if raw := q.Get("status"); raw != "" {
		st, err := domain.ParseOrderStatus(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Status = &st
	}

	orders, total, err := s.orders.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orderPage{Orders: orders, Total: total, Page: f.Page, Limit: f.Limit})
}
