package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/quote"
)

func (s *server) handleQuoteCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req quote.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.CustomerID = id.Subject

	q, err := s.quotes.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *server) handleQuoteGet(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	q, err := s.quotes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if scope := id.customerScope(); scope != "" && q.CustomerID != scope {
		s.fail(w, r, fmt.Errorf("quote %s: %w", q.ID, domain.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *server) handleQuoteActivate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	q, err := s.quotes.Activate(r.Context(), chi.URLParam(r, "id"), id.customerScope())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
