package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Simplici0/printworks/internal/domain"
)

// handleFileMetadata receives metadata from the upload and scan service.
// The path id wins over any id in the body.
func (s *server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	var f domain.FileMeta
	if err := decodeJSON(w, r, &f); err != nil {
		s.fail(w, r, err)
		return
	}
	f.ID = chi.URLParam(r, "id")
	f.ScanStatus = domain.ScanStatus(strings.ToUpper(string(f.ScanStatus)))
	if !f.ScanStatus.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown scan status %q", domain.ErrInvalidInput, f.ScanStatus))
		return
	}
	if f.SizeBytes < 0 || f.VolumeCm3 < 0 || f.BBox.X < 0 || f.BBox.Y < 0 || f.BBox.Z < 0 {
		s.fail(w, r, fmt.Errorf("%w: sizes must not be negative", domain.ErrInvalidInput))
		return
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}

	if err := s.store.UpsertFile(r.Context(), f); err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.store.GetFile(r.Context(), f.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *server) handleAddressList(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	addresses, err := s.store.ListAddresses(r.Context(), id.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addresses)
}

func (s *server) handleAddressCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var a domain.Address
	if err := decodeJSON(w, r, &a); err != nil {
		s.fail(w, r, err)
		return
	}
	a.ID = uuid.NewString()
	a.CustomerID = id.Subject
	a.Line1 = strings.TrimSpace(a.Line1)
	a.City = strings.TrimSpace(a.City)
	a.Country = strings.TrimSpace(a.Country)
	if a.Line1 == "" || a.City == "" || a.Country == "" {
		s.fail(w, r, fmt.Errorf("%w: line1, city and country are required", domain.ErrInvalidInput))
		return
	}

	if err := s.store.CreateAddress(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}
