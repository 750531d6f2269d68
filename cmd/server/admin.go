package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/pricing"
	"github.com/Simplici0/printworks/internal/store"
)

func (s *server) handlePrinterList(w http.ResponseWriter, r *http.Request) {
	tech := r.URL.Query().Get("tech")
	if tech == "" {
		writeJSON(w, http.StatusOK, s.registry.List())
		return
	}
	t, err := domain.ParseTechnology(tech)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ListByTechnology(t))
}

func (s *server) handlePrinterGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePrinterRegister adds a machine and immediately offers it to waiting
// jobs of its technology.
func (s *server) handlePrinterRegister(w http.ResponseWriter, r *http.Request) {
	var p domain.Printer
	if err := decodeJSON(w, r, &p); err != nil {
		s.fail(w, r, err)
		return
	}

	created, err := s.registry.Register(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.orders.PrinterAvailable(r.Context(), created.Technology); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePrinter(w, r, created.ID, http.StatusCreated)
}

type printerStatusRequest struct {
	Status   string `json:"status"`
	AbortJob bool   `json:"abortJob"`
}

func (s *server) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	var req printerStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := domain.ParsePrinterStatus(req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if _, err := s.orders.SetPrinterStatus(r.Context(), chi.URLParam(r, "id"), to, req.AbortJob); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePrinter(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *server) handlePrinterStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.JobStarted(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePrinter(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *server) handlePrinterComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.JobCompleted(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writePrinter(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// writePrinter reports the machine as it is after dispatch ran, which may
// already have handed it the next job.
func (s *server) writePrinter(w http.ResponseWriter, r *http.Request, id string, status int) {
	p, err := s.registry.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, p)
}

func (s *server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	backlog := s.sched.Backlog()
	if backlog == nil {
		backlog = []domain.CapacityBacklog{}
	}
	writeJSON(w, http.StatusOK, backlog)
}

type rateConfig struct {
	SetupFee               float64 `json:"setupFee"`
	UncertaintyMultiplier  float64 `json:"uncertaintyMultiplier"`
	TaxPercent             float64 `json:"taxPercent"`
	Currency               string  `json:"currency"`
	ShellFraction          float64 `json:"shellFraction"`
	SupportOverheadPercent float64 `json:"supportOverheadPercent"`
	PerLayerSeconds        float64 `json:"perLayerSeconds"`
	MinJobHours            float64 `json:"minJobHours"`
	QuoteTTLHours          int     `json:"quoteTtlHours"`
}

func toRateConfig(rc pricing.Rates) rateConfig {
	return rateConfig{
		SetupFee:               rc.SetupFee,
		UncertaintyMultiplier:  rc.UncertaintyMultiplier,
		TaxPercent:             rc.TaxPercent,
		Currency:               rc.Currency,
		ShellFraction:          rc.ShellFraction,
		SupportOverheadPercent: rc.SupportOverheadPercent,
		PerLayerSeconds:        rc.PerLayerSeconds,
		MinJobHours:            rc.MinJobHours,
		QuoteTTLHours:          int(rc.QuoteTTL / time.Hour),
	}
}

func (c rateConfig) rates() (pricing.Rates, error) {
	rc := pricing.Rates{
		SetupFee:               c.SetupFee,
		UncertaintyMultiplier:  c.UncertaintyMultiplier,
		TaxPercent:             c.TaxPercent,
		Currency:               strings.ToUpper(strings.TrimSpace(c.Currency)),
		ShellFraction:          c.ShellFraction,
		SupportOverheadPercent: c.SupportOverheadPercent,
		PerLayerSeconds:        c.PerLayerSeconds,
		MinJobHours:            c.MinJobHours,
		QuoteTTL:               time.Duration(c.QuoteTTLHours) * time.Hour,
	}

	invalid := func(msg string) (pricing.Rates, error) {
		return rc, fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
	}
	switch {
	case rc.SetupFee < 0:
		return invalid("setupFee must be >= 0")
	case rc.UncertaintyMultiplier < 1:
		return invalid("uncertaintyMultiplier must be >= 1")
	case rc.TaxPercent < 0 || rc.TaxPercent > 100:
		return invalid("taxPercent must be between 0 and 100")
	case len(rc.Currency) != 3:
		return invalid("currency must be a 3-letter code")
	case rc.ShellFraction <= 0 || rc.ShellFraction > 1:
		return invalid("shellFraction must be in (0, 1]")
	case rc.SupportOverheadPercent < 0 || rc.SupportOverheadPercent > 100:
		return invalid("supportOverheadPercent must be between 0 and 100")
	case rc.PerLayerSeconds <= 0:
		return invalid("perLayerSeconds must be > 0")
	case rc.MinJobHours < 0:
		return invalid("minJobHours must be >= 0")
	case c.QuoteTTLHours < 1:
		return invalid("quoteTtlHours must be at least 1")
	}
	return rc, nil
}

func (s *server) handleRatesGet(w http.ResponseWriter, r *http.Request) {
	rc, err := s.store.GetRates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateConfig(rc))
}

// handleRatesPut replaces the pricing parameters. Quotes already issued keep
// the prices they were created with.
func (s *server) handleRatesPut(w http.ResponseWriter, r *http.Request) {
	var req rateConfig
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rc, err := req.rates()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpdateRates(r.Context(), rc); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateConfig(rc))
}

func (s *server) handleMaterialList(w http.ResponseWriter, r *http.Request) {
	materials, err := s.store.ListMaterials(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, materials)
}

func (s *server) handleMaterialUpdate(w http.ResponseWriter, r *http.Request) {
	var patch store.MaterialPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}

	m, err := s.store.UpdateMaterial(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleShippingList(w http.ResponseWriter, r *http.Request) {
	rates, err := s.store.ListShippingRates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

func (s *server) handleShippingCreate(w http.ResponseWriter, r *http.Request) {
	var rate store.ShippingRate
	if err := decodeJSON(w, r, &rate); err != nil {
		s.fail(w, r, err)
		return
	}
	rate.Scope = strings.ToUpper(strings.TrimSpace(rate.Scope))
	rate.Country = strings.TrimSpace(rate.Country)
	rate.City = strings.TrimSpace(rate.City)

	created, err := s.store.CreateShippingRate(r.Context(), rate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
