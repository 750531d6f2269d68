package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/idempotency"
)

func TestVerifyToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a := newAuthService("secret")
	a.now = func() time.Time { return now }

	tkn, err := a.issue("cust-7", roleCustomer, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := a.verify(tkn)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "cust-7" || id.Role != roleCustomer || id.customerScope() != "cust-7" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	now = now.Add(2 * time.Hour)
	if _, err := a.verify(tkn); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	a := newAuthService("secret")
	tkn, err := a.issue("x", role("ROOT"), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := a.verify(tkn); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestStaffHaveNoCustomerScope(t *testing.T) {
	for _, r := range []role{roleAdmin, roleOperator, roleSupport} {
		if scope := (identity{Subject: "s-1", Role: r}).customerScope(); scope != "" {
			t.Fatalf("%s scope = %q", r, scope)
		}
	}
}

func TestBearerPrefersHeaderOverQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders/o-1/stream?access_token=from-query", nil)
	if got := bearer(req); got != "from-query" {
		t.Fatalf("bearer = %q", got)
	}
	req.Header.Set("Authorization", "Bearer from-header")
	if got := bearer(req); got != "from-header" {
		t.Fatalf("bearer = %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := bearer(req); got != "" {
		t.Fatalf("non-bearer scheme must not authenticate, got %q", got)
	}
}

func TestStatusForMapsEngineErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.GeometryError{FileID: "f", Reason: "not watertight"}, http.StatusUnprocessableEntity},
		{domain.ErrMaterialUnavailable, http.StatusUnprocessableEntity},
		{domain.ErrNoCompatiblePrinter, http.StatusUnprocessableEntity},
		{domain.ErrQuoteExpired, http.StatusGone},
		{domain.ErrQuoteAlreadyConverted, http.StatusConflict},
		{domain.IllegalOrderTransition(domain.StatusPaid, domain.StatusShipped, ""), http.StatusConflict},
		{domain.ErrJobInProgress, http.StatusConflict},
		{idempotency.ErrInProgress, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
