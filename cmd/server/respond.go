package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/idempotency"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrInvalidInput)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps engine errors onto HTTP statuses. Anything unrecognized is
// an internal error.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrGeometryInvalid):
		return http.StatusUnprocessableEntity, "GEOMETRY_INVALID"
	case errors.Is(err, domain.ErrMaterialUnavailable):
		return http.StatusUnprocessableEntity, "MATERIAL_UNAVAILABLE"
	case errors.Is(err, domain.ErrNoCompatiblePrinter):
		return http.StatusUnprocessableEntity, "NO_COMPATIBLE_PRINTER"
	case errors.Is(err, domain.ErrQuoteExpired):
		return http.StatusGone, "QUOTE_EXPIRED"
	case errors.Is(err, domain.ErrQuoteAlreadyConverted):
		return http.StatusConflict, "QUOTE_ALREADY_CONVERTED"
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrJobInProgress):
		return http.StatusConflict, "JOB_IN_PROGRESS"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "REQUEST_IN_PROGRESS"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	default:
		return http.StatusInternalServerError, ""
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}

	body := errorBody{Error: err.Error(), Code: code}
	var ite *domain.IllegalTransitionError
	if errors.As(err, &ite) {
		body.From, body.To, body.Details = ite.From, ite.To, ite.Reason
	}
	writeJSON(w, status, body)
}
