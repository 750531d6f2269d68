package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrGeometryInvalid       = errors.New("geometry invalid")
	ErrMaterialUnavailable   = errors.New("material unavailable")
	ErrNoCompatiblePrinter   = errors.New("no compatible printer")
	ErrQuoteExpired          = errors.New("quote expired")
	ErrQuoteAlreadyConverted = errors.New("quote already converted")
	ErrIllegalTransition     = errors.New("illegal transition")
	ErrJobInProgress         = errors.New("job in progress")
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrForbidden             = errors.New("forbidden")
)

// GeometryError explains why a file cannot be quoted.
type GeometryError struct {
	FileID string
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry invalid for file %s: %s", e.FileID, e.Reason)
}

func (e *GeometryError) Unwrap() error { return ErrGeometryInvalid }

// IllegalTransitionError is returned when a state machine rejects a move.
// The rejected request never mutates the entity.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

func IllegalOrderTransition(from, to OrderStatus, reason string) error {
	return &IllegalTransitionError{Entity: "order", From: from.String(), To: to.String(), Reason: reason}
}

// CapacityBacklog is advisory: items of a bucket are waiting because no
// eligible printer is idle. It never blocks order progress reporting.
type CapacityBacklog struct {
	Technology Technology `json:"technology"`
	BedClass   BedClass   `json:"bedClass"`
	Queued     int        `json:"queued"`
	Since      time.Time  `json:"since"`
}
