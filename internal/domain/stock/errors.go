package stock

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Structured errors below unwrap to
// these so callers can branch with errors.Is regardless of the concrete type.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
)

// Invalidf builds an ErrInvalidInput with a formatted reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// InvalidTransitionError reports a workflow call made out of order or against
// a terminal entity. Never retried automatically.
type InvalidTransitionError struct {
	Entity    string
	Current   string
	Requested string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.Current, e.Requested)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientStockError is raised by the ledger when a write would drive a
// balance negative. Nothing is applied when it is returned.
type InsufficientStockError struct {
	Scope        Scope
	MedicationID string
	Requested    int64
	Available    int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at %s: requested %d, available %d",
		e.MedicationID, e.Scope, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
