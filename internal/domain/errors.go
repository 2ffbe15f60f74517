package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConflict               = errors.New("concurrent update conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrIntegrationFailure     = errors.New("integration failure")
)

// ValidationError collects per-field messages keyed by request path, e.g.
// "items.0.quantity".
type ValidationError struct {
	Fields map[string][]string
}

func NewValidationError(field string, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

func (e *ValidationError) Add(field string, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns nil when no field failed, so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError names the offending sale line when raised by the
// sale engine. LineIndex is -1 for movements outside a sale.
type InsufficientStockError struct {
	LineIndex  int
	ProductID  string
	LocationID string
	Available  int
	Requested  int
}

func (e *InsufficientStockError) Error() string {
	if e.LineIndex >= 0 {
		return fmt.Sprintf("insufficient stock for items.%d (product %s): requested %d, available %d", e.LineIndex, e.ProductID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

// Field is the request path a POS client highlights.
func (e *InsufficientStockError) Field() string {
	if e.LineIndex < 0 {
		return "quantity"
	}
	return fmt.Sprintf("items.%d.quantity", e.LineIndex)
}

// ConflictError signals a transient race; the whole call may be retried.
type ConflictError struct {
	Resource string
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on %s, retry the request: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("conflict on %s, retry the request", e.Resource)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

type InvalidStateTransitionError struct {
	SaleID string
	From   SaleStatus
	To     SaleStatus
}

func (e *InvalidStateTransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("sale %s is already %s", e.SaleID, e.From)
	}
	return fmt.Sprintf("sale %s cannot move from %s to %s", e.SaleID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

type ReconciliationMismatchError struct {
	Token  string
	Reason string
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch for token %s: %s", e.Token, e.Reason)
}

func (e *ReconciliationMismatchError) Is(target error) bool {
	return target == ErrReconciliationMismatch
}

type IntegrationFailureError struct {
	Integration string
	Err         error
}

func (e *IntegrationFailureError) Error() string {
	return fmt.Sprintf("%s integration failed: %v", e.Integration, e.Err)
}

func (e *IntegrationFailureError) Is(target error) bool {
	return target == ErrIntegrationFailure
}

func (e *IntegrationFailureError) Unwrap() error {
	return e.Err
}
