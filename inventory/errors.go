/*
errors.go - Centralized error types for the issuance core

ERROR CATEGORIES:
  1. Business errors - permanent, detected before any write, never retried:
     ErrInsufficientBalance, ErrInvalidTransition, ErrMissingConsent,
     ErrInvalidQuantity, ErrNotAuthorized, ...
  2. Guard conditions - ErrDuplicateDebit is internal; callers of the
     workflow never see it (idempotent no-op)
  3. Storage errors - ErrStorageUnavailable is transient and retryable,
     but only after re-checking the actual state

USAGE:
  if errors.Is(err, inventory.ErrInsufficientBalance) {
      var ib *inventory.InsufficientBalanceError
      errors.As(err, &ib)
  }
*/
package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debiting movement would drive
	// the product's balance below zero. Never silently clamped.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidQuantity is returned for quantities <= 0.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidMovement is returned for malformed movements (unknown kind,
	// missing or stray adjust direction).
	ErrInvalidMovement = errors.New("invalid movement")

	// ErrInvalidTransition is returned when a workflow trigger is invoked
	// from a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingConsent is returned when signature, selfie or declaration is missing.
	ErrMissingConsent = errors.New("missing consent")

	// ErrDuplicateDebit is the internal guard raised when an OUT movement
	// already exists for a request.
	ErrDuplicateDebit = errors.New("duplicate debit for request")

	// ErrStorageUnavailable is transient; retry only after re-reading state.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a record does not exist in the tenant.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized is returned when the actor lacks the required role.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrProductInactive is returned when issuing or receiving a deactivated product.
	ErrProductInactive = errors.New("product inactive")

	// ErrWorkerInactive is returned when issuing to a deactivated worker.
	ErrWorkerInactive = errors.New("worker inactive")

	// ErrTenantRequired is returned when a call carries no tenant scope.
	ErrTenantRequired = errors.New("tenant required")

	// ErrInvalidInput is returned for other malformed input.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a stock shortage.
type InsufficientBalanceError struct {
	ProductID ProductID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransitionError describes a rejected workflow trigger.
type TransitionError struct {
	RequestID RequestID
	From      RequestStatus
	Trigger   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s request %s in state %s",
		e.Trigger, e.RequestID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConsentError lists the consent artifacts that were missing.
type ConsentError struct {
	Missing []string
}

func (e *ConsentError) Error() string {
	return "missing consent: " + strings.Join(e.Missing, ", ")
}

func (e *ConsentError) Unwrap() error {
	return ErrMissingConsent
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation may succeed on retry once the
// caller has re-confirmed the current state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true for permanent business-rule violations.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMissingConsent) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidMovement) ||
		errors.Is(err, ErrProductInactive) ||
		errors.Is(err, ErrWorkerInactive) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
