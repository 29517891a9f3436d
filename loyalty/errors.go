/*
errors.go - Centralized error types for the ledger engines

PURPOSE:
  All error kinds in one place. Every engine returns one of these (or a
  wrapped store fault), so the transport layer can map them without knowing
  which engine produced them.

ERROR CATEGORIES:
  1. Validation      - malformed or inconsistent input (caller must fix it)
  2. Not found       - purchase/item/account/event/subscription missing or out of scope
  3. Invalid state   - operation forbidden by the current lifecycle state
  4. Insufficient    - a debit would drive a balance negative
  5. Quota exceeded  - an emission would exceed the program's window limit

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientBalance) {
      var ib *loyalty.InsufficientBalanceError
      errors.As(err, &ib) // program, available, requested
  }

SEE ALSO:
  - purchase/release.go: produces InsufficientBalanceError and InvalidStateError
  - purchase/calculator.go: produces ValidationError
*/
package loyalty

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when an input draft breaks one or more rules.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when the lifecycle state forbids the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrQuotaExceeded is returned when an emission would exceed the window limit.
	ErrQuotaExceeded = errors.New("emission quota exceeded")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Violation is a single broken validation rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Field + ": " + v.Message }

// ValidationError lists every rule an input broke, not just the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Add appends a violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds at least one violation, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(resource string, id any) error {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

// InvalidStateError describes an operation rejected by a lifecycle state.
type InvalidStateError struct {
	Resource string
	ID       string
	State    string
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Op, e.Resource, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Program   Program
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s for account %s: available %d, requested %d",
		e.Program, e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// QuotaExceededError reports an emission that does not fit in the window.
type QuotaExceededError struct {
	AccountID AccountID
	Program   Program
	Window    Window
	Limit     int64
	Used      int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("emission quota exceeded on %s for account %s in %s: limit %d, used %d, requested %d",
		e.Program, e.AccountID, e.Window, e.Limit, e.Used, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrQuotaExceeded)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
