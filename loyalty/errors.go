/*
errors.go - Error taxonomy for the loyalty ledger

ERROR CATEGORIES:
  1. Validation   - Malformed or out-of-range input. Rejected before the
                    store is touched.
  2. Not found    - Referenced customer or purchase is absent.
  3. Balance      - Redemption exceeds available points.
  4. Conflict     - Id-uniqueness retries exhausted, or an optimistic
                    version mismatch that outlived its retries.
  5. Persistence  - Any other store-level failure.
  6. Inconsistent - Stored data violates a ledger invariant (e.g. a
                    purchase whose customer no longer resolves).

USAGE:
  Callers branch with errors.Is on the category sentinels and errors.As
  for details:

    var short *loyalty.InsufficientBalanceError
    if errors.As(err, &short) {
        fmt.Println("short by", short.Shortfall)
    }

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrInconsistentState   = errors.New("inconsistent ledger state")

	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidInput  = fmt.Errorf("%w: invalid input", ErrValidation)

	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)
	ErrPurchaseNotFound = fmt.Errorf("purchase %w", ErrNotFound)

	// ErrDuplicateID is returned by a store when an insert collides with an
	// existing primary key. Accrual retries on it.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrConcurrentModification is returned by a store when an update
	// carries a stale lot version.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error // ErrInvalidAmount or ErrInvalidInput
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalidAmount(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Kind: ErrInvalidAmount}
}

func invalidInput(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Kind: ErrInvalidInput}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	CustomerID CustomerID
	Available  int64
	Requested  int64
	Shortfall  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConflictError is returned when retries against a conflicting store are exhausted.
type ConflictError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

// PersistenceError wraps an unexpected store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// storeErr classifies a raw store error. Errors that already belong to the
// taxonomy pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrValidation, ErrNotFound, ErrInsufficientBalance, ErrConflict,
		ErrPersistence, ErrInconsistentState, ErrDuplicateID, ErrConcurrentModification,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateID)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
