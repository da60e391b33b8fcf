/*
errors.go - Error taxonomy for the balance ledger

ERROR CATEGORIES:
  1. User-correctable: InsufficientBalanceError (rejected submission)
  2. Self-healing:     InvariantViolationError (clamped, logged, not propagated)
  3. Lookup:           ErrAccountNotFound, ErrAccountExists
  4. Input:            ErrInvalidDays

USAGE:
    var insufficient *ledger.InsufficientBalanceError
    if errors.As(err, &insufficient) {
        // tell the user how many days are missing
    }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a reservation exceeds available days.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvariantViolation marks a settlement that would drive pending days negative.
	ErrInvariantViolation = errors.New("pending days would go negative")

	// ErrAccountNotFound is returned when no account exists for a key.
	ErrAccountNotFound = errors.New("balance account not found")

	// ErrAccountExists is returned when creating an account that already exists.
	ErrAccountExists = errors.New("balance account already exists")

	// ErrInvalidDays is returned for zero or negative day amounts.
	ErrInvalidDays = errors.New("days must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       Key
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient leave balance for %s: available %s, requested %s, shortfall %s",
		e.Key, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvariantViolationError reports a Confirm or Release that found fewer
// pending days than requested. The ledger clamps pending to zero and treats
// the call as already applied.
type InvariantViolationError struct {
	Key       Key
	Operation string
	Pending   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s on %s: pending %s below requested %s, clamped to zero",
		e.Operation, e.Key, e.Pending, e.Requested)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidDays)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
