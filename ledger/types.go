/*
Package ledger provides leave-day bookkeeping per balance account.

PURPOSE:
  Every employee holds one balance account per leave type and year. The
  account tracks how many days were granted, how many are consumed and how
  many are on hold for requests that are still going through approval.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: Identifies an account (user, leave type, year)
  - Account: Total / used / pending days plus the derived available days
  - Allowance: Days granted per leave type at year initialization

HOLD-THEN-SETTLE:
  Submitting a request RESERVES days (pending += d). The hold is later
  settled exactly once:
    - CONFIRM on approval  (pending -= d, used += d)
    - RELEASE on reject / cancel (pending -= d)

INVARIANT:
  available = total - used - pending >= 0, for every account, at all times.
  Reserve re-checks this inside the atomic unit of the store, never before it.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64
  2. Isolation: mutations serialize per account key only
  3. Idempotent settlement: over-settling clamps pending at zero

SEE ALSO:
  - ledger.go: Reserve / Confirm / Release
  - store.go: Persistence contract
  - errors.go: Error taxonomy
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT KEY
// =============================================================================

// Key identifies a balance account.
type Key struct {
	UserID      string
	LeaveTypeID string
	Year        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.UserID, k.LeaveTypeID, k.Year)
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is the per-(user, leave type, year) balance row.
type Account struct {
	Key

	TotalDays        decimal.Decimal
	UsedDays         decimal.Decimal
	PendingDays      decimal.Decimal
	CarryForwardDays decimal.Decimal // informational, already included in TotalDays

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount creates an empty account granted total days.
func NewAccount(key Key, total decimal.Decimal, at time.Time) Account {
	return Account{
		Key:              key,
		TotalDays:        total,
		UsedDays:         decimal.Zero,
		PendingDays:      decimal.Zero,
		CarryForwardDays: decimal.Zero,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

// AvailableDays returns total - used - pending.
func (a Account) AvailableDays() decimal.Decimal {
	return a.TotalDays.Sub(a.UsedDays).Sub(a.PendingDays)
}

// AvailableDays is the package-level form used by callers holding a value.
func AvailableDays(a Account) decimal.Decimal { return a.AvailableDays() }

// Valid reports whether the account satisfies the non-negativity invariant.
func (a Account) Valid() bool {
	return !a.TotalDays.IsNegative() &&
		!a.UsedDays.IsNegative() &&
		!a.PendingDays.IsNegative() &&
		!a.AvailableDays().IsNegative()
}

// =============================================================================
// MUTATIONS - only called from inside Store.UpdateAccount
// =============================================================================

func (a *Account) reserve(days decimal.Decimal) error {
	available := a.AvailableDays()
	if available.Sub(days).IsNegative() {
		return &InsufficientBalanceError{
			Key:       a.Key,
			Available: available,
			Requested: days,
			Shortfall: days.Sub(available),
		}
	}
	a.PendingDays = a.PendingDays.Add(days)
	return nil
}

// confirm moves days from pending to used. Only the part of days that was
// actually pending is moved; the rest was already settled by an earlier call.
func (a *Account) confirm(days decimal.Decimal) *InvariantViolationError {
	applied, violation := a.takePending(days, "confirm")
	a.UsedDays = a.UsedDays.Add(applied)
	return violation
}

func (a *Account) release(days decimal.Decimal) *InvariantViolationError {
	_, violation := a.takePending(days, "release")
	return violation
}

func (a *Account) takePending(days decimal.Decimal, op string) (decimal.Decimal, *InvariantViolationError) {
	if a.PendingDays.GreaterThanOrEqual(days) {
		a.PendingDays = a.PendingDays.Sub(days)
		return days, nil
	}
	violation := &InvariantViolationError{
		Key:       a.Key,
		Operation: op,
		Pending:   a.PendingDays,
		Requested: days,
	}
	applied := a.PendingDays
	a.PendingDays = decimal.Zero
	return applied, violation
}

// =============================================================================
// ALLOWANCE - year initialization input
// =============================================================================

// Allowance is the number of days granted for a leave type at the start of a year.
type Allowance struct {
	LeaveTypeID string
	Days        decimal.Decimal
}
