/*
ledger.go - Reserve / Confirm / Release over balance accounts

PURPOSE:
  The Ledger is the only component that changes day counts. Every operation
  is a single Store.UpdateAccount call on exactly one account, so the
  availability check and the write can never be separated by a concurrent
  writer.

OPERATIONS:
  Reserve(d):  pending += d          fails if available - d < 0
  Confirm(d):  pending -= d, used += d
  Release(d):  pending -= d

CLAMPING:
  Confirm and Release never fail on a short pending balance. A redelivered
  callback may try to settle a hold that is already settled; pending is
  clamped at zero, the violation is logged and the call succeeds.

TRANSACTIONS:
  Callers that must combine a ledger mutation with other writes build a
  Ledger over the transactional store with WithStore:

      store.WithTx(ctx, func(tx leave.Tx) error {
          l := ledger.WithStore(tx)
          ...
      })

SEE ALSO:
  - types.go: Account mutations
  - leave/sync.go: Applies settlements on status transitions
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-sync/metrics"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger mutates balance accounts through a Store.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics counts every mutation by operation and outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger backed by store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithStore returns a copy of the ledger bound to another store, typically
// the transaction handle of a unit of work.
func (l *Ledger) WithStore(store Store) *Ledger {
	cp := *l
	cp.store = store
	return &cp
}

// Reserve places a hold of days on the account.
func (l *Ledger) Reserve(ctx context.Context, key Key, days decimal.Decimal) error {
	if !days.IsPositive() {
		return ErrInvalidDays
	}

	err := l.store.UpdateAccount(ctx, key, func(a *Account) error {
		if err := a.reserve(days); err != nil {
			return err
		}
		a.UpdatedAt = l.now()
		return nil
	})
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			l.logger.Info("reservation rejected",
				zap.Stringer("account", key),
				zap.String("available", insufficient.Available.String()),
				zap.String("requested", days.String()))
			l.metrics.LedgerOperation("reserve", metrics.OutcomeInsufficient)
			return err
		}
		l.metrics.LedgerOperation("reserve", metrics.OutcomeError)
		return fmt.Errorf("reserve %s: %w", key, err)
	}

	l.metrics.LedgerOperation("reserve", metrics.OutcomeOK)
	l.logger.Debug("days reserved", zap.Stringer("account", key), zap.String("days", days.String()))
	return nil
}

// Confirm converts a hold into consumed days.
func (l *Ledger) Confirm(ctx context.Context, key Key, days decimal.Decimal) error {
	return l.settle(ctx, key, days, "confirm", (*Account).confirm)
}

// Release drops a hold without consuming days.
func (l *Ledger) Release(ctx context.Context, key Key, days decimal.Decimal) error {
	return l.settle(ctx, key, days, "release", (*Account).release)
}

func (l *Ledger) settle(ctx context.Context, key Key, days decimal.Decimal, op string,
	apply func(*Account, decimal.Decimal) *InvariantViolationError) error {
	if !days.IsPositive() {
		return ErrInvalidDays
	}

	var violation *InvariantViolationError
	err := l.store.UpdateAccount(ctx, key, func(a *Account) error {
		violation = apply(a, days)
		a.UpdatedAt = l.now()
		return nil
	})
	if err != nil {
		l.metrics.LedgerOperation(op, metrics.OutcomeError)
		return fmt.Errorf("%s %s: %w", op, key, err)
	}

	if violation != nil {
		l.metrics.LedgerOperation(op, metrics.OutcomeClamped)
		l.logger.Warn("pending days clamped to zero", zap.Error(violation))
		return nil
	}
	l.metrics.LedgerOperation(op, metrics.OutcomeOK)
	l.logger.Debug("hold settled", zap.String("op", op), zap.Stringer("account", key), zap.String("days", days.String()))
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the account for key.
func (l *Ledger) Balance(ctx context.Context, key Key) (Account, error) {
	return l.store.Account(ctx, key)
}

// Balances returns all accounts of a user for a year.
func (l *Ledger) Balances(ctx context.Context, userID string, year int) ([]Account, error) {
	return l.store.Accounts(ctx, userID, year)
}

// HasSufficientBalance reports whether days could be reserved right now.
// The answer is advisory only; Reserve re-checks atomically.
func (l *Ledger) HasSufficientBalance(ctx context.Context, key Key, days decimal.Decimal) (bool, error) {
	account, err := l.store.Account(ctx, key)
	if err != nil {
		return false, err
	}
	return account.AvailableDays().GreaterThanOrEqual(days), nil
}

// =============================================================================
// YEAR INITIALIZATION
// =============================================================================

// InitializeYear creates missing accounts for every user and allowance.
// Existing accounts are left untouched. Returns the number of accounts created.
func (l *Ledger) InitializeYear(ctx context.Context, year int, userIDs []string, allowances []Allowance) (int, error) {
	created := 0
	now := l.now()
	for _, userID := range userIDs {
		for _, allowance := range allowances {
			key := Key{UserID: userID, LeaveTypeID: allowance.LeaveTypeID, Year: year}
			err := l.store.CreateAccount(ctx, NewAccount(key, allowance.Days, now))
			if errors.Is(err, ErrAccountExists) {
				continue
			}
			if err != nil {
				return created, fmt.Errorf("initialize %s: %w", key, err)
			}
			created++
		}
	}

	l.logger.Info("balance year initialized",
		zap.Int("year", year),
		zap.Int("users", len(userIDs)),
		zap.Int("created", created))
	return created, nil
}
