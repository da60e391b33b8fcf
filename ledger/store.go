/*
store.go - Persistence contract for balance accounts

ATOMIC UNIT:
  UpdateAccount is the only mutation path for an existing account. It loads
  the account, hands it to fn, and persists the result as one unit:
    - concurrent UpdateAccount calls on the SAME key are serialized
    - calls on different keys never wait on each other
    - if fn returns an error nothing is written

IMPLEMENTATIONS:
  - store/memory: keyed mutexes, for tests and development
  - store/sqlite: immediate transactions on the balances table
*/
package ledger

import "context"

// Store persists balance accounts.
type Store interface {
	// Account returns the account for key, or ErrAccountNotFound.
	Account(ctx context.Context, key Key) (Account, error)

	// Accounts returns every account of a user for a year, ordered by leave type.
	Accounts(ctx context.Context, userID string, year int) ([]Account, error)

	// CreateAccount inserts a new account. Returns ErrAccountExists if the key is taken.
	CreateAccount(ctx context.Context, account Account) error

	// UpdateAccount applies fn to the current account state atomically.
	UpdateAccount(ctx context.Context, key Key, fn func(*Account) error) error
}
