/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:   Balance accounts
  leave.TxStore:  Leave requests, approvals, units of work
  leave.AuditLog: Audit trail and archived process logs

KEY TABLES:
  balances:       One row per (user, leave type, year), day counts as TEXT decimals
  leave_requests: Local request records with the sync record columns
  approvals:      Append-only approver decisions
  audit_log:      Append-only audit entries

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so a
  unit of work holds the write lock from its first statement. Writers queue
  on busy_timeout instead of failing with SQLITE_BUSY, and a read-then-write
  inside a unit of work can never interleave with another writer.

  Inside WithTx every statement goes through the transaction handle. Never
  reach back to the pool from inside fn: with a single connection (":memory:")
  that would wait on the connection the transaction already holds.

WAL MODE:
  File databases run in WAL mode: readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - queries.go: Statements shared by the pool and transaction handles
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ leave.TxStore  = (*Store)(nil)
	_ leave.AuditLog = (*Store)(nil)
)

// New opens (and migrates) a SQLite database.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Balance accounts
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		total_days TEXT NOT NULL,
		used_days TEXT NOT NULL,
		pending_days TEXT NOT NULL,
		carry_forward_days TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, leave_type_id, year)
	);

	-- Leave requests
	CREATE TABLE IF NOT EXISTS leave_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		leave_request_id TEXT NOT NULL UNIQUE,
		workflow_process_id TEXT UNIQUE,
		workflow_scheme_code TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		total_days TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		selected_approver_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_workflow_state TEXT NOT NULL DEFAULT '',
		last_applied_state TEXT NOT NULL DEFAULT '',
		last_applied_at TEXT,
		settlement TEXT NOT NULL DEFAULT '',
		submitted_at TEXT,
		approved_at TEXT,
		rejected_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_user
		ON leave_requests(user_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(status);

	-- Approver decisions (append-only)
	CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		leave_request_id TEXT NOT NULL REFERENCES leave_requests(leave_request_id),
		approver_id TEXT NOT NULL,
		role TEXT NOT NULL,
		action TEXT NOT NULL,
		comments TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_request
		ON approvals(leave_request_id, id);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		leave_request_id TEXT NOT NULL DEFAULT '',
		process_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_request
		ON audit_log(leave_request_id) WHERE leave_request_id <> '';
	CREATE INDEX IF NOT EXISTS idx_audit_log_process
		ON audit_log(process_id) WHERE process_id <> '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (leave.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx leave.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// UpdateAccount runs the read-modify-write in its own transaction.
func (s *Store) UpdateAccount(ctx context.Context, key ledger.Key, fn func(*ledger.Account) error) error {
	return s.WithTx(ctx, func(tx leave.Store) error {
		return tx.UpdateAccount(ctx, key, fn)
	})
}

// txStore is the view handed to WithTx callbacks. The transaction already
// holds the write lock, so UpdateAccount runs inline.
type txStore struct {
	queries
}

func (ts *txStore) UpdateAccount(ctx context.Context, key ledger.Key, fn func(*ledger.Account) error) error {
	return ts.updateAccount(ctx, key, fn)
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
