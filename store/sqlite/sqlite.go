/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore and ledger.Resetter using SQLite. This is the
  default store; store/postgres follows the same shape for PostgreSQL.

KEY TABLES:
  accounts: id, username (unique), credential_hash, balance, is_admin,
            last_bonus_at, created_at
  journal:  append-only record of every balance or account change

MONEY:
  Balances and deltas are stored as decimal TEXT and parsed back with
  shopspring/decimal. Never REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection (SQLite has
  one writer anyway, and ":memory:" databases are per-connection). WithTx holds
  the write lock for its whole span, so a transactional view never races with
  direct calls.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). Reset() drops and recreates it.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/diz-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		credential_hash TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		last_bonus_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS journal (
		id TEXT PRIMARY KEY,
		account_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		counterparty TEXT,
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_account
		ON journal(account_id);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops every table and recreates the schema.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"journal", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	// AUTOINCREMENT counters live in sqlite_sequence and survive DROP TABLE.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = 'accounts'"); err != nil && !isNoSuchTable(err) {
		return fmt.Errorf("failed to reset id sequence: %w", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// ACCOUNT STORE (ledger.Store interface)
// =============================================================================

const accountColumns = `id, username, credential_hash, balance, is_admin, last_bonus_at, created_at`

// Get retrieves an account by ID.
func (s *Store) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, "id = ?", id)
}

// GetByUsername retrieves an account by its exact username.
func (s *Store) GetByUsername(ctx context.Context, username string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, "username = ?", username)
}

// List returns all accounts ordered by ID.
func (s *Store) List(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

// Create inserts a new account with a zero balance.
func (s *Store) Create(ctx context.Context, na ledger.NewAccount) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, na)
}

// Update runs fn against the stored account inside its own transaction.
func (s *Store) Update(ctx context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	acc, err := updateAccount(ctx, sqlTx, id, fn)
	if err != nil {
		return ledger.Account{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Account{}, fmt.Errorf("failed to commit: %w", err)
	}
	return acc, nil
}

// Delete removes an account.
func (s *Store) Delete(ctx context.Context, id ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteAccount(ctx, s.db, id)
}

// AppendJournal records a journal entry.
func (s *Store) AppendJournal(ctx context.Context, entry ledger.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJournal(ctx, s.db, entry)
}

// Journal returns the newest entries for an account.
func (s *Store) Journal(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryJournal(ctx, s.db, id, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// txStore is the view handed to WithTx callbacks. Everything goes through tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, "id = ?", id)
}

func (ts *txStore) GetByUsername(ctx context.Context, username string) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, "username = ?", username)
}

func (ts *txStore) List(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.tx)
}

func (ts *txStore) Create(ctx context.Context, na ledger.NewAccount) (ledger.Account, error) {
	return createAccount(ctx, ts.tx, na)
}

func (ts *txStore) Update(ctx context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	return updateAccount(ctx, ts.tx, id, fn)
}

func (ts *txStore) Delete(ctx context.Context, id ledger.AccountID) error {
	return deleteAccount(ctx, ts.tx, id)
}

func (ts *txStore) AppendJournal(ctx context.Context, entry ledger.JournalEntry) error {
	return appendJournal(ctx, ts.tx, entry)
}

func (ts *txStore) Journal(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	return queryJournal(ctx, ts.tx, id, limit)
}

// =============================================================================
// QUERIES
// =============================================================================

func getAccount(ctx context.Context, q querier, where string, arg any) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE "+where, arg)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func createAccount(ctx context.Context, q querier, na ledger.NewAccount) (ledger.Account, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO accounts (username, credential_hash, balance, is_admin, last_bonus_at, created_at)
		VALUES (?, ?, '0', ?, NULL, ?)
	`, na.Username, string(na.Credential), na.IsAdmin, now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to read account id: %w", err)
	}
	return ledger.Account{
		ID:         ledger.AccountID(id),
		Username:   na.Username,
		Credential: na.Credential,
		Balance:    ledger.Zero(),
		IsAdmin:    na.IsAdmin,
		CreatedAt:  now,
	}, nil
}

func updateAccount(ctx context.Context, q querier, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	current, err := getAccount(ctx, q, "id = ?", id)
	if err != nil {
		return ledger.Account{}, err
	}
	next := current
	if current.LastBonusAt != nil {
		t := *current.LastBonusAt
		next.LastBonusAt = &t
	}
	if err := fn(&next); err != nil {
		return ledger.Account{}, err
	}
	next.ID, next.Username, next.CreatedAt = current.ID, current.Username, current.CreatedAt

	_, err = q.ExecContext(ctx, `
		UPDATE accounts
		SET credential_hash = ?, balance = ?, is_admin = ?, last_bonus_at = ?
		WHERE id = ?
	`, string(next.Credential), next.Balance.Value.String(), next.IsAdmin, formatTime(next.LastBonusAt), next.ID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to update account: %w", err)
	}
	return next, nil
}

func deleteAccount(ctx context.Context, q querier, id ledger.AccountID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func appendJournal(ctx context.Context, q querier, e ledger.JournalEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO journal (id, account_id, kind, counterparty, delta, balance_after, actor_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, string(e.Kind), nullString(e.Counterparty),
		e.Delta.Value.String(), e.BalanceAfter.Value.String(), e.ActorID,
		e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func queryJournal(ctx context.Context, q querier, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, kind, counterparty, delta, balance_after, actor_id, at
		FROM journal
		WHERE account_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var (
			e            ledger.JournalEntry
			kind         string
			counterparty sql.NullString
			delta, after string
			at           string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &counterparty, &delta, &after, &e.ActorID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = ledger.JournalKind(kind)
		e.Counterparty = counterparty.String
		var err error
		if e.Delta, err = parseAmount(delta); err != nil {
			return nil, fmt.Errorf("bad journal delta %q: %w", delta, err)
		}
		if e.BalanceAfter, err = parseAmount(after); err != nil {
			return nil, fmt.Errorf("bad journal balance_after %q: %w", after, err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("bad journal at %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		acc         ledger.Account
		credential  string
		balance     string
		lastBonusAt sql.NullString
		createdAt   string
	)
	if err := row.Scan(&acc.ID, &acc.Username, &credential, &balance, &acc.IsAdmin, &lastBonusAt, &createdAt); err != nil {
		return acc, err
	}
	acc.Credential = ledger.Credential(credential)
	var err error
	if acc.Balance, err = parseAmount(balance); err != nil {
		return acc, fmt.Errorf("bad balance %q: %w", balance, err)
	}
	if acc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return acc, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if lastBonusAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastBonusAt.String)
		if err != nil {
			return acc, fmt.Errorf("bad last_bonus_at %q: %w", lastBonusAt.String, err)
		}
		acc.LastBonusAt = &t
	}
	return acc, nil
}

// parseAmount reads a stored decimal. The error is a storage fault, not
// ledger.ErrInvalidAmount.
func parseAmount(value string) (ledger.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Value: d}, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isNoSuchTable(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrError
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.Resetter = (*Store)(nil)
)
