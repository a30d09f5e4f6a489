/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

PURPOSE:
  Same contract as store/sqlite, for deployments that run several server
  processes against one database.

KEY TABLES:
  accounts: balance is NUMERIC(20,2), last_bonus_at is TIMESTAMPTZ
  journal:  append-only, ordered by a BIGSERIAL sequence

CONCURRENCY:
  Inside WithTx, Get and Update read with SELECT ... FOR UPDATE, and the view
  implements ledger.RowLocker so the Engine locks every account of a transfer
  in ascending id order before the balance check. Two processes therefore
  cannot interleave read-modify-write on one account, and cannot deadlock on a
  pair. Within one process the Engine's stripe locks already order writers.

MONEY:
  Balances cross the driver as text and are parsed with shopspring/decimal.

SEE ALSO:
  - store/sqlite/sqlite.go: Default store
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/diz-ledger/ledger"
)

// Store implements ledger.TxStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		credential_hash TEXT NOT NULL,
		balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		last_bonus_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS journal (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		account_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		counterparty TEXT,
		delta NUMERIC(20,2) NOT NULL,
		balance_after NUMERIC(20,2) NOT NULL,
		actor_id BIGINT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal(account_id, seq DESC);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset drops every table and recreates the schema.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS journal, accounts"); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// ACCOUNT STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.pool, "id = $1", id)
}

func (s *Store) GetByUsername(ctx context.Context, username string) (ledger.Account, error) {
	return getAccount(ctx, s.pool, "username = $1", username)
}

func (s *Store) List(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, s.pool)
}

func (s *Store) Create(ctx context.Context, na ledger.NewAccount) (ledger.Account, error) {
	return createAccount(ctx, s.pool, na)
}

// Update locks the row, applies fn and writes the result in one transaction.
func (s *Store) Update(ctx context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	var out ledger.Account
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		out, err = st.Update(ctx, id, fn)
		return err
	})
	return out, err
}

func (s *Store) Delete(ctx context.Context, id ledger.AccountID) error {
	return deleteAccount(ctx, s.pool, id)
}

func (s *Store) AppendJournal(ctx context.Context, entry ledger.JournalEntry) error {
	return appendJournal(ctx, s.pool, entry)
}

func (s *Store) Journal(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	return queryJournal(ctx, s.pool, id, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// Get locks the row for the rest of the transaction.
func (ts *txStore) Get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, "id = $1 FOR UPDATE", id)
}

func (ts *txStore) GetByUsername(ctx context.Context, username string) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, "username = $1", username)
}

func (ts *txStore) List(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.tx)
}

// LockAccounts takes the row locks for ids in ascending id order, so two
// processes moving value in opposite directions queue instead of deadlocking.
func (ts *txStore) LockAccounts(ctx context.Context, ids ...ledger.AccountID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	rows, err := ts.tx.Query(ctx, "SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE", raw)
	if err != nil {
		return fmt.Errorf("failed to lock accounts: %w", err)
	}
	for rows.Next() {
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to lock accounts: %w", err)
	}
	return nil
}

func (ts *txStore) Create(ctx context.Context, na ledger.NewAccount) (ledger.Account, error) {
	return createAccount(ctx, ts.tx, na)
}

func (ts *txStore) Update(ctx context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	current, err := getAccount(ctx, ts.tx, "id = $1 FOR UPDATE", id)
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

	_, err = ts.tx.Exec(ctx, `
		UPDATE accounts
		SET credential_hash = $2, balance = $3::numeric, is_admin = $4, last_bonus_at = $5
		WHERE id = $1
	`, next.ID, string(next.Credential), next.Balance.Value.String(), next.IsAdmin, next.LastBonusAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to update account: %w", err)
	}
	return next, nil
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

const selectAccount = `
	SELECT id, username, credential_hash, balance::text, is_admin, last_bonus_at, created_at
	FROM accounts`

func getAccount(ctx context.Context, q querier, where string, arg any) (ledger.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx, selectAccount+" WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.Query(ctx, selectAccount+" ORDER BY id ASC")
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
	acc := ledger.Account{
		Username:   na.Username,
		Credential: na.Credential,
		Balance:    ledger.Zero(),
		IsAdmin:    na.IsAdmin,
	}
	err := q.QueryRow(ctx, `
		INSERT INTO accounts (username, credential_hash, is_admin)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, na.Username, string(na.Credential), na.IsAdmin).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

func deleteAccount(ctx context.Context, q querier, id ledger.AccountID) error {
	tag, err := q.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func appendJournal(ctx context.Context, q querier, e ledger.JournalEntry) error {
	var counterparty *string
	if e.Counterparty != "" {
		counterparty = &e.Counterparty
	}
	_, err := q.Exec(ctx, `
		INSERT INTO journal (id, account_id, kind, counterparty, delta, balance_after, actor_id, at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)
	`, e.ID, e.AccountID, string(e.Kind), counterparty,
		e.Delta.Value.String(), e.BalanceAfter.Value.String(), e.ActorID, e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func queryJournal(ctx context.Context, q querier, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := q.Query(ctx, `
		SELECT id::text, account_id, kind, counterparty, delta::text, balance_after::text, actor_id, at
		FROM journal
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, id, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var (
			e            ledger.JournalEntry
			kind         string
			counterparty *string
			delta, after string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &counterparty, &delta, &after, &e.ActorID, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = ledger.JournalKind(kind)
		if counterparty != nil {
			e.Counterparty = *counterparty
		}
		var err error
		if e.Delta, err = parseAmount(delta); err != nil {
			return nil, fmt.Errorf("bad journal delta %q: %w", delta, err)
		}
		if e.BalanceAfter, err = parseAmount(after); err != nil {
			return nil, fmt.Errorf("bad journal balance_after %q: %w", after, err)
		}
		e.At = e.At.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		acc         ledger.Account
		credential  string
		balance     string
		lastBonusAt *time.Time
	)
	if err := row.Scan(&acc.ID, &acc.Username, &credential, &balance, &acc.IsAdmin, &lastBonusAt, &acc.CreatedAt); err != nil {
		return acc, err
	}
	acc.Credential = ledger.Credential(credential)
	var err error
	if acc.Balance, err = parseAmount(balance); err != nil {
		return acc, fmt.Errorf("bad balance %q: %w", balance, err)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	if lastBonusAt != nil {
		t := lastBonusAt.UTC()
		acc.LastBonusAt = &t
	}
	return acc, nil
}

// parseAmount reads a stored NUMERIC. The error is a storage fault, not
// ledger.ErrInvalidAmount.
func parseAmount(value string) (ledger.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Value: d}, nil
}

var (
	_ ledger.TxStore   = (*Store)(nil)
	_ ledger.Resetter  = (*Store)(nil)
	_ ledger.RowLocker = (*txStore)(nil)
)
