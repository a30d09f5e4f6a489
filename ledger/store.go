/*
store.go - Persistence interfaces for accounts and the journal

PURPOSE:
  Defines the boundary between the Engine and whatever holds account records.
  Stores keep data; they do not enforce business rules. The one rule a Store
  does enforce is username uniqueness on Create.

KEY INTERFACES:
  Store:    Account CRUD, atomic Update, journal append/read
  TxStore:  Store plus WithTx for multi-account atomic units
  RowLocker: Optional row locks for stores shared by several processes
  Resetter: Destructive reinitialisation (bootstrap tooling only)

UPDATE CONTRACT:
  Update(id, fn) is a single read-modify-write. fn receives a copy of the
  current record; if it returns nil the copy is persisted, otherwise nothing
  is written and fn's error is returned unchanged. ID, Username and CreatedAt
  are immutable and changes to them are discarded.

ATOMIC UNITS:
  WithTx runs fn against a transactional view of the Store. A transfer is two
  Updates and two journal entries inside one WithTx: either all four land or
  none do.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - engine.go: The only legitimate caller of Update
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store persists accounts and journal entries.
type Store interface {
	// Get returns ErrAccountNotFound for an unknown id.
	Get(ctx context.Context, id AccountID) (Account, error)

	// GetByUsername is a case-sensitive lookup. Returns ErrAccountNotFound.
	GetByUsername(ctx context.Context, username string) (Account, error)

	// List returns every account in ascending id order.
	List(ctx context.Context) ([]Account, error)

	// Create inserts a zero-balance account. Returns ErrAccountExists when
	// the username is taken.
	Create(ctx context.Context, acc NewAccount) (Account, error)

	// Update applies fn as one atomic read-modify-write.
	Update(ctx context.Context, id AccountID, fn func(*Account) error) (Account, error)

	// Delete removes an account. Returns ErrAccountNotFound.
	Delete(ctx context.Context, id AccountID) error

	// AppendJournal records a journal entry.
	AppendJournal(ctx context.Context, entry JournalEntry) error

	// Journal returns up to limit entries for an account, newest first.
	// limit <= 0 means no limit.
	Journal(ctx context.Context, id AccountID, limit int) ([]JournalEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// RowLocker is implemented by transactional views whose database is shared
// between processes. LockAccounts holds the named rows until the transaction
// ends; ids arrive ascending and unknown ids are ignored.
type RowLocker interface {
	LockAccounts(ctx context.Context, ids ...AccountID) error
}

// Resetter drops every account and journal entry and recreates the schema.
type Resetter interface {
	Reset(ctx context.Context) error
}
