/*
engine.go - The ledger engine: every balance change goes through here

PURPOSE:
  Validates and applies credits, debits, transfers and administrative
  overrides against a TxStore. All business invariants live in this file:

  1. NON-NEGATIVE: a transfer never leaves the sender below zero
  2. CONSERVATION: a transfer moves value, it never creates or destroys it
  3. NO SELF-TRANSFER: sender and recipient must differ
  4. ONE BONUS PER PERIOD: see bonus.go
  5. ADMINS ARE PERMANENT: an admin account cannot be deleted

CONCURRENCY:
  Each mutation locks the involved accounts (lockTable, ascending order) and
  then runs one WithTx. Requests and the bonus scheduler share this path, so
  there is no special case for background work. The stripe locks only cover
  this process; a transactional view that implements RowLocker also gets the
  same ids, ascending, before anything is read.

TRANSFER CHECK ORDER:
  The order is part of the contract; callers and tests rely on it.
    1. amount > 0                      -> ErrInvalidAmount
    2. sender balance >= amount        -> ErrInsufficientFunds
    3. recipient exists                -> ErrRecipientNotFound
    4. recipient != sender             -> ErrSelfTransfer

SEE ALSO:
  - bonus.go: Periodic bonus
  - auth.go: Authenticate, EnsureAdmin
  - store.go: Persistence contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/warp/diz-ledger/metrics"
)

// recipientRetries bounds how often Transfer re-resolves a recipient whose
// username was re-created under a different id while we were waiting for locks.
const recipientRetries = 3

// errRecipientMoved signals the recipient id changed after locks were taken.
var errRecipientMoved = errors.New("recipient id changed")

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the sole authority for changing balances.
type Engine struct {
	Store TxStore

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	locks lockTable
}

// NewEngine creates an engine over store.
func NewEngine(store TxStore) *Engine {
	return &Engine{Store: store, Clock: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}

// =============================================================================
// READS
// =============================================================================

// Account returns a single account.
func (e *Engine) Account(ctx context.Context, id AccountID) (Account, error) {
	return e.Store.Get(ctx, id)
}

// Accounts returns every account in ascending id order.
func (e *Engine) Accounts(ctx context.Context) ([]Account, error) {
	return e.Store.List(ctx)
}

// Balance returns the current balance of an account.
func (e *Engine) Balance(ctx context.Context, id AccountID) (Amount, error) {
	acc, err := e.Store.Get(ctx, id)
	if err != nil {
		return Amount{}, err
	}
	return acc.Balance, nil
}

// Journal returns recent journal entries for id. Only the account itself or
// an administrator may read them.
func (e *Engine) Journal(ctx context.Context, actor Actor, id AccountID, limit int) ([]JournalEntry, error) {
	if !actor.IsAdmin && actor.ID != id {
		return nil, ErrUnauthorized
	}
	if _, err := e.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.Journal(ctx, id, limit)
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves amount from senderID to the account named recipientUsername
// and returns the sender's new balance.
func (e *Engine) Transfer(ctx context.Context, senderID AccountID, recipientUsername string, amount Amount) (Amount, error) {
	var (
		newBalance Amount
		err        error
	)
	for attempt := 0; attempt < recipientRetries; attempt++ {
		newBalance, err = e.transfer(ctx, senderID, recipientUsername, amount)
		if !errors.Is(err, errRecipientMoved) {
			break
		}
	}
	if errors.Is(err, errRecipientMoved) {
		err = fmt.Errorf("transfer to %q: %w", recipientUsername, err)
	}

	metrics.Transfers.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		metrics.TransferVolume.Add(amount.Value.InexactFloat64())
	}
	return newBalance, err
}

func (e *Engine) transfer(ctx context.Context, senderID AccountID, recipientUsername string, amount Amount) (Amount, error) {
	if !amount.IsPositive() || !amount.Exact() {
		return Amount{}, ErrInvalidAmount
	}

	// Resolve the recipient first so both stripes can be locked in order.
	// A missing recipient is not reported yet: the balance check comes first.
	lockSet := []AccountID{senderID}
	recipientID := AccountID(-1)
	if r, err := e.Store.GetByUsername(ctx, recipientUsername); err == nil {
		recipientID = r.ID
		lockSet = append(lockSet, r.ID)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Amount{}, err
	}

	unlock := e.locks.lock(lockSet...)
	defer unlock()

	var newBalance Amount
	err := e.Store.WithTx(ctx, func(s Store) error {
		if err := lockRows(ctx, s, lockSet...); err != nil {
			return err
		}
		sender, err := s.Get(ctx, senderID)
		if err != nil {
			return err
		}
		if sender.Balance.LessThan(amount) {
			return &InsufficientFundsError{AccountID: sender.ID, Available: sender.Balance, Requested: amount}
		}

		recipient, err := s.GetByUsername(ctx, recipientUsername)
		if errors.Is(err, ErrAccountNotFound) {
			return ErrRecipientNotFound
		}
		if err != nil {
			return err
		}
		if recipient.Username == sender.Username {
			return ErrSelfTransfer
		}
		if recipient.ID != recipientID {
			return errRecipientMoved
		}

		debited, err := s.Update(ctx, sender.ID, func(a *Account) error {
			a.Balance = a.Balance.Sub(amount)
			return nil
		})
		if err != nil {
			return err
		}
		credited, err := s.Update(ctx, recipient.ID, func(a *Account) error {
			a.Balance = a.Balance.Add(amount)
			return nil
		})
		if err != nil {
			return err
		}

		at := e.now()
		if err := s.AppendJournal(ctx, newEntry(sender.ID, JournalTransferOut, recipient.Username, amount.Neg(), debited.Balance, sender.ID, at)); err != nil {
			return err
		}
		if err := s.AppendJournal(ctx, newEntry(recipient.ID, JournalTransferIn, sender.Username, amount, credited.Balance, sender.ID, at)); err != nil {
			return err
		}
		newBalance = debited.Balance
		return nil
	})
	if err != nil {
		return Amount{}, err
	}
	return newBalance, nil
}

// =============================================================================
// ADMINISTRATIVE OPERATIONS
// =============================================================================

// SetBalance overrides an account balance. It does not conserve value and is
// reserved for corrections; every call is journaled and logged.
func (e *Engine) SetBalance(ctx context.Context, actor Actor, id AccountID, newBalance Amount) error {
	if !actor.IsAdmin {
		return ErrUnauthorized
	}
	if newBalance.IsNegative() || !newBalance.Exact() {
		return ErrInvalidAmount
	}

	unlock := e.locks.lock(id)
	defer unlock()

	var previous Amount
	err := e.Store.WithTx(ctx, func(s Store) error {
		updated, err := s.Update(ctx, id, func(a *Account) error {
			previous = a.Balance
			a.Balance = newBalance
			return nil
		})
		if err != nil {
			return err
		}
		return s.AppendJournal(ctx, newEntry(id, JournalSetBalance, "", newBalance.Sub(previous), updated.Balance, actor.ID, e.now()))
	})
	if err != nil {
		return err
	}

	metrics.BalanceCorrections.Inc()
	log.Printf("[Ledger] Balance of account %d set from %s to %s %s by account %d",
		id, previous, newBalance, Unit, actor.ID)
	return nil
}

// CreateAccount adds a non-admin account with a zero balance.
func (e *Engine) CreateAccount(ctx context.Context, actor Actor, username string, credential Credential) (Account, error) {
	if !actor.IsAdmin {
		return Account{}, ErrUnauthorized
	}
	if err := validateUsername(username); err != nil {
		return Account{}, err
	}
	if credential == "" {
		return Account{}, ErrInvalidCredential
	}

	acc, err := e.create(ctx, actor, NewAccount{Username: username, Credential: credential})
	if err != nil {
		return Account{}, err
	}
	metrics.AccountChanges.WithLabelValues("created").Inc()
	return acc, nil
}

func (e *Engine) create(ctx context.Context, actor Actor, na NewAccount) (Account, error) {
	var acc Account
	err := e.Store.WithTx(ctx, func(s Store) error {
		var err error
		acc, err = s.Create(ctx, na)
		if err != nil {
			return err
		}
		return s.AppendJournal(ctx, newEntry(acc.ID, JournalAccountCreated, "", Zero(), acc.Balance, actor.ID, e.now()))
	})
	return acc, err
}

// DeleteAccount removes a non-admin account. Its journal is kept.
func (e *Engine) DeleteAccount(ctx context.Context, actor Actor, id AccountID) error {
	if !actor.IsAdmin {
		return ErrUnauthorized
	}

	unlock := e.locks.lock(id)
	defer unlock()

	err := e.Store.WithTx(ctx, func(s Store) error {
		acc, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if acc.IsAdmin {
			return ErrCannotDeleteAdmin
		}
		return s.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	metrics.AccountChanges.WithLabelValues("deleted").Inc()
	return nil
}

// ChangeCredential replaces the credential material of an account.
func (e *Engine) ChangeCredential(ctx context.Context, actor Actor, id AccountID, credential Credential) error {
	if !actor.IsAdmin {
		return ErrUnauthorized
	}
	if credential == "" {
		return ErrInvalidCredential
	}

	unlock := e.locks.lock(id)
	defer unlock()

	err := e.Store.WithTx(ctx, func(s Store) error {
		updated, err := s.Update(ctx, id, func(a *Account) error {
			a.Credential = credential
			return nil
		})
		if err != nil {
			return err
		}
		return s.AppendJournal(ctx, newEntry(id, JournalCredentialChanged, "", Zero(), updated.Balance, actor.ID, e.now()))
	})
	if err != nil {
		return err
	}
	metrics.AccountChanges.WithLabelValues("credential_changed").Inc()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lockRows hands ids to the view's RowLocker, if it has one.
func lockRows(ctx context.Context, s Store, ids ...AccountID) error {
	locker, ok := s.(RowLocker)
	if !ok {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return locker.LockAccounts(ctx, slices.Compact(sorted)...)
}

func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" || utf8.RuneCountInString(username) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	return nil
}

func newEntry(id AccountID, kind JournalKind, counterparty string, delta, after Amount, actorID AccountID, at time.Time) JournalEntry {
	return JournalEntry{
		ID:           uuid.NewString(),
		AccountID:    id,
		Kind:         kind,
		Counterparty: counterparty,
		Delta:        delta,
		BalanceAfter: after,
		ActorID:      actorID,
		At:           at,
	}
}

// outcome turns a transfer error into a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrAccountNotFound):
		return "sender_not_found"
	default:
		return "error"
	}
}
