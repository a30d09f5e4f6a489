// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/diz-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	nextID   ledger.AccountID
	accounts map[ledger.AccountID]ledger.Account
	byName   map[string]ledger.AccountID
	journal  []ledger.JournalEntry
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		byName:   make(map[string]ledger.AccountID),
	}
}

func (m *Memory) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) GetByUsername(_ context.Context, username string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByUsernameLocked(username)
}

func (m *Memory) List(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(), nil
}

func (m *Memory) Create(_ context.Context, na ledger.NewAccount) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(na)
}

func (m *Memory) Update(_ context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, fn)
}

func (m *Memory) Delete(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) AppendJournal(_ context.Context, entry ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, entry)
	return nil
}

func (m *Memory) Journal(_ context.Context, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.journalLocked(id, limit), nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = 0
	m.accounts = make(map[ledger.AccountID]ledger.Account)
	m.byName = make(map[string]ledger.AccountID)
	m.journal = nil
	return nil
}

// -----------------------------------------------------------------------------
// Locked helpers. Callers hold m.mu.
// -----------------------------------------------------------------------------

func (m *Memory) getLocked(id ledger.AccountID) (ledger.Account, error) {
	acc, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return clone(acc), nil
}

func (m *Memory) getByUsernameLocked(username string) (ledger.Account, error) {
	id, ok := m.byName[username]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return m.getLocked(id)
}

func (m *Memory) listLocked() []ledger.Account {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, clone(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) createLocked(na ledger.NewAccount) (ledger.Account, error) {
	if _, taken := m.byName[na.Username]; taken {
		return ledger.Account{}, ledger.ErrAccountExists
	}
	m.nextID++
	acc := ledger.Account{
		ID:         m.nextID,
		Username:   na.Username,
		Credential: na.Credential,
		Balance:    ledger.Zero(),
		IsAdmin:    na.IsAdmin,
		CreatedAt:  time.Now().UTC(),
	}
	m.accounts[acc.ID] = acc
	m.byName[acc.Username] = acc.ID
	return clone(acc), nil
}

func (m *Memory) updateLocked(id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	current, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	next := clone(current)
	if err := fn(&next); err != nil {
		return ledger.Account{}, err
	}
	next.ID = current.ID
	next.Username = current.Username
	next.CreatedAt = current.CreatedAt
	m.accounts[id] = clone(next)
	return next, nil
}

func (m *Memory) deleteLocked(id ledger.AccountID) error {
	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	delete(m.accounts, id)
	delete(m.byName, acc.Username)
	return nil
}

func (m *Memory) journalLocked(id ledger.AccountID, limit int) []ledger.JournalEntry {
	var out []ledger.JournalEntry
	for i := len(m.journal) - 1; i >= 0; i-- {
		if m.journal[i].AccountID != id {
			continue
		}
		out = append(out, m.journal[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// clone copies an account so callers never share LastBonusAt with the store.
func clone(acc ledger.Account) ledger.Account {
	if acc.LastBonusAt != nil {
		t := *acc.LastBonusAt
		acc.LastBonusAt = &t
	}
	return acc
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store mutex.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID   ledger.AccountID
	accounts map[ledger.AccountID]ledger.Account
	byName   map[string]ledger.AccountID
	journal  int
}

func (tm *TxMemory) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountID]ledger.Account, len(tm.accounts))
	for k, v := range tm.accounts {
		accounts[k] = clone(v)
	}
	byName := make(map[string]ledger.AccountID, len(tm.byName))
	for k, v := range tm.byName {
		byName[k] = v
	}
	return memorySnapshot{nextID: tm.nextID, accounts: accounts, byName: byName, journal: len(tm.journal)}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.nextID = s.nextID
	tm.accounts = s.accounts
	tm.byName = s.byName
	tm.journal = tm.journal[:s.journal]
}

// txMemoryView runs against the parent's state while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Get(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) GetByUsername(_ context.Context, username string) (ledger.Account, error) {
	return tv.parent.getByUsernameLocked(username)
}

func (tv *txMemoryView) List(_ context.Context) ([]ledger.Account, error) {
	return tv.parent.listLocked(), nil
}

func (tv *txMemoryView) Create(_ context.Context, na ledger.NewAccount) (ledger.Account, error) {
	return tv.parent.createLocked(na)
}

func (tv *txMemoryView) Update(_ context.Context, id ledger.AccountID, fn func(*ledger.Account) error) (ledger.Account, error) {
	return tv.parent.updateLocked(id, fn)
}

func (tv *txMemoryView) Delete(_ context.Context, id ledger.AccountID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txMemoryView) AppendJournal(_ context.Context, entry ledger.JournalEntry) error {
	tv.parent.journal = append(tv.parent.journal, entry)
	return nil
}

func (tv *txMemoryView) Journal(_ context.Context, id ledger.AccountID, limit int) ([]ledger.JournalEntry, error) {
	return tv.parent.journalLocked(id, limit), nil
}

var (
	_ ledger.TxStore  = (*TxMemory)(nil)
	_ ledger.Resetter = (*TxMemory)(nil)
)
