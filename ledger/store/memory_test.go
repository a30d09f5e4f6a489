package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/ledger/store"
)

func TestMemory_CreateAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	a, err := m.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
	require.NoError(t, err)
	b, err := m.Create(ctx, ledger.NewAccount{Username: "b", Credential: "x"})
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)

	require.NoError(t, m.Delete(ctx, b.ID))
	c, err := m.Create(ctx, ledger.NewAccount{Username: "c", Credential: "x"})
	require.NoError(t, err)
	assert.Greater(t, c.ID, b.ID, "ids are never reused")

	_, err = m.Create(ctx, ledger.NewAccount{Username: "a", Credential: "y"})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestMemory_UpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a, err := m.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
	require.NoError(t, err)

	updated, err := m.Update(ctx, a.ID, func(acc *ledger.Account) error {
		acc.Username = "renamed"
		acc.Balance = ledger.NewAmountFromInt(7)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a", updated.Username)

	_, err = m.GetByUsername(ctx, "renamed")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	got, err := m.GetByUsername(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(ledger.NewAmountFromInt(7)))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a, err := m.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
	require.NoError(t, err)

	stamp := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	_, err = m.Update(ctx, a.ID, func(acc *ledger.Account) error {
		acc.LastBonusAt = &stamp
		return nil
	})
	require.NoError(t, err)
	stamp = stamp.Add(time.Hour)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	*got.LastBonusAt = time.Time{}

	again, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), *again.LastBonusAt)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()
	a, err := m.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.Update(ctx, a.ID, func(acc *ledger.Account) error {
			acc.Balance = ledger.NewAmountFromInt(100)
			return nil
		}); err != nil {
			return err
		}
		if _, err := s.Create(ctx, ledger.NewAccount{Username: "b", Credential: "x"}); err != nil {
			return err
		}
		if err := s.AppendJournal(ctx, ledger.JournalEntry{ID: "j1", AccountID: a.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())

	_, err = m.GetByUsername(ctx, "b")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	entries, err := m.Journal(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTxMemory_CommitAndReset(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()

	err := m.WithTx(ctx, func(s ledger.Store) error {
		acc, err := s.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
		if err != nil {
			return err
		}
		return s.AppendJournal(ctx, ledger.JournalEntry{ID: "j1", AccountID: acc.ID})
	})
	require.NoError(t, err)

	accounts, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	require.NoError(t, m.Reset(ctx))
	accounts, err = m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestMemory_JournalNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, m.AppendJournal(ctx, ledger.JournalEntry{ID: id, AccountID: 1}))
	}
	require.NoError(t, m.AppendJournal(ctx, ledger.JournalEntry{ID: "other", AccountID: 2}))

	entries, err := m.Journal(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "3", entries[0].ID)
	assert.Equal(t, "2", entries[1].ID)
}
