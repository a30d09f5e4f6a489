package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/diz-ledger/ledger"
)

func TestStore_UnreadableRowsAreStorageFaults(t *testing.T) {
	tests := []struct {
		name   string
		column string
		value  string
	}{
		{"balance with a comma", "balance", "12,50"},
		{"empty balance", "balance", ""},
		{"bad created_at", "created_at", "yesterday"},
		{"bad last_bonus_at", "last_bonus_at", "2025-13-45"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: An account whose stored column cannot be parsed
			ctx := context.Background()
			store, err := New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })

			acc, err := store.Create(ctx, ledger.NewAccount{Username: "a", Credential: "x"})
			require.NoError(t, err)
			_, err = store.db.ExecContext(ctx, "UPDATE accounts SET "+tt.column+" = ? WHERE id = ?", tt.value, acc.ID)
			require.NoError(t, err)

			// WHEN: The row is read, listed, or updated
			_, getErr := store.Get(ctx, acc.ID)
			_, listErr := store.List(ctx)
			_, updateErr := store.Update(ctx, acc.ID, func(a *ledger.Account) error {
				a.Balance = a.Balance.Add(ledger.NewAmountFromInt(5))
				return nil
			})

			// THEN: Every path fails with an error that is not a business error
			for _, err := range []error{getErr, listErr, updateErr} {
				require.Error(t, err)
				assert.False(t, ledger.IsBusinessError(err), "got %v", err)
				assert.False(t, errors.Is(err, ledger.ErrInvalidAmount))
			}

			// THEN: The stored value was not overwritten
			var stored string
			require.NoError(t, store.db.QueryRowContext(ctx, "SELECT "+tt.column+" FROM accounts WHERE id = ?", acc.ID).Scan(&stored))
			assert.Equal(t, tt.value, stored)
		})
	}
}

func TestStore_UnreadableJournalIsStorageFault(t *testing.T) {
	ctx := context.Background()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO journal (id, account_id, kind, counterparty, delta, balance_after, actor_id, at)
		VALUES ('e1', 1, 'bonus', NULL, '20', 'twenty', 0, '2025-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	_, err = store.Journal(ctx, 1, 0)
	require.Error(t, err)
	assert.False(t, ledger.IsBusinessError(err))
}
