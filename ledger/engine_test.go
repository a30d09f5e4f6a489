package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var admin = ledger.Actor{ID: 1, IsAdmin: true}

func newTestEngine(t *testing.T) *ledger.Engine {
	t.Helper()
	return ledger.NewEngine(store.NewTxMemory())
}

func diz(s string) ledger.Amount {
	return ledger.MustParseAmount(s)
}

// fund creates username and sets its balance.
func fund(t *testing.T, e *ledger.Engine, username, balance string) ledger.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := e.CreateAccount(ctx, admin, username, ledger.Credential("hash-"+username))
	require.NoError(t, err)
	require.NoError(t, e.SetBalance(ctx, admin, acc.ID, diz(balance)))
	acc, err = e.Account(ctx, acc.ID)
	require.NoError(t, err)
	return acc
}

func balanceOf(t *testing.T, e *ledger.Engine, id ledger.AccountID) ledger.Amount {
	t.Helper()
	b, err := e.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func total(t *testing.T, e *ledger.Engine) ledger.Amount {
	t.Helper()
	accounts, err := e.Accounts(context.Background())
	require.NoError(t, err)
	sum := ledger.Zero()
	for _, a := range accounts {
		sum = sum.Add(a.Balance)
	}
	return sum
}

func assertAmount(t *testing.T, want string, got ledger.Amount) {
	t.Helper()
	assert.True(t, diz(want).Equal(got), "expected %s, got %s", want, got)
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer_WalkThrough(t *testing.T) {
	// GIVEN: A has 100, B has 0
	// WHEN: A sends 30, then 1000, then 10 to itself
	// THEN: 70/30 after the first; the others fail and change nothing

	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "A", "100")
	b := fund(t, e, "B", "0")

	newBalance, err := e.Transfer(ctx, a.ID, "B", diz("30"))
	require.NoError(t, err)
	assertAmount(t, "70", newBalance)
	assertAmount(t, "70", balanceOf(t, e, a.ID))
	assertAmount(t, "30", balanceOf(t, e, b.ID))

	_, err = e.Transfer(ctx, a.ID, "B", diz("1000"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assertAmount(t, "70", insufficient.Available)
	assertAmount(t, "1000", insufficient.Requested)

	_, err = e.Transfer(ctx, a.ID, "A", diz("10"))
	require.ErrorIs(t, err, ledger.ErrSelfTransfer)

	assertAmount(t, "70", balanceOf(t, e, a.ID))
	assertAmount(t, "30", balanceOf(t, e, b.ID))
}

func TestTransfer_CheckOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "alice", "10")
	fund(t, e, "bob", "0")

	tests := []struct {
		name      string
		recipient string
		amount    ledger.Amount
		want      error
	}{
		{"zero amount beats everything", "nobody", diz("0"), ledger.ErrInvalidAmount},
		{"negative amount", "bob", diz("-5"), ledger.ErrInvalidAmount},
		{"sub-cent amount", "bob", diz("0.001"), ledger.ErrInvalidAmount},
		{"insufficient before missing recipient", "nobody", diz("50"), ledger.ErrInsufficientFunds},
		{"insufficient before self transfer", "alice", diz("50"), ledger.ErrInsufficientFunds},
		{"missing recipient", "nobody", diz("5"), ledger.ErrRecipientNotFound},
		{"self transfer", "alice", diz("5"), ledger.ErrSelfTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Transfer(ctx, a.ID, tt.recipient, tt.amount)
			assert.ErrorIs(t, err, tt.want)
			assertAmount(t, "10", balanceOf(t, e, a.ID))
		})
	}
}

func TestTransfer_ExactBalanceLeavesZero(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "12.34")
	b := fund(t, e, "b", "0")

	newBalance, err := e.Transfer(ctx, a.ID, "b", diz("12.34"))
	require.NoError(t, err)
	assert.True(t, newBalance.IsZero())
	assertAmount(t, "12.34", balanceOf(t, e, b.ID))
}

func TestTransfer_UnknownSender(t *testing.T) {
	e := newTestEngine(t)
	fund(t, e, "b", "0")

	_, err := e.Transfer(context.Background(), 999, "b", diz("1"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestTransfer_JournalsBothSides(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "50")
	b := fund(t, e, "b", "5")

	_, err := e.Transfer(ctx, a.ID, "b", diz("20"))
	require.NoError(t, err)

	out, err := e.Journal(ctx, ledger.Actor{ID: a.ID}, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ledger.JournalTransferOut, out[0].Kind)
	assert.Equal(t, "b", out[0].Counterparty)
	assertAmount(t, "-20", out[0].Delta)
	assertAmount(t, "30", out[0].BalanceAfter)

	in, err := e.Journal(ctx, ledger.Actor{ID: b.ID}, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, ledger.JournalTransferIn, in[0].Kind)
	assert.Equal(t, "a", in[0].Counterparty)
	assertAmount(t, "20", in[0].Delta)
	assertAmount(t, "25", in[0].BalanceAfter)
	assert.Equal(t, a.ID, in[0].ActorID)
}

func TestTransfer_ConcurrentConservesTotal(t *testing.T) {
	// GIVEN: 10 accounts with 100 each
	// WHEN: 1000 random transfers run concurrently
	// THEN: The total is unchanged and no balance is negative

	ctx := context.Background()
	e := newTestEngine(t)

	const n = 10
	ids := make([]ledger.AccountID, n)
	for i := range ids {
		ids[i] = fund(t, e, fmt.Sprintf("user%d", i), "100").ID
	}
	before := total(t, e)

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			from := r.Intn(n)
			to := r.Intn(n)
			amount := ledger.NewAmountFromInt(int64(r.Intn(40) + 1))
			_, err := e.Transfer(ctx, ids[from], fmt.Sprintf("user%d", to), amount)
			if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) && !errors.Is(err, ledger.ErrSelfTransfer) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	assertAmount(t, before.String(), total(t, e))
	for _, id := range ids {
		assert.False(t, balanceOf(t, e, id).IsNegative(), "account %d went negative", id)
	}
}

func TestTransfer_ConcurrentDrainNeverOverdraws(t *testing.T) {
	// GIVEN: One account with 100
	// WHEN: 50 goroutines each try to send 10
	// THEN: Exactly 10 succeed

	ctx := context.Background()
	e := newTestEngine(t)
	src := fund(t, e, "src", "100")
	fund(t, e, "dst", "0")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Transfer(ctx, src.ID, "dst", diz("10")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.True(t, balanceOf(t, e, src.ID).IsZero())
}

// =============================================================================
// ADMINISTRATIVE OPERATIONS
// =============================================================================

func TestSetBalance(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "10")

	t.Run("admin sets balance and it is journaled", func(t *testing.T) {
		require.NoError(t, e.SetBalance(ctx, admin, a.ID, diz("250.50")))
		assertAmount(t, "250.50", balanceOf(t, e, a.ID))

		entries, err := e.Journal(ctx, admin, a.ID, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ledger.JournalSetBalance, entries[0].Kind)
		assertAmount(t, "240.50", entries[0].Delta)
		assert.Equal(t, admin.ID, entries[0].ActorID)
	})

	t.Run("non-admin is refused", func(t *testing.T) {
		err := e.SetBalance(ctx, ledger.Actor{ID: a.ID}, a.ID, diz("1000000"))
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
		assertAmount(t, "250.50", balanceOf(t, e, a.ID))
	})

	t.Run("negative is refused", func(t *testing.T) {
		assert.ErrorIs(t, e.SetBalance(ctx, admin, a.ID, diz("-1")), ledger.ErrInvalidAmount)
	})

	t.Run("zero is allowed", func(t *testing.T) {
		require.NoError(t, e.SetBalance(ctx, admin, a.ID, diz("0")))
		assert.True(t, balanceOf(t, e, a.ID).IsZero())
	})

	t.Run("unknown account", func(t *testing.T) {
		assert.ErrorIs(t, e.SetBalance(ctx, admin, 999, diz("1")), ledger.ErrAccountNotFound)
	})
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	acc, err := e.CreateAccount(ctx, admin, "carol", "hash")
	require.NoError(t, err)
	assert.False(t, acc.IsAdmin)
	assert.True(t, acc.Balance.IsZero())
	assert.Nil(t, acc.LastBonusAt)

	_, err = e.CreateAccount(ctx, admin, "carol", "other")
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = e.CreateAccount(ctx, ledger.Actor{ID: acc.ID}, "dave", "hash")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = e.CreateAccount(ctx, admin, "   ", "hash")
	assert.ErrorIs(t, err, ledger.ErrInvalidUsername)

	_, err = e.CreateAccount(ctx, admin, "erin", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidCredential)
}

func TestCreateAccount_UsernameLengthCountsCharacters(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// 80 two-byte characters is 160 bytes but still a legal name.
	turkish := strings.Repeat("ş", ledger.MaxUsernameLength)
	acc, err := e.CreateAccount(ctx, admin, turkish, "hash")
	require.NoError(t, err)
	assert.Equal(t, turkish, acc.Username)

	_, err = e.CreateAccount(ctx, admin, turkish+"ğ", "hash")
	assert.ErrorIs(t, err, ledger.ErrInvalidUsername)
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	root, created, err := e.EnsureAdmin(ctx, "admin-hash")
	require.NoError(t, err)
	require.True(t, created)
	rootActor := ledger.Actor{ID: root.ID, IsAdmin: true}

	victim := fund(t, e, "victim", "40")

	t.Run("non-admin is refused", func(t *testing.T) {
		err := e.DeleteAccount(ctx, ledger.Actor{ID: victim.ID}, victim.ID)
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	})

	t.Run("admin account cannot be deleted", func(t *testing.T) {
		err := e.DeleteAccount(ctx, rootActor, root.ID)
		assert.ErrorIs(t, err, ledger.ErrCannotDeleteAdmin)
		_, err = e.Account(ctx, root.ID)
		assert.NoError(t, err)
	})

	t.Run("regular account is removed", func(t *testing.T) {
		require.NoError(t, e.DeleteAccount(ctx, rootActor, victim.ID))
		_, err := e.Account(ctx, victim.ID)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

		_, err = e.Transfer(ctx, root.ID, "victim", diz("0.01"))
		assert.Error(t, err)
	})

	t.Run("unknown account", func(t *testing.T) {
		assert.ErrorIs(t, e.DeleteAccount(ctx, rootActor, 999), ledger.ErrAccountNotFound)
	})
}

func TestChangeCredential(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "10")

	require.NoError(t, e.ChangeCredential(ctx, admin, a.ID, "new-hash"))
	got, err := e.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Credential("new-hash"), got.Credential)
	assertAmount(t, "10", got.Balance)

	assert.ErrorIs(t, e.ChangeCredential(ctx, ledger.Actor{ID: a.ID}, a.ID, "x"), ledger.ErrUnauthorized)
	assert.ErrorIs(t, e.ChangeCredential(ctx, admin, a.ID, ""), ledger.ErrInvalidCredential)
	assert.ErrorIs(t, e.ChangeCredential(ctx, admin, 999, "x"), ledger.ErrAccountNotFound)
}

func TestJournal_Visibility(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "10")
	b := fund(t, e, "b", "10")

	_, err := e.Journal(ctx, ledger.Actor{ID: b.ID}, a.ID, 0)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	own, err := e.Journal(ctx, ledger.Actor{ID: a.ID}, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, own, 2)
	// Newest first: the set-balance from fund(), then creation.
	assert.Equal(t, ledger.JournalSetBalance, own[0].Kind)
	assert.Equal(t, ledger.JournalAccountCreated, own[1].Kind)

	_, err = e.Journal(ctx, admin, 999, 0)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// AUTHENTICATION & BOOTSTRAP
// =============================================================================

// plainVerifier compares credentials verbatim.
type plainVerifier struct{}

func (plainVerifier) Verify(stored ledger.Credential, presented string) error {
	if string(stored) != presented {
		return errors.New("mismatch")
	}
	return nil
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.CreateAccount(ctx, admin, "frank", "secret")
	require.NoError(t, err)

	acc, err := e.Authenticate(ctx, "frank", "secret", plainVerifier{})
	require.NoError(t, err)
	assert.Equal(t, "frank", acc.Username)

	_, err = e.Authenticate(ctx, "frank", "wrong", plainVerifier{})
	assert.ErrorIs(t, err, ledger.ErrInvalidCredentials)

	_, err = e.Authenticate(ctx, "ghost", "secret", plainVerifier{})
	assert.ErrorIs(t, err, ledger.ErrInvalidCredentials)
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first, created, err := e.EnsureAdmin(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.IsAdmin)
	assert.Equal(t, ledger.AdminUsername, first.Username)

	second, created, err := e.EnsureAdmin(ctx, "h2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ledger.Credential("h1"), second.Credential, "existing credential is kept")

	accounts, err := e.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestEnsureAdmin_RejectsSquatter(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.CreateAccount(ctx, admin, ledger.AdminUsername, "hash")
	require.NoError(t, err)

	_, _, err = e.EnsureAdmin(ctx, "hash")
	assert.Error(t, err)
}

// =============================================================================
// CLOCK
// =============================================================================

func TestEngine_ClockStampsJournal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	fixed := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	e.Clock = func() time.Time { return fixed }

	acc, err := e.CreateAccount(ctx, admin, "h", "hash")
	require.NoError(t, err)

	entries, err := e.Journal(ctx, admin, acc.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, fixed.Equal(entries[0].At))
}
