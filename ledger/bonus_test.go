package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/diz-ledger/ledger"
)

const week = 7 * 24 * time.Hour

func TestApplyPeriodicBonus_OncePerPeriod(t *testing.T) {
	// GIVEN: Two accounts that never had a bonus
	// WHEN: The bonus runs at t0, t0+period-1ns and t0+period
	// THEN: Credited at t0, nothing just before the window, once more at t0+period

	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "0")
	b := fund(t, e, "b", "5")
	t0 := time.Date(2025, time.January, 6, 12, 0, 0, 0, time.UTC)

	n, err := e.ApplyPeriodicBonus(ctx, t0, week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertAmount(t, "20", balanceOf(t, e, a.ID))
	assertAmount(t, "25", balanceOf(t, e, b.ID))

	n, err = e.ApplyPeriodicBonus(ctx, t0, week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rerun at the same instant credits nothing")

	n, err = e.ApplyPeriodicBonus(ctx, t0.Add(week-time.Nanosecond), week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assertAmount(t, "20", balanceOf(t, e, a.ID))

	n, err = e.ApplyPeriodicBonus(ctx, t0.Add(week), week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertAmount(t, "40", balanceOf(t, e, a.ID))
	assertAmount(t, "45", balanceOf(t, e, b.ID))

	acc, err := e.Account(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, acc.LastBonusAt)
	assert.True(t, t0.Add(week).Equal(*acc.LastBonusAt))
}

func TestApplyPeriodicBonus_IncludesAdmins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	root, _, err := e.EnsureAdmin(ctx, "hash")
	require.NoError(t, err)

	n, err := e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertAmount(t, "20", balanceOf(t, e, root.ID))
}

func TestApplyPeriodicBonus_NewAccountsOnlyWhenDue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "0")
	t0 := time.Date(2025, time.January, 6, 12, 0, 0, 0, time.UTC)

	_, err := e.ApplyPeriodicBonus(ctx, t0, week, diz("20"))
	require.NoError(t, err)

	// Created after the run: never had a bonus, so due on the next run.
	late := fund(t, e, "late", "0")
	n, err := e.ApplyPeriodicBonus(ctx, t0.Add(time.Hour), week, diz("20"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertAmount(t, "20", balanceOf(t, e, a.ID))
	assertAmount(t, "20", balanceOf(t, e, late.ID))
}

func TestApplyPeriodicBonus_ConcurrentRunsCreditOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "0")
	now := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.ApplyPeriodicBonus(ctx, now, week, diz("20"))
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assertAmount(t, "20", balanceOf(t, e, a.ID))
}

func TestApplyPeriodicBonus_RaceWithTransfers(t *testing.T) {
	// GIVEN: Accounts trading while the bonus runs
	// THEN: The final total is the starting total plus one bonus per account

	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "100")
	fund(t, e, "b", "100")
	before := total(t, e)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Transfer(ctx, a.ID, "b", diz("1"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("20"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	assertAmount(t, before.Add(diz("40")).String(), total(t, e))
}

func TestApplyPeriodicBonus_JournalsSystemActor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := fund(t, e, "a", "1")

	_, err := e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("20"))
	require.NoError(t, err)

	entries, err := e.Journal(ctx, admin, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.JournalBonus, entries[0].Kind)
	assert.Equal(t, ledger.System.ID, entries[0].ActorID)
	assertAmount(t, "20", entries[0].Delta)
	assertAmount(t, "21", entries[0].BalanceAfter)
}

func TestApplyPeriodicBonus_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.ApplyPeriodicBonus(ctx, time.Now(), 0, diz("20"))
	assert.ErrorIs(t, err, ledger.ErrInvalidPeriod)

	_, err = e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("0.005"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestApplyPeriodicBonus_CancelledContext(t *testing.T) {
	e := newTestEngine(t)
	fund(t, e, "a", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := e.ApplyPeriodicBonus(ctx, time.Now(), week, diz("20"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
