package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/diz-ledger/metrics"
)

// ApplyPeriodicBonus credits amount to every account whose last bonus is at
// least period before now (or that never had one) and stamps LastBonusAt = now.
// It returns how many accounts were credited.
//
// Each account is credited in its own transaction, so a failure part-way
// through leaves earlier accounts credited and later ones untouched; rerunning
// with the same now skips the ones already done. Accounts deleted during the
// batch are skipped. A cancelled ctx stops the batch between accounts.
func (e *Engine) ApplyPeriodicBonus(ctx context.Context, now time.Time, period time.Duration, amount Amount) (int, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if !amount.IsPositive() || !amount.Exact() {
		return 0, ErrInvalidAmount
	}

	accounts, err := e.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	// Postgres keeps microseconds; stamp at that precision everywhere so the
	// window is computed the same way on every store.
	stamp := now.UTC().Truncate(time.Microsecond)

	credited := 0
	defer func() { metrics.BonusCredits.Add(float64(credited)) }()

	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return credited, err
		}
		if !acc.BonusDue(stamp, period) {
			continue
		}
		ok, err := e.creditBonus(ctx, acc.ID, stamp, period, amount)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return credited, fmt.Errorf("bonus for account %d: %w", acc.ID, err)
		}
		if ok {
			credited++
		}
	}
	return credited, nil
}

// creditBonus re-checks eligibility under the account lock and applies one
// credit. It reports whether the account was credited.
func (e *Engine) creditBonus(ctx context.Context, id AccountID, now time.Time, period time.Duration, amount Amount) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	credited := false
	err := e.Store.WithTx(ctx, func(s Store) error {
		updated, err := s.Update(ctx, id, func(a *Account) error {
			if !a.BonusDue(now, period) {
				return nil
			}
			stamp := now
			a.Balance = a.Balance.Add(amount)
			a.LastBonusAt = &stamp
			credited = true
			return nil
		})
		if err != nil {
			return err
		}
		if !credited {
			return nil
		}
		return s.AppendJournal(ctx, newEntry(id, JournalBonus, "", amount, updated.Balance, System.ID, now))
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}
