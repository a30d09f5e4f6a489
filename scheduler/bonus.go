/*
Package scheduler runs the periodic DIZ bonus in the background.

PURPOSE:
  Every Interval, credits Amount to each account whose last bonus is at least
  Period old. The per-account window check lives in the ledger, so running
  more often than Period (or twice at once, or right after a restart) never
  credits an account twice.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs are serialized: a tick and RunNow never overlap
  - Errors are logged and counted; the scheduler keeps running
  - Stop cancels an in-flight run between accounts and waits for the loop

CONFIGURATION:
  - Interval: How often to run (default: 168h)
  - Period: Minimum time between two bonuses for one account (default: 168h)
  - Amount: Credit per account (default: 20 DIZ)
  - RunOnStart: Run once immediately on Start (default: true)

USAGE:
  scheduler := scheduler.NewBonusScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/bonus.go: ApplyPeriodicBonus
  - api/handlers.go: Manual trigger and status endpoints
*/
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/metrics"
)

const (
	DefaultInterval = 7 * 24 * time.Hour
	DefaultPeriod   = 7 * 24 * time.Hour
)

// DefaultAmount is the weekly bonus.
var DefaultAmount = ledger.NewAmountFromInt(20)

// RunResult describes one completed bonus run.
type RunResult struct {
	At       time.Time
	Credited int
	Err      error
}

// Bonuser is the part of the ledger the scheduler drives.
type Bonuser interface {
	ApplyPeriodicBonus(ctx context.Context, now time.Time, period time.Duration, amount ledger.Amount) (int, error)
}

// BonusScheduler applies the periodic bonus on a ticker.
type BonusScheduler struct {
	Engine     Bonuser
	Interval   time.Duration
	Period     time.Duration
	Amount     ledger.Amount
	Enabled    bool
	RunOnStart bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex // guards Start/Stop state
	runMu   sync.Mutex // serializes runs
	lastMu  sync.RWMutex
	last    RunResult
	hasLast bool
	tickAt  time.Time // Start, then every ticker fire; RunNow leaves it alone
}

// NewBonusScheduler creates a scheduler with the default weekly settings.
func NewBonusScheduler(engine Bonuser) *BonusScheduler {
	return &BonusScheduler{
		Engine:     engine,
		Interval:   DefaultInterval,
		Period:     DefaultPeriod,
		Amount:     DefaultAmount,
		Enabled:    true,
		RunOnStart: true,
		Now:        time.Now,
	}
}

// Start begins the scheduler. Starting a running scheduler does nothing.
func (bs *BonusScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	bs.stop = make(chan struct{})
	bs.ticker = time.NewTicker(bs.Interval)
	bs.markTick()
	bs.wg.Add(1)

	go bs.run(ctx, bs.ticker, bs.stop)

	metrics.SchedulerRunning.Set(1)
	log.Printf("[Scheduler] Started: interval %v, period %v, amount %s %s",
		bs.Interval, bs.Period, bs.Amount, ledger.Unit)
}

// Stop stops the scheduler and waits for an in-flight run to return.
// Stopping a stopped scheduler does nothing.
func (bs *BonusScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	bs.cancel()
	close(bs.stop)
	bs.wg.Wait()

	bs.ticker = nil
	metrics.SchedulerRunning.Set(0)
	log.Println("[Scheduler] Stopped")
}

// Running reports whether the loop is active.
func (bs *BonusScheduler) Running() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.ticker != nil
}

func (bs *BonusScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer bs.wg.Done()

	if bs.RunOnStart {
		bs.runOnce(ctx)
	}

	for {
		select {
		case <-ticker.C:
			bs.markTick()
			bs.runOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow applies the bonus immediately and returns the result. It waits for
// any run already in progress.
func (bs *BonusScheduler) RunNow(ctx context.Context) RunResult {
	return bs.runOnce(ctx)
}

func (bs *BonusScheduler) runOnce(ctx context.Context) RunResult {
	bs.runMu.Lock()
	defer bs.runMu.Unlock()

	now := bs.now()
	log.Printf("[Scheduler] Applying bonus at %v", now.Format(time.RFC3339))

	credited, err := bs.Engine.ApplyPeriodicBonus(ctx, now, bs.Period, bs.Amount)
	result := RunResult{At: now, Credited: credited, Err: err}

	if err != nil {
		metrics.BonusRuns.WithLabelValues("error").Inc()
		log.Printf("[Scheduler] Error applying bonus (%d credited before failure): %v", credited, err)
	} else {
		metrics.BonusRuns.WithLabelValues("ok").Inc()
		metrics.BonusLastRun.Set(float64(now.Unix()))
		log.Printf("[Scheduler] Completed: %d accounts credited", credited)
	}

	bs.lastMu.Lock()
	bs.last, bs.hasLast = result, true
	bs.lastMu.Unlock()
	return result
}

// LastRun returns the most recent result. ok is false before the first run.
func (bs *BonusScheduler) LastRun() (result RunResult, ok bool) {
	bs.lastMu.RLock()
	defer bs.lastMu.RUnlock()
	return bs.last, bs.hasLast
}

// NextRunTime returns when the ticker fires next, or the zero time when the
// scheduler is not running. Manual runs do not move it.
func (bs *BonusScheduler) NextRunTime() time.Time {
	if !bs.Running() {
		return time.Time{}
	}
	bs.lastMu.RLock()
	defer bs.lastMu.RUnlock()
	return bs.tickAt.Add(bs.Interval)
}

func (bs *BonusScheduler) markTick() {
	bs.lastMu.Lock()
	bs.tickAt = bs.now()
	bs.lastMu.Unlock()
}

func (bs *BonusScheduler) now() time.Time {
	if bs.Now == nil {
		return time.Now()
	}
	return bs.Now()
}
