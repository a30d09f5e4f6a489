// Package metrics holds the Prometheus collectors for the ledger.
//
// Collectors are package-level and registered on the default registry via
// promauto; the API exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// Transfers counts transfer attempts by outcome ("ok", "insufficient_funds", ...).
var Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "ledger",
	Name:      "transfers_total",
	Help:      "Transfer attempts by outcome.",
}, []string{"outcome"})

// TransferVolume sums the DIZ moved by successful transfers.
var TransferVolume = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "ledger",
	Name:      "transfer_volume_total",
	Help:      "DIZ moved by successful transfers.",
})

// BalanceCorrections counts administrative set-balance calls that succeeded.
var BalanceCorrections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "ledger",
	Name:      "balance_corrections_total",
	Help:      "Administrative balance overrides applied.",
})

// AccountChanges counts account lifecycle events ("created", "deleted", "credential_changed").
var AccountChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "ledger",
	Name:      "account_changes_total",
	Help:      "Account lifecycle events.",
}, []string{"event"})

// ─── Bonus ──────────────────────────────────────────────────────────────────

// BonusCredits counts accounts credited by the periodic bonus.
var BonusCredits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "bonus",
	Name:      "credits_total",
	Help:      "Accounts credited by the periodic bonus.",
})

// BonusRuns counts bonus cycles by result ("ok", "error").
var BonusRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "diz",
	Subsystem: "bonus",
	Name:      "runs_total",
	Help:      "Periodic bonus cycles by result.",
}, []string{"result"})

// BonusLastRun is the unix time of the last finished bonus cycle.
var BonusLastRun = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "diz",
	Subsystem: "bonus",
	Name:      "last_run_timestamp_seconds",
	Help:      "Unix time of the last finished bonus cycle.",
})

// SchedulerRunning is 1 while the bonus scheduler is running.
var SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "diz",
	Subsystem: "bonus",
	Name:      "scheduler_running",
	Help:      "1 while the bonus scheduler is running.",
})
