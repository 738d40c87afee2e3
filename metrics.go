package fstrans

import "github.com/prometheus/client_golang/prometheus"

// Keys for fstrans metrics.
const (
	TransactionsTotalKey      = "fstrans_transactions_total"
	LockWaitSecondsKey        = "fstrans_lock_wait_seconds"
	StaleLocksReclaimedKey    = "fstrans_stale_locks_reclaimed_total"
	CopyOnWriteBreaksTotalKey = "fstrans_copy_on_write_breaks_total"
	CleanupFailuresTotalKey   = "fstrans_cleanup_failures_total"
)

// Outcome label values for TransactionsTotal.
const (
	outcomeBegun      = "begun"
	outcomeCommitted  = "committed"
	outcomeRolledBack = "rolled_back"
	outcomeAborted    = "aborted"
	outcomeFailed     = "begin_failed"
)

// Collectors for fstrans metrics.
var (
	TransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: TransactionsTotalKey,
		Help: "Cumulative number of transactions, by outcome.",
	}, []string{"outcome"})
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    LockWaitSecondsKey,
		Help:    "Time spent waiting to acquire a directory lock.",
		Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
	})
	StaleLocksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: StaleLocksReclaimedKey,
		Help: "Cumulative number of lock markers reclaimed from dead owners.",
	})
	CopyOnWriteBreaks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CopyOnWriteBreaksTotalKey,
		Help: "Cumulative number of working-tree files detached from the final tree.",
	})
	CleanupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CleanupFailuresTotalKey,
		Help: "Cumulative number of discarded trees which could not be removed.",
	})
)

// Collectors returns all fstrans collectors, for registration by the caller.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TransactionsTotal,
		LockWaitSeconds,
		StaleLocksReclaimed,
		CopyOnWriteBreaks,
		CleanupFailuresTotal,
	}
}
