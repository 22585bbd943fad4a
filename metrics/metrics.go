// Package metrics holds the prometheus collectors shared by the
// transaction controller and its callers. Everything registers on the
// default registry; binaries expose it over HTTP themselves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BeganTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "begin_total",
			Help:      "Counter of started transactions.",
		})

	CommittedTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "commit_total",
			Help:      "Counter of committed transactions.",
		})

	RolledBackTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "rollback_total",
			Help:      "Counter of rolled back transactions, voluntary or after failed validation.",
		})

	WriteConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "write_conflict_total",
			Help:      "Counter of write acquisitions refused because another transaction owned the record.",
		})

	StaleSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "stale_snapshot_total",
			Help:      "Counter of commits refused because a touched record was committed after the snapshot.",
		})

	LiveTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "live",
			Help:      "Number of currently active transactions.",
		})

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of validate and publish latency.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 22),
		})

	FreedVersions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "reclaim",
			Name:      "versions_freed_total",
			Help:      "Counter of superseded versions handed back to the store.",
		})

	ReleasedTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "reclaim",
			Name:      "released_total",
			Help:      "Counter of terminal transaction descriptors released.",
		})

	PrunedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "reclaim",
			Name:      "entries_pruned_total",
			Help:      "Counter of idle arbitration entries dropped from the table.",
		})

	LowWaterMark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "reclaim",
			Name:      "low_water_mark",
			Help:      "Oldest begin timestamp any live transaction still uses.",
		})

	ClockTs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "clock_ts",
			Help:      "Newest issued timestamp.",
		})
)

func init() {
	prometheus.MustRegister(BeganTxns)
	prometheus.MustRegister(CommittedTxns)
	prometheus.MustRegister(RolledBackTxns)
	prometheus.MustRegister(WriteConflicts)
	prometheus.MustRegister(StaleSnapshots)
	prometheus.MustRegister(LiveTxns)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(FreedVersions)
	prometheus.MustRegister(ReleasedTxns)
	prometheus.MustRegister(PrunedEntries)
	prometheus.MustRegister(LowWaterMark)
	prometheus.MustRegister(ClockTs)
}
