package changeledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrace_blocks_appended_total",
		Help: "Total blocks appended to device chains by backend.",
	}, []string{"backend"})

	appendConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrace_append_conflicts_total",
		Help: "Total appends that lost a race for the chain tip and were retried or failed.",
	}, []string{"backend"})

	appendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chaintrace_append_duration_seconds",
		Help:    "Append duration in seconds, including conflict retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	integrityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrace_integrity_violations_total",
		Help: "Total chain verifications that found a violation, by kind.",
	}, []string{"kind"})
)
