package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrace_chain_verifications_total",
		Help: "Total device chain verifications run by the auditor, by result.",
	}, []string{"result"})

	auditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaintrace_audit_runs_total",
		Help: "Total audit passes, by outcome.",
	}, []string{"outcome"})

	failingDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaintrace_audit_failing_devices",
		Help: "Devices whose chain failed verification in the last audit pass.",
	})

	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaintrace_audit_last_run_timestamp_seconds",
		Help: "Unix time the last audit pass completed.",
	})
)
