package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chaintrace_webhook_deliveries_total",
	Help: "Total webhook delivery attempts, by event type and success.",
}, []string{"event", "success"})
