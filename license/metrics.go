package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No session_id labels: sessions are short-lived and unbounded in number.
var (
	// OperationsTotal counts remote license operations by op and result.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_license_operations_total",
		Help: "Total number of remote license operations, by op and result (ok, error, timeout).",
	}, []string{"op", "result"})

	// OperationSeconds observes remote license operation latency.
	OperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_license_operation_seconds",
		Help:    "Latency of remote license operations, by op.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// InFlight tracks mutating remote calls currently outstanding.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_license_inflight",
		Help: "Current number of in-flight acquire, renew and release calls.",
	})

	// ActiveSessions tracks sessions holding a live key set.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_license_active_sessions",
		Help: "Current number of sessions holding a live key set.",
	})
)
