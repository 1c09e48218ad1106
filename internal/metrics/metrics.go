// Package metrics exposes Prometheus collectors for the allocation service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ApplicationsTotal counts apply attempts by terminal outcome:
	// accepted, duplicate, event_unavailable, capacity_exceeded,
	// persistence_error.
	ApplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "point_applications_total",
			Help: "Total number of point application attempts by outcome",
		},
		[]string{"outcome"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "point_apply_duration_seconds",
			Help:    "Duration of point application requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "point_escalations_total",
			Help: "Total number of persistence failures delegated for retry",
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		ApplicationsTotal,
		ApplyDuration,
		EscalationsTotal,
	)
}
