package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/infergate/internal/model"
)

// Admission outcome label values.
const (
	outcomeQueued  = "queued"
	outcomeDropped = "dropped"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_queue_depth",
			Help: "Number of tasks waiting in the work queue.",
		},
	)

	queueCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_queue_capacity",
			Help: "Maximum number of tasks the work queue can hold.",
		},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_admissions_total",
			Help: "Total number of submitted tasks by admission outcome.",
		},
		[]string{"outcome"},
	)

	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_dispatches_total",
			Help: "Total number of dispatched tasks by terminal status.",
		},
		[]string{"status"},
	)

	backendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infergate_backend_request_duration_seconds",
			Help:    "Duration of individual inference backend calls, in seconds.",
			Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueCapacity)
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(backendDuration)

	// Pre-initialize label combinations so they appear in /metrics with value 0.
	admissionsTotal.WithLabelValues(outcomeQueued)
	admissionsTotal.WithLabelValues(outcomeDropped)
	dispatchesTotal.WithLabelValues(model.StatusDone)
	dispatchesTotal.WithLabelValues(model.StatusFailed)
}
