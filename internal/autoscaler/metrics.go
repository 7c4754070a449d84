package autoscaler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values for scaling direction and failed tick stage.
const (
	directionUp   = "up"
	directionDown = "down"

	stageMetrics      = "metrics"
	stageOrchestrator = "orchestrator"
	stageScale        = "scale"
)

var (
	observedRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_autoscaler_observed_request_rate",
			Help: "Aggregate request rate read from the metrics source on the last tick.",
		},
	)

	currentReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_autoscaler_current_replicas",
			Help: "Replica count reported by the orchestrator on the last tick.",
		},
	)

	desiredReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_autoscaler_desired_replicas",
			Help: "Replica count computed on the last tick.",
		},
	)

	scalingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_autoscaler_scaling_total",
			Help: "Total number of scale commands issued, by direction.",
		},
		[]string{"direction"},
	)

	tickErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_autoscaler_tick_errors_total",
			Help: "Total number of aborted ticks, by failing stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(observedRate)
	prometheus.MustRegister(currentReplicas)
	prometheus.MustRegister(desiredReplicas)
	prometheus.MustRegister(scalingTotal)
	prometheus.MustRegister(tickErrorsTotal)

	scalingTotal.WithLabelValues(directionUp)
	scalingTotal.WithLabelValues(directionDown)
	tickErrorsTotal.WithLabelValues(stageMetrics)
	tickErrorsTotal.WithLabelValues(stageOrchestrator)
	tickErrorsTotal.WithLabelValues(stageScale)
}
