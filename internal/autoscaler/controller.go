package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultInterval    = 15 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

var (
	// ErrMetricsQuery is returned by Tick when the request rate could not be read.
	ErrMetricsQuery = errors.New("metrics query failed")

	// ErrOrchestratorQuery is returned by Tick when the current replica count
	// could not be read.
	ErrOrchestratorQuery = errors.New("orchestrator query failed")

	// ErrScaleCommand is returned by Tick when the scale command was rejected.
	ErrScaleCommand = errors.New("scale command failed")

	// ErrInvalidConfig is returned by New for unusable bounds or targets.
	ErrInvalidConfig = errors.New("invalid autoscaler config")
)

// RateSource reports the aggregate request rate across all replicas, in
// requests per second.
type RateSource interface {
	RequestRate(ctx context.Context) (float64, error)
}

// Scaler reads and sets the replica count of a deployment.
type Scaler interface {
	Replicas(ctx context.Context, deployment string) (int, error)
	Scale(ctx context.Context, deployment string, replicas int) error
}

// Config controls the replica controller.
type Config struct {
	Deployment           string
	TargetRatePerReplica float64
	MinReplicas          int
	MaxReplicas          int
	// Interval separates the start of consecutive ticks.
	Interval time.Duration
	// CallTimeout bounds each call to the rate source and the scaler.
	CallTimeout time.Duration
}

// Decision describes the outcome of one tick.
type Decision struct {
	Rate    float64
	Current int
	Desired int
	Scaled  bool
}

// Controller periodically resizes a deployment so that the per-replica
// request rate stays near the configured target.
type Controller struct {
	cfg    Config
	source RateSource
	scaler Scaler
	logger *slog.Logger
}

// New validates cfg and returns a controller. Zero Interval and CallTimeout
// fall back to their defaults.
func New(cfg Config, source RateSource, scaler Scaler, logger *slog.Logger) (*Controller, error) {
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("%w: deployment name is required", ErrInvalidConfig)
	}
	if cfg.TargetRatePerReplica <= 0 || math.IsNaN(cfg.TargetRatePerReplica) || math.IsInf(cfg.TargetRatePerReplica, 0) {
		return nil, fmt.Errorf("%w: target rate per replica must be a positive number, got %v", ErrInvalidConfig, cfg.TargetRatePerReplica)
	}
	if cfg.MinReplicas < 0 {
		return nil, fmt.Errorf("%w: min replicas must not be negative, got %d", ErrInvalidConfig, cfg.MinReplicas)
	}
	if cfg.MinReplicas > cfg.MaxReplicas {
		return nil, fmt.Errorf("%w: min replicas %d exceeds max replicas %d", ErrInvalidConfig, cfg.MinReplicas, cfg.MaxReplicas)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Controller{
		cfg:    cfg,
		source: source,
		scaler: scaler,
		logger: logger.With("deployment", cfg.Deployment),
	}, nil
}

// DesiredReplicas returns ceil(rate/target) clamped to [minReplicas, maxReplicas].
// A NaN or negative rate counts as no traffic; an infinite rate yields maxReplicas.
func DesiredReplicas(rate, target float64, minReplicas, maxReplicas int) int {
	if math.IsNaN(rate) || rate < 0 {
		rate = 0
	}
	if math.IsInf(rate, 1) {
		return maxReplicas
	}
	raw := math.Ceil(rate / target)
	if raw >= float64(maxReplicas) {
		return maxReplicas
	}
	n := int(raw)
	if n < minReplicas {
		return minReplicas
	}
	return n
}

// Tick runs one evaluation: read the rate, read the live replica count and
// issue a scale command when the desired count differs. Any failure aborts the
// tick without side effects beyond what already succeeded.
func (c *Controller) Tick(ctx context.Context) (Decision, error) {
	var d Decision

	rate, err := c.requestRate(ctx)
	if err != nil {
		tickErrorsTotal.WithLabelValues(stageMetrics).Inc()
		return d, fmt.Errorf("%w: %w", ErrMetricsQuery, err)
	}
	d.Rate = rate
	observedRate.Set(sanitizeRate(rate))

	current, err := c.replicas(ctx)
	if err != nil {
		tickErrorsTotal.WithLabelValues(stageOrchestrator).Inc()
		return d, fmt.Errorf("%w: %w", ErrOrchestratorQuery, err)
	}
	d.Current = current
	currentReplicas.Set(float64(current))

	d.Desired = DesiredReplicas(rate, c.cfg.TargetRatePerReplica, c.cfg.MinReplicas, c.cfg.MaxReplicas)
	desiredReplicas.Set(float64(d.Desired))

	if d.Desired == current {
		c.logger.Debug("replica count unchanged", "rate", rate, "replicas", current)
		return d, nil
	}

	if err := c.scale(ctx, d.Desired); err != nil {
		tickErrorsTotal.WithLabelValues(stageScale).Inc()
		return d, fmt.Errorf("%w: %w", ErrScaleCommand, err)
	}
	d.Scaled = true
	scalingTotal.WithLabelValues(direction(current, d.Desired)).Inc()

	c.logger.Info("scaled deployment",
		"rate", rate,
		"from", current,
		"to", d.Desired,
	)
	return d, nil
}

// Run ticks immediately and then every Interval until ctx is cancelled. Ticks
// run on a single goroutine so they never overlap. Tick errors are logged and
// the loop continues.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("autoscaler started",
		"interval", c.cfg.Interval.String(),
		"target_rate_per_replica", c.cfg.TargetRatePerReplica,
		"min_replicas", c.cfg.MinReplicas,
		"max_replicas", c.cfg.MaxReplicas,
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("autoscaler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("autoscaler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) requestRate(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.source.RequestRate(ctx)
}

func (c *Controller) replicas(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.scaler.Replicas(ctx, c.cfg.Deployment)
}

func (c *Controller) scale(ctx context.Context, n int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.scaler.Scale(ctx, c.cfg.Deployment, n)
}

func sanitizeRate(rate float64) float64 {
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	return rate
}

func direction(from, to int) string {
	if to > from {
		return directionUp
	}
	return directionDown
}
