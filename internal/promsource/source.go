// Package promsource reads the aggregate request rate from a Prometheus
// server with an instant query.
package promsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DefaultQuery sums the per-second request rate over the last minute.
const DefaultQuery = "rate(inference_requests_total[1m])"

// ErrUnexpectedResult is returned when the query yields a type other than a
// vector or scalar.
var ErrUnexpectedResult = errors.New("unexpected query result type")

// ErrNoValidSamples is returned when every sample in a non-empty vector is NaN.
var ErrNoValidSamples = errors.New("no valid samples in query result")

// Source evaluates a PromQL expression and reports its value as a request rate.
type Source struct {
	api    promv1.API
	query  string
	logger *slog.Logger
}

// New creates a Source for the Prometheus server at address.
func New(address, query string, logger *slog.Logger) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return NewWithAPI(promv1.NewAPI(client), query, logger), nil
}

// NewWithAPI creates a Source around an existing query API.
func NewWithAPI(a promv1.API, query string, logger *slog.Logger) *Source {
	if query == "" {
		query = DefaultQuery
	}
	return &Source{api: a, query: query, logger: logger}
}

// Query returns the expression this source evaluates.
func (s *Source) Query() string {
	return s.query
}

// RequestRate runs the instant query. Multiple series are summed, and an
// empty vector means no traffic. NaN samples are skipped so one stale series
// cannot hide the others; a vector with only NaN samples is an error.
func (s *Source) RequestRate(ctx context.Context) (float64, error) {
	val, warnings, err := s.api.Query(ctx, s.query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", s.query, err)
	}
	for _, w := range warnings {
		s.logger.Warn("prometheus query warning", "query", s.query, "warning", w)
	}

	switch v := val.(type) {
	case model.Vector:
		var total float64
		valid := 0
		for _, sample := range v {
			f := float64(sample.Value)
			if math.IsNaN(f) {
				s.logger.Warn("skipping NaN sample", "query", s.query, "series", sample.Metric.String())
				continue
			}
			total += f
			valid++
		}
		if len(v) > 0 && valid == 0 {
			return 0, fmt.Errorf("%w: %d NaN samples", ErrNoValidSamples, len(v))
		}
		return total, nil
	case *model.Scalar:
		return float64(v.Value), nil
	case nil:
		return 0, fmt.Errorf("%w: empty response", ErrUnexpectedResult)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedResult, val.Type())
	}
}
