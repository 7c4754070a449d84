package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/infergate/internal/queue"
	"github.com/seantiz/infergate/internal/store"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestAdmissionMetrics(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := NewEngine(queue.New(1), store.NewMemoryStore(), nil, logger, Options{})

	if got := gaugeValue(t, queueCapacity); got != 1 {
		t.Errorf("queue capacity gauge = %v, want 1", got)
	}

	queuedBefore := counterValue(t, admissionsTotal.WithLabelValues(outcomeQueued))
	droppedBefore := counterValue(t, admissionsTotal.WithLabelValues(outcomeDropped))

	ctx := context.Background()
	if _, err := eng.Submit(ctx, []byte(`"a"`)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := eng.Submit(ctx, []byte(`"b"`)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit error = %v, want ErrQueueFull", err)
	}

	if d := counterValue(t, admissionsTotal.WithLabelValues(outcomeQueued)) - queuedBefore; d != 1 {
		t.Errorf("queued admissions delta = %v, want 1", d)
	}
	if d := counterValue(t, admissionsTotal.WithLabelValues(outcomeDropped)) - droppedBefore; d != 1 {
		t.Errorf("dropped admissions delta = %v, want 1", d)
	}
	if got := gaugeValue(t, queueDepth); got != 1 {
		t.Errorf("queue depth gauge = %v, want 1", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"infergate_queue_depth":                      false,
		"infergate_queue_capacity":                   false,
		"infergate_admissions_total":                 false,
		"infergate_dispatches_total":                 false,
		"infergate_backend_request_duration_seconds": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}
