// mockbackend stands in for the inference service during local runs and
// end-to-end tests. It serves POST /infer with five fixed-vocabulary labels
// and exports the same request metrics the real model server does.
// Usage: go run ./cmd/mockbackend --listen-addr :8000
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/seantiz/infergate/internal/config"
)

// labels is a slice of the ImageNet vocabulary.
var labels = []string{
	"tabby cat", "tiger cat", "Persian cat", "Egyptian cat", "lynx",
	"golden retriever", "Labrador retriever", "beagle", "pug", "Siberian husky",
	"goldfish", "great white shark", "hen", "ostrich", "bald eagle",
	"banana", "pineapple", "strawberry", "espresso", "pizza",
	"sports car", "mountain bike", "airliner", "container ship", "steam locomotive",
}

const topK = 5

type options struct {
	delay    time.Duration
	failRate float64
}

type mockServer struct {
	opts     options
	registry *prometheus.Registry
	requests prometheus.Counter
	duration prometheus.Histogram
	logger   *slog.Logger
}

func newMockServer(opts options, logger *slog.Logger) *mockServer {
	m := &mockServer{
		opts:     opts,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference requests.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of inference durations in seconds.",
			Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}),
		logger: logger,
	}
	m.registry.MustRegister(m.requests, m.duration)
	return m
}

func (m *mockServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/infer", m.handleInfer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

type inferRequest struct {
	Data json.RawMessage `json:"data"`
}

type inferResponse struct {
	Predictions []string `json:"predictions"`
}

func (m *mockServer) handleInfer(w http.ResponseWriter, r *http.Request) {
	m.requests.Inc()
	start := time.Now()
	defer func() { m.duration.Observe(time.Since(start).Seconds()) }()

	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Data) == 0 {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	// String payloads must be base64, like the image bytes the real model expects.
	var s string
	if json.Unmarshal(req.Data, &s) == nil {
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			http.Error(w, `{"error":"data is not valid base64"}`, http.StatusBadRequest)
			return
		}
	}

	if m.opts.delay > 0 {
		select {
		case <-time.After(m.opts.delay):
		case <-r.Context().Done():
			return
		}
	}

	if m.opts.failRate > 0 && rand.Float64() < m.opts.failRate {
		http.Error(w, `{"error":"inference failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(inferResponse{Predictions: predict(req.Data)}); err != nil {
		m.logger.Error("encode response", "error", err)
	}
}

// predict picks topK distinct labels deterministically from the payload.
func predict(data []byte) []string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	seed := h.Sum64()

	out := make([]string, 0, topK)
	for i := range topK {
		out = append(out, labels[(seed+uint64(i)*7)%uint64(len(labels))])
	}
	return out
}

func main() {
	fs := pflag.NewFlagSet("mockbackend", pflag.ExitOnError)
	addr := fs.String("listen-addr", ":8000", "HTTP listen address")
	delay := fs.Duration("delay", 50*time.Millisecond, "simulated inference time")
	failRate := fs.Float64("fail-rate", 0, "fraction of requests answered with 500")
	_ = fs.Parse(os.Args[1:])

	logger := config.NewLogger(os.Stdout, slog.LevelInfo)
	m := newMockServer(options{delay: *delay, failRate: *failRate}, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           m.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mockbackend: starting", "addr", *addr, "delay", delay.String(), "fail_rate", *failRate)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
