// Package loadgen drives concurrent load against the admission endpoint and
// polls each admitted request until it completes.
package loadgen

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultConcurrency       = 5
	DefaultRequestsPerWorker = 20
	DefaultPollInterval      = time.Second
	DefaultMaxWait           = 20 * time.Second
	DefaultPayloadSize       = 4096
)

// ErrNoImages is returned when ImageDir holds no .jpg, .jpeg or .png files.
var ErrNoImages = errors.New("no image files found")

// Config describes one load run.
type Config struct {
	// BaseURL is the dispatcher address, e.g. http://localhost:8080.
	BaseURL           string
	Concurrency       int
	RequestsPerWorker int
	// Delay separates consecutive requests from the same worker.
	Delay        time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	// ImageDir, when set, supplies the payloads. Otherwise each request
	// carries PayloadSize random bytes.
	ImageDir    string
	PayloadSize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RequestsPerWorker <= 0 {
		c.RequestsPerWorker = DefaultRequestsPerWorker
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.PayloadSize <= 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	return c
}

// Report summarizes a finished run.
type Report struct {
	Sent     int
	Dropped  int
	Done     int
	Failed   int
	TimedOut int
	Errors   int

	Elapsed    time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
}

// Outcome of a single request.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeDropped
	outcomeTimedOut
	outcomeError
)

type recorder struct {
	mu           sync.Mutex
	report       Report
	totalLatency time.Duration
}

func (r *recorder) record(o outcome, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Sent++
	switch o {
	case outcomeDone:
		r.report.Done++
		r.totalLatency += latency
		r.report.MaxLatency = max(r.report.MaxLatency, latency)
	case outcomeFailed:
		r.report.Failed++
	case outcomeDropped:
		r.report.Dropped++
	case outcomeTimedOut:
		r.report.TimedOut++
	case outcomeError:
		r.report.Errors++
	}
}

// Generator sends requests and polls for their results.
type Generator struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	images []string
}

// New validates cfg and prepares a generator. A nil client gets a 10s timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Generator, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	g := &Generator{cfg: cfg, client: client, logger: logger}
	if cfg.ImageDir != "" {
		images, err := listImages(cfg.ImageDir)
		if err != nil {
			return nil, err
		}
		g.images = images
	}
	return g, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	return images, nil
}

// Run starts Concurrency workers, each sending RequestsPerWorker requests, and
// waits for all of them. Cancelling ctx stops the run early; the partial
// report is still returned.
func (g *Generator) Run(ctx context.Context) (*Report, error) {
	g.logger.Info("starting load",
		"base_url", g.cfg.BaseURL,
		"concurrency", g.cfg.Concurrency,
		"requests_per_worker", g.cfg.RequestsPerWorker,
	)

	start := time.Now()
	rec := &recorder{}
	eg, gctx := errgroup.WithContext(ctx)

	for w := range g.cfg.Concurrency {
		eg.Go(func() error {
			return g.worker(gctx, w, rec)
		})
	}
	err := eg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	report := rec.report
	report.Elapsed = time.Since(start)
	if report.Done > 0 {
		report.AvgLatency = rec.totalLatency / time.Duration(report.Done)
	}

	if err != nil && ctx.Err() == nil {
		return &report, err
	}
	g.logger.Info("load complete",
		"sent", report.Sent,
		"done", report.Done,
		"failed", report.Failed,
		"dropped", report.Dropped,
		"timed_out", report.TimedOut,
		"errors", report.Errors,
		"elapsed", report.Elapsed.String(),
	)
	return &report, nil
}

func (g *Generator) worker(ctx context.Context, n int, rec *recorder) error {
	logger := g.logger.With("worker", n)

	for i := range g.cfg.RequestsPerWorker {
		if i > 0 && g.cfg.Delay > 0 {
			if err := sleep(ctx, g.cfg.Delay); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		o, err := g.one(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("request failed", "error", err)
		}
		rec.record(o, time.Since(start))
	}
	return nil
}

type enqueueResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type resultResponse struct {
	Status      string          `json:"status"`
	Predictions json.RawMessage `json:"predictions"`
	Error       string          `json:"error"`
}

// one sends a single request and polls until it completes or MaxWait passes.
func (g *Generator) one(ctx context.Context) (outcome, error) {
	payload, err := g.payload()
	if err != nil {
		return outcomeError, err
	}
	body, err := json.Marshal(map[string]string{"data": payload})
	if err != nil {
		return outcomeError, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return outcomeError, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return outcomeError, fmt.Errorf("enqueue: %w", err)
	}
	var queued enqueueResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&queued)
	resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return outcomeDropped, nil
	}
	if resp.StatusCode != http.StatusOK {
		return outcomeError, fmt.Errorf("enqueue: unexpected status %d", resp.StatusCode)
	}
	if decodeErr != nil || queued.ID == "" {
		return outcomeError, errors.New("enqueue: no request id returned")
	}

	deadline := time.Now().Add(g.cfg.MaxWait)
	for time.Now().Before(deadline) {
		res, err := g.result(ctx, queued.ID)
		if err != nil {
			return outcomeError, err
		}
		switch res.Status {
		case "done":
			g.logger.Debug("prediction", "id", queued.ID, "predictions", string(res.Predictions))
			return outcomeDone, nil
		case "failed":
			g.logger.Debug("request failed", "id", queued.ID, "reason", res.Error)
			return outcomeFailed, nil
		}
		if err := sleep(ctx, g.cfg.PollInterval); err != nil {
			return outcomeError, err
		}
	}
	return outcomeTimedOut, nil
}

func (g *Generator) result(ctx context.Context, id string) (*resultResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/result/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("poll result %s: unexpected status %d", id, resp.StatusCode)
	}
	var res resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// payload returns a base64-encoded random image or random bytes.
func (g *Generator) payload() (string, error) {
	if len(g.images) > 0 {
		raw, err := os.ReadFile(g.images[mrand.IntN(len(g.images))])
		if err != nil {
			return "", fmt.Errorf("read image: %w", err)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	}
	raw := make([]byte, g.cfg.PayloadSize)
	_, _ = rand.Read(raw)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
