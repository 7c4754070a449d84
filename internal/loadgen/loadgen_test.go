package loadgen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDispatcher admits up to capacity requests and reports each one as
// pending for pendingPolls polls before returning outcome.
type fakeDispatcher struct {
	mu           sync.Mutex
	capacity     int
	pendingPolls int
	outcome      string
	admitted     int
	polls        map[string]int
	payloads     []string
}

func newFakeDispatcher(capacity, pendingPolls int, outcome string) *fakeDispatcher {
	return &fakeDispatcher{
		capacity:     capacity,
		pendingPolls: pendingPolls,
		outcome:      outcome,
		polls:        make(map[string]int),
	}
}

func (f *fakeDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/enqueue":
		var req struct {
			Data string `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.payloads = append(f.payloads, req.Data)
		if f.admitted >= f.capacity {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"status":"dropped","reason":"Queue is full"}`)
			return
		}
		f.admitted++
		fmt.Fprintf(w, `{"status":"queued","id":"req-%d"}`, f.admitted)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/result/"):
		id := strings.TrimPrefix(r.URL.Path, "/result/")
		f.polls[id]++
		if f.polls[id] <= f.pendingPolls {
			_, _ = io.WriteString(w, `{"status":"pending"}`)
			return
		}
		switch f.outcome {
		case "done":
			_, _ = io.WriteString(w, `{"status":"done","predictions":["cat"]}`)
		case "failed":
			_, _ = io.WriteString(w, `{"status":"failed","error":"backend down"}`)
		default:
			_, _ = io.WriteString(w, `{"status":"pending"}`)
		}

	default:
		http.NotFound(w, r)
	}
}

func newGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestRunAllDone(t *testing.T) {
	fd := newFakeDispatcher(100, 2, "done")
	srv := httptest.NewServer(fd)
	defer srv.Close()

	g := newGenerator(t, Config{
		BaseURL:           srv.URL + "/",
		Concurrency:       3,
		RequestsPerWorker: 4,
		PollInterval:      time.Millisecond,
		MaxWait:           5 * time.Second,
		PayloadSize:       16,
	})

	report, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Sent != 12 || report.Done != 12 {
		t.Errorf("report = %+v, want 12 sent and done", report)
	}
	if report.AvgLatency <= 0 || report.MaxLatency < report.AvgLatency {
		t.Errorf("latencies avg=%s max=%s", report.AvgLatency, report.MaxLatency)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	raw, err := base64.StdEncoding.DecodeString(fd.payloads[0])
	if err != nil || len(raw) != 16 {
		t.Errorf("payload decoded to %d bytes (err %v), want 16", len(raw), err)
	}
}

func TestRunCountsOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		fd      *fakeDispatcher
		maxWait time.Duration
		check   func(t *testing.T, r *Report)
	}{
		{
			name: "dropped when full",
			fd:   newFakeDispatcher(2, 0, "done"),
			check: func(t *testing.T, r *Report) {
				if r.Done != 2 || r.Dropped != 3 {
					t.Errorf("report = %+v, want 2 done and 3 dropped", r)
				}
			},
		},
		{
			name: "failed",
			fd:   newFakeDispatcher(100, 0, "failed"),
			check: func(t *testing.T, r *Report) {
				if r.Failed != 5 {
					t.Errorf("report = %+v, want 5 failed", r)
				}
			},
		},
		{
			name:    "timed out",
			fd:      newFakeDispatcher(100, 0, "never"),
			maxWait: 20 * time.Millisecond,
			check: func(t *testing.T, r *Report) {
				if r.TimedOut != 5 {
					t.Errorf("report = %+v, want 5 timed out", r)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.fd)
			defer srv.Close()

			maxWait := tt.maxWait
			if maxWait == 0 {
				maxWait = 5 * time.Second
			}
			g := newGenerator(t, Config{
				BaseURL:           srv.URL,
				Concurrency:       1,
				RequestsPerWorker: 5,
				PollInterval:      time.Millisecond,
				MaxWait:           maxWait,
			})

			report, err := g.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Sent != 5 {
				t.Errorf("sent = %d, want 5", report.Sent)
			}
			tt.check(t, report)
		})
	}
}

func TestRunUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	g := newGenerator(t, Config{BaseURL: addr, Concurrency: 2, RequestsPerWorker: 2})
	report, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Errors != 4 {
		t.Errorf("errors = %d, want 4", report.Errors)
	}
}

func TestRunCancelled(t *testing.T) {
	fd := newFakeDispatcher(100, 0, "done")
	srv := httptest.NewServer(fd)
	defer srv.Close()

	g := newGenerator(t, Config{
		BaseURL:           srv.URL,
		Concurrency:       1,
		RequestsPerWorker: 1000,
		Delay:             50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	report, err := g.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Sent == 0 || report.Sent >= 1000 {
		t.Errorf("sent = %d, want a partial run", report.Sent)
	}
}

func TestImagePayloads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cat.JPG"), []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGenerator(t, Config{BaseURL: "http://example.invalid", ImageDir: dir})
	p, err := g.payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")); p != want {
		t.Errorf("payload = %q, want %q", p, want)
	}
}

func TestNewErrors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	if _, err := New(Config{}, nil, logger); err == nil {
		t.Error("expected error for empty base URL")
	}

	_, err := New(Config{BaseURL: "http://x", ImageDir: t.TempDir()}, nil, logger)
	if !errors.Is(err, ErrNoImages) {
		t.Errorf("error = %v, want ErrNoImages", err)
	}
}
