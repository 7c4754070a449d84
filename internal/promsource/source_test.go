package promsource_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/seantiz/infergate/internal/promsource"
)

// fakePrometheus serves a canned /api/v1/query response and records the
// expressions it was asked to evaluate.
type fakePrometheus struct {
	mu      sync.Mutex
	status  int
	body    string
	queries []string
}

func (f *fakePrometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/query" {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseForm()
	f.mu.Lock()
	f.queries = append(f.queries, r.Form.Get("query"))
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newSource(t *testing.T, status int, body string) (*promsource.Source, *fakePrometheus) {
	t.Helper()
	fp := &fakePrometheus{status: status, body: body}
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	s, err := promsource.New(srv.URL, "", slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fp
}

func TestRequestRate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{
			name: "single series",
			body: `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"job":"resnet"},"value":[1700000000,"1.2"]}]}}`,
			want: 1.2,
		},
		{
			name: "series are summed",
			body: `{"status":"success","data":{"resultType":"vector","result":[` +
				`{"metric":{"pod":"a"},"value":[1700000000,"0.5"]},` +
				`{"metric":{"pod":"b"},"value":[1700000000,"0.25"]}]}}`,
			want: 0.75,
		},
		{
			name: "NaN series skipped",
			body: `{"status":"success","data":{"resultType":"vector","result":[` +
				`{"metric":{"pod":"a"},"value":[1700000000,"4"]},` +
				`{"metric":{"pod":"b"},"value":[1700000000,"NaN"]}]}}`,
			want: 4,
		},
		{
			name: "empty vector is no traffic",
			body: `{"status":"success","data":{"resultType":"vector","result":[]}}`,
			want: 0,
		},
		{
			name: "scalar",
			body: `{"status":"success","data":{"resultType":"scalar","result":[1700000000,"3"]}}`,
			want: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fp := newSource(t, http.StatusOK, tt.body)

			got, err := s.RequestRate(context.Background())
			if err != nil {
				t.Fatalf("RequestRate: %v", err)
			}
			if got != tt.want {
				t.Errorf("rate = %v, want %v", got, tt.want)
			}

			fp.mu.Lock()
			defer fp.mu.Unlock()
			if len(fp.queries) == 0 || fp.queries[0] != promsource.DefaultQuery {
				t.Errorf("queries = %v, want %q", fp.queries, promsource.DefaultQuery)
			}
		})
	}
}

func TestRequestRateAllNaN(t *testing.T) {
	s, _ := newSource(t, http.StatusOK, `{"status":"success","data":{"resultType":"vector","result":[`+
		`{"metric":{"pod":"a"},"value":[1700000000,"NaN"]},`+
		`{"metric":{"pod":"b"},"value":[1700000000,"NaN"]}]}}`)

	_, err := s.RequestRate(context.Background())
	if !errors.Is(err, promsource.ErrNoValidSamples) {
		t.Errorf("error = %v, want ErrNoValidSamples", err)
	}
}

func TestRequestRateUnexpectedType(t *testing.T) {
	s, _ := newSource(t, http.StatusOK, `{"status":"success","data":{"resultType":"matrix","result":[]}}`)

	_, err := s.RequestRate(context.Background())
	if !errors.Is(err, promsource.ErrUnexpectedResult) {
		t.Errorf("error = %v, want ErrUnexpectedResult", err)
	}
}

func TestRequestRateServerError(t *testing.T) {
	s, _ := newSource(t, http.StatusUnprocessableEntity,
		`{"status":"error","errorType":"bad_data","error":"parse error"}`)

	if _, err := s.RequestRate(context.Background()); err == nil {
		t.Error("expected error for failed query")
	}
}

func TestRequestRateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s, err := promsource.New(addr, "sum(rate(x[1m]))", slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Query() != "sum(rate(x[1m]))" {
		t.Errorf("Query() = %q", s.Query())
	}
	if _, err := s.RequestRate(context.Background()); err == nil {
		t.Error("expected error for unreachable server")
	}
}
