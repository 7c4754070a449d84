package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc holds a running subprocess and its output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binaries builds infergate and mockbackend once per test run.
func binaries(t *testing.T) (infergate, mock string) {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "infergate-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"infergate", "mockbackend"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, "infergate"), filepath.Join(binDir, "mockbackend")
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// start launches binary and waits until its /healthz answers 200.
func start(t *testing.T, binary, addr string, env []string, args ...string) *proc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}
	p := &proc{cmd: cmd, stdout: stdout, url: "http://" + addr}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(p.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\nstdout:\n%s", binary, startupTimeout, stdout.String())
	return nil
}

// startStack runs mockbackend and an infergate pointed at it.
func startStack(t *testing.T, extraEnv ...string) (gate, mock *proc) {
	t.Helper()
	gateBin, mockBin := binaries(t)

	mockAddr := freeAddr(t)
	mock = start(t, mockBin, mockAddr, nil, "--listen-addr", mockAddr, "--delay", "10ms")

	gateAddr := freeAddr(t)
	env := append([]string{
		"INFERGATE_LISTEN_ADDR=" + gateAddr,
		"INFERGATE_BACKEND_URL=" + mock.url,
		"INFERGATE_RESULT_STORE=sqlite",
		"INFERGATE_RESULT_DB_PATH=" + filepath.Join(t.TempDir(), "results.db"),
		"INFERGATE_LOG_LEVEL=info",
	}, extraEnv...)
	gate = start(t, gateBin, gateAddr, env, "serve")
	return gate, mock
}

func enqueue(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/enqueue", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /enqueue: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	return resp.StatusCode, out
}

func waitResult(t *testing.T, url, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/result/" + id)
		if err != nil {
			t.Fatalf("GET /result/%s: %v", id, err)
		}
		var out map[string]any
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if out["status"] == "done" || out["status"] == "failed" {
			return out
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("request %s did not finish in time", id)
	return nil
}

func TestEnqueueAndFetchResult(t *testing.T) {
	gate, _ := startStack(t)

	code, queued := enqueue(t, gate.url, `{"data":"aGVsbG8gd29ybGQ="}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", code, queued)
	}
	if queued["status"] != "queued" {
		t.Fatalf("status = %v, want queued", queued["status"])
	}
	id, ok := queued["id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", queued["id"])
	}

	result := waitResult(t, gate.url, id)
	if result["status"] != "done" {
		t.Fatalf("status = %v, want done (%v)", result["status"], result)
	}
	preds, ok := result["predictions"].([]any)
	if !ok || len(preds) != 5 {
		t.Errorf("predictions = %v, want five labels", result["predictions"])
	}
}

func TestBackendFailureRecorded(t *testing.T) {
	gate, _ := startStack(t, "INFERGATE_BACKEND_URL=http://"+freeAddr(t))

	_, queued := enqueue(t, gate.url, `{"data":"aGVsbG8="}`)
	id, _ := queued["id"].(string)

	result := waitResult(t, gate.url, id)
	if result["status"] != "failed" {
		t.Fatalf("status = %v, want failed", result["status"])
	}
	if msg, _ := result["error"].(string); msg == "" {
		t.Error("failed result has empty error")
	}
}

func TestUnknownResultIs404(t *testing.T) {
	gate, _ := startStack(t)

	resp, err := http.Get(gate.url + "/result/does-not-exist")
	if err != nil {
		t.Fatalf("GET /result: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStructuredRequestLogs(t *testing.T) {
	gate, _ := startStack(t)

	resp, err := http.Get(gate.url + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(gate.stdout.String(), `"path":"/v1/stats"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(gate.stdout.String()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" && entry["path"] == "/v1/stats" {
			for _, key := range []string{"method", "status", "duration_ms", "http_request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing %q", key)
				}
			}
			return
		}
	}
	t.Errorf("no request log line for /v1/stats\nstdout:\n%s", gate.stdout.String())
}
