package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/myrientdl/myrientdl/internal/breaker"
	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/fetch"
	"github.com/myrientdl/myrientdl/internal/progress"
	"github.com/myrientdl/myrientdl/internal/store"
	"github.com/myrientdl/myrientdl/internal/types"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := fetch.New(5*time.Second, "test-agent", 0)
	breakers := breaker.NewRegistry(3, time.Second, 1)
	resourceBreakers := breaker.NewRegistry(3, time.Second, 1)
	agg := progress.New(st, events.NullObserver{}, time.Hour)

	rc := &config.RuntimeConfig{
		TargetChunkSize:     10,
		MinChunkThreshold:   20,
		MaxChunks:           4,
		MaxChunkConcurrency: 2,
		ChunkMaxRetries:     2,
		RetryBaseBackoff:    time.Millisecond,
	}

	return New(st, f, breakers, resourceBreakers, agg, events.NullObserver{}, rc), st
}

func serveBody(body string, acceptRanges bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		if !acceptRanges {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		start, end := parseRange(rng, len(body))
		w.Header().Set("Content-Range", "bytes "+itoa(start)+"-"+itoa(end)+"/"+itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start : end+1]))
	}))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func parseRange(header string, bodyLen int) (int, int) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	start := atoiOrZero(parts[0])
	end := bodyLen - 1
	if len(parts) > 1 && parts[1] != "" {
		end = atoiOrZero(parts[1])
	}
	if end >= bodyLen {
		end = bodyLen - 1
	}
	return start, end
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func TestRunChunkedDownloadCompletes(t *testing.T) {
	body := strings.Repeat("abcdefghij", 5) // 50 bytes, above min_chunk_threshold=20
	srv := serveBody(body, true)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	d := &types.Download{ID: "d1", URL: srv.URL, SavePath: filepath.Join(dir, "out.bin"), State: types.StateQueued}

	rq := o.Run(context.Background(), d)
	if rq != nil {
		t.Fatalf("unexpected requeue: %+v", rq)
	}
	if d.State != types.StateCompleted {
		t.Fatalf("final state = %v, want completed", d.State)
	}

	data, err := os.ReadFile(d.SavePath)
	if err != nil {
		t.Fatalf("read save path: %v", err)
	}
	if string(data) != body {
		t.Errorf("downloaded contents = %q, want %q", data, body)
	}
}

func TestRunSerialDownloadWhenRangesUnsupported(t *testing.T) {
	body := "short body"
	srv := serveBody(body, false)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	d := &types.Download{ID: "d2", URL: srv.URL, SavePath: filepath.Join(dir, "out.bin"), State: types.StateQueued}

	rq := o.Run(context.Background(), d)
	if rq != nil {
		t.Fatalf("unexpected requeue: %+v", rq)
	}
	if d.State != types.StateCompleted {
		t.Fatalf("final state = %v, want completed", d.State)
	}
	if d.Chunked {
		t.Error("expected a serial (non-chunked) plan")
	}

	data, err := os.ReadFile(d.SavePath)
	if err != nil {
		t.Fatalf("read save path: %v", err)
	}
	if string(data) != body {
		t.Errorf("downloaded contents = %q, want %q", data, body)
	}
}

func TestRunDetectsExistingFileAsAwaitingConfirmation(t *testing.T) {
	body := strings.Repeat("x", 100)
	srv := serveBody(body, true)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(savePath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	d := &types.Download{ID: "d3", URL: srv.URL, SavePath: savePath, State: types.StateQueued}
	rq := o.Run(context.Background(), d)
	if rq != nil {
		t.Fatalf("unexpected requeue: %+v", rq)
	}
	if d.State != types.StateAwaitingConfirmation {
		t.Fatalf("state = %v, want awaiting-confirmation", d.State)
	}
}

func TestRunFailsOnUnreachableHost(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	d := &types.Download{ID: "d4", URL: "http://127.0.0.1:1", SavePath: filepath.Join(dir, "out.bin"), State: types.StateQueued}

	rq := o.Run(context.Background(), d)
	if rq != nil {
		t.Fatalf("unexpected requeue: %+v", rq)
	}
	if d.State != types.StateInterrupted {
		t.Fatalf("state = %v, want interrupted", d.State)
	}
	if d.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestRunRequeuesWhenResourceBreakerIsOpen(t *testing.T) {
	body := strings.Repeat("x", 100)
	srv := serveBody(body, true)
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := fetch.New(5*time.Second, "test-agent", 0)
	hostBreakers := breaker.NewRegistry(3, time.Second, 1)
	resourceBreakers := breaker.NewRegistry(3, time.Second, 1)
	agg := progress.New(st, events.NullObserver{}, time.Hour)
	rc := &config.RuntimeConfig{
		TargetChunkSize:     10,
		MinChunkThreshold:   1 << 30, // force serial path
		MaxChunks:           4,
		MaxChunkConcurrency: 2,
		ChunkMaxRetries:     2,
		RetryBaseBackoff:    time.Millisecond,
	}
	o := New(st, f, hostBreakers, resourceBreakers, agg, events.NullObserver{}, rc)

	d := &types.Download{ID: "d5", URL: srv.URL, SavePath: filepath.Join(t.TempDir(), "out.bin"), State: types.StateQueued}
	resourceBreakers.Get(d.ID).Failure()
	resourceBreakers.Get(d.ID).Failure()
	resourceBreakers.Get(d.ID).Failure() // trips at threshold 3

	rq := o.Run(context.Background(), d)
	if rq == nil || rq.ID != d.ID {
		t.Fatalf("Run() = %+v, want a requeue for %q", rq, d.ID)
	}
	if d.State != types.StateQueued {
		t.Fatalf("state = %v, want queued (requeued, not failed)", d.State)
	}
}
