package engine

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/myrientdl/myrientdl/internal/catalog"
	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/store"
	"github.com/myrientdl/myrientdl/internal/types"
)

func testConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{
		TargetChunkSize:       10,
		MinChunkThreshold:     1 << 30, // force serial path, keep tests simple
		MaxChunks:             4,
		MaxChunkConcurrency:   2,
		ChunkMaxRetries:       1,
		RetryBaseBackoff:      time.Millisecond,
		ProgressFlushInterval: 10 * time.Millisecond,
		ConnectTimeout:        2 * time.Second,
	}
}

func newTestEngine(t *testing.T, cat catalog.Catalog) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := New(st, cat, events.NullObserver{}, testConfig())
	t.Cleanup(e.Stop)
	return e, st
}

func singleFileCatalog(url string) catalog.Catalog {
	return catalog.NewJSONCatalog([]types.CatalogNode{
		{ID: "root", Title: "Root", Type: types.NodeFolder},
		{ID: "f1", ParentID: "root", Title: "file.bin", Type: types.NodeFile, URL: url},
	})
}

func waitForState(t *testing.T, st *store.Store, id string, want types.State, timeout time.Duration) *types.Download {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := st.GetDownload(id)
		if err == nil && d.State == want {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("download %s did not reach state %v within %v", id, want, timeout)
	return nil
}

func TestDownloadEnqueuesAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	d := waitForState(t, st, id, types.StateCompleted, 2*time.Second)
	if d.URL != srv.URL {
		t.Errorf("URL = %q, want %q", d.URL, srv.URL)
	}
}

func TestDownloadFolderExpandsAndEnqueuesAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cat := catalog.NewJSONCatalog([]types.CatalogNode{
		{ID: "root", Title: "Root", Type: types.NodeFolder},
		{ID: "a", ParentID: "root", Title: "a.bin", Type: types.NodeFile, URL: srv.URL},
		{ID: "b", ParentID: "root", Title: "b.bin", Type: types.NodeFile, URL: srv.URL},
	})

	e, st := newTestEngine(t, cat)
	dir := t.TempDir()

	report, err := e.DownloadFolder("root", dir, false, false)
	if err != nil {
		t.Fatalf("DownloadFolder() error = %v", err)
	}
	if report.TotalFiles != 2 || report.Added != 2 {
		t.Fatalf("report = %+v, want TotalFiles=2 Added=2", report)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all, err := st.LoadAll()
		if err != nil {
			t.Fatal(err)
		}
		done := 0
		for _, d := range all {
			if d.State == types.StateCompleted {
				done++
			}
		}
		if done == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("not all folder downloads completed in time")
}

func TestPauseBlocksUntilResume(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseAll := func() { releaseOnce.Do(func() { close(release) }) }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer releaseAll()

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if err := e.Pause(id); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	d := waitForState(t, st, id, types.StatePaused, time.Second)
	if d.State != types.StatePaused {
		t.Fatalf("state = %v, want paused", d.State)
	}

	if err := e.Resume(id); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	releaseAll()
	waitForState(t, st, id, types.StateCompleted, 2*time.Second)
}

func TestCancelMarksCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer close(block)

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitForState(t, st, id, types.StateCancelled, time.Second)
}

func TestRetryRequeuesInterruptedDownload(t *testing.T) {
	e, st := newTestEngine(t, singleFileCatalog("http://127.0.0.1:1"))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateInterrupted, 2*time.Second)

	if err := e.Retry(id); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	waitForState(t, st, id, types.StateInterrupted, 2*time.Second)
}

func TestConfirmOverwriteRequeuesWithForceOverwrite(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()
	savePath := filepath.Join(dir, "file.bin")
	if err := writeFile(savePath, body); err != nil {
		t.Fatal(err)
	}

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateAwaitingConfirmation, 2*time.Second)

	if err := e.ConfirmOverwrite(id); err != nil {
		t.Fatalf("ConfirmOverwrite() error = %v", err)
	}
	d := waitForState(t, st, id, types.StateCompleted, 2*time.Second)
	if !d.ForceOverwrite {
		t.Error("expected ForceOverwrite to be true after confirm")
	}
}

func TestDeclineOverwriteCancels(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()
	savePath := filepath.Join(dir, "file.bin")
	if err := writeFile(savePath, body); err != nil {
		t.Fatal(err)
	}

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateAwaitingConfirmation, 2*time.Second)

	if err := e.DeclineOverwrite(id); err != nil {
		t.Fatalf("DeclineOverwrite() error = %v", err)
	}
	waitForState(t, st, id, types.StateCancelled, time.Second)
}

func TestDeleteRemovesRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateCompleted, 2*time.Second)

	if err := e.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := st.GetDownload(id); err == nil {
		t.Error("expected GetDownload to fail after Delete")
	}
}

func TestCleanHistoryPrunesOldCompleted(t *testing.T) {
	e, st := newTestEngine(t, catalog.NewJSONCatalog(nil))

	old := &types.Download{
		ID: "old1", Title: "old", URL: "http://x", SavePath: "/tmp/old",
		State: types.StateCompleted, CreatedAt: time.Now().AddDate(0, 0, -30),
		UpdatedAt: time.Now().AddDate(0, 0, -30), CompletedAt: time.Now().AddDate(0, 0, -30),
	}
	if err := st.UpsertDownload(old); err != nil {
		t.Fatal(err)
	}

	count, err := e.CleanHistory(7)
	if err != nil {
		t.Fatalf("CleanHistory() error = %v", err)
	}
	if count != 1 {
		t.Errorf("pruned count = %d, want 1", count)
	}
}

func TestGetDownloadStatsReportsActiveDownload(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer close(block)

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateStarting, 2*time.Second)

	stats, err := e.GetDownloadStats()
	if err != nil {
		t.Fatalf("GetDownloadStats() error = %v", err)
	}
	found := false
	for _, aid := range stats.ActiveIDs {
		if aid == id {
			found = true
		}
	}
	if !found {
		t.Errorf("ActiveIDs = %v, want to contain %q", stats.ActiveIDs, id)
	}
}

func TestRestoreRequeuesUnfinishedDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	d := &types.Download{
		ID: "r1", Title: "r1", URL: srv.URL, SavePath: filepath.Join(t.TempDir(), "r1.bin"),
		State: types.StateProgressing, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := st.UpsertDownload(d); err != nil {
		t.Fatal(err)
	}

	e := New(st, singleFileCatalog(srv.URL), events.NullObserver{}, testConfig())
	defer e.Stop()

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	waitForState(t, st, "r1", types.StateCompleted, 2*time.Second)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// parseRangeHeader parses a "bytes=start-end" Range header for the fake
// chunked-download test server below; end is clamped to bodyLen-1.
func parseRangeHeader(header string, bodyLen int) (int, int) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	start, _ := strconv.Atoi(parts[0])
	end := bodyLen - 1
	if len(parts) > 1 && parts[1] != "" {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			end = n
		}
	}
	if end >= bodyLen {
		end = bodyLen - 1
	}
	return start, end
}

func TestDownloadUsesCatalogIDAsDownloadID(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer close(release)

	e, st := newTestEngine(t, singleFileCatalog(srv.URL))
	dir := t.TempDir()

	id1, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if id1 != "f1" {
		t.Fatalf("id = %q, want catalog id %q", id1, "f1")
	}

	id2, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("second Download() error = %v", err)
	}
	if id2 != id1 {
		t.Fatalf("second Download() id = %q, want %q (same catalog id)", id2, id1)
	}

	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("LoadAll() returned %d rows, want exactly 1 for a single catalog id", len(all))
	}
}

func TestDownloadFolderSkipsAlreadyQueuedFiles(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("x"))
	}))
	defer srv.Close()
	defer close(release)

	cat := catalog.NewJSONCatalog([]types.CatalogNode{
		{ID: "root", Title: "Root", Type: types.NodeFolder},
		{ID: "a", ParentID: "root", Title: "a.bin", Type: types.NodeFile, URL: srv.URL},
		{ID: "b", ParentID: "root", Title: "b.bin", Type: types.NodeFile, URL: srv.URL},
	})

	e, st := newTestEngine(t, cat)
	dir := t.TempDir()

	first, err := e.DownloadFolder("root", dir, false, false)
	if err != nil {
		t.Fatalf("DownloadFolder() error = %v", err)
	}
	if first.Added != 2 || first.Skipped != 0 {
		t.Fatalf("first report = %+v, want Added=2 Skipped=0", first)
	}

	second, err := e.DownloadFolder("root", dir, false, false)
	if err != nil {
		t.Fatalf("second DownloadFolder() error = %v", err)
	}
	if second.Added != 0 || second.Skipped != 2 {
		t.Fatalf("second report = %+v, want Added=0 Skipped=2 (both files already queued)", second)
	}

	all, err := st.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("LoadAll() returned %d rows, want exactly 2 (one per catalog id)", len(all))
	}
}

func TestCancelDeletesChunkPartFiles(t *testing.T) {
	const chunkSize = 4
	body := strings.Repeat("x", chunkSize*3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		start, end := parseRangeHeader(rng, len(body))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start : end+1]))
	}))
	defer srv.Close()

	rc := testConfig()
	rc.MinChunkThreshold = 1
	rc.TargetChunkSize = chunkSize
	rc.MaxChunks = 4

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	e := New(st, singleFileCatalog(srv.URL), events.NullObserver{}, rc)
	defer e.Stop()

	dir := t.TempDir()
	id, err := e.Download("f1", dir, false, false)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	waitForState(t, st, id, types.StateCompleted, 2*time.Second)

	chunks, err := st.LoadChunks(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want a chunked plan", len(chunks))
	}

	// Recreate a stale part file as if a prior attempt had been interrupted.
	stalePart := chunks[0].PartPath(filepath.Join(dir, "file.bin"))
	if err := writeFile(stalePart, "stale"); err != nil {
		t.Fatal(err)
	}

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitForState(t, st, id, types.StateCancelled, time.Second)

	if _, err := os.Stat(stalePart); !os.IsNotExist(err) {
		t.Errorf("part file %s still exists after Cancel(), want it deleted", stalePart)
	}
}
