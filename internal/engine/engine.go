// Package engine is the Control API (C12): the wiring root owning the
// Store, Scheduler, Breaker Registry and Progress Aggregator, and exposing
// the RPC surface (download/pause/resume/cancel/retry/confirm_overwrite/
// delete/clean_history/get_download_stats) plus the one-way Observer
// emitter. Grounded on the teacher's cmd/server.go / cmd/root.go HTTP
// handler shape (JSON request/response over a local daemon listener),
// generalized to the full RPC list and built as an explicit value rather
// than a package singleton, per the anti-singleton design note.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/myrientdl/myrientdl/internal/breaker"
	"github.com/myrientdl/myrientdl/internal/catalog"
	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/expander"
	"github.com/myrientdl/myrientdl/internal/fetch"
	"github.com/myrientdl/myrientdl/internal/orchestrator"
	"github.com/myrientdl/myrientdl/internal/progress"
	"github.com/myrientdl/myrientdl/internal/scheduler"
	"github.com/myrientdl/myrientdl/internal/store"
	"github.com/myrientdl/myrientdl/internal/types"
)

// Engine is the single owner of every engine-wide dependency. Callers
// construct exactly one per process; nothing here is a package global.
type Engine struct {
	store            *store.Store
	catalog          catalog.Catalog
	orch             *orchestrator.Orchestrator
	sched            *scheduler.Scheduler
	aggregator       *progress.Aggregator
	resourceBreakers *breaker.Registry
	observer         events.Observer
	rc               *config.RuntimeConfig
}

// New wires every component together and starts the Progress Aggregator's
// flush loop. Call Restore once after New to rehydrate unfinished downloads
// from a prior process.
func New(st *store.Store, cat catalog.Catalog, observer events.Observer, rc *config.RuntimeConfig) *Engine {
	if observer == nil {
		observer = events.NullObserver{}
	}

	fetcher := fetch.New(rc.GetConnectTimeout(), rc.GetUserAgent(), 0)
	hostBreakers := breaker.NewRegistry(rc.GetCircuitThreshold(), rc.GetCircuitOpenDuration(), rc.GetCircuitHalfOpenMax())
	resourceBreakers := breaker.NewRegistry(rc.GetCircuitThreshold(), rc.GetCircuitOpenDuration(), rc.GetCircuitHalfOpenMax())
	aggregator := progress.New(st, observer, rc.GetProgressFlushInterval())
	orch := orchestrator.New(st, fetcher, hostBreakers, resourceBreakers, aggregator, observer, rc)

	e := &Engine{store: st, catalog: cat, orch: orch, aggregator: aggregator, resourceBreakers: resourceBreakers, observer: observer, rc: rc}
	e.sched = scheduler.New(rc.GetMaxParallelDownloads(), 100*time.Millisecond, e.runOne)
	e.sched.SetAdmitFunc(func(id string) bool {
		return resourceBreakers.Get(id).CurrentState() != breaker.Open
	})

	aggregator.Start()
	return e
}

// Stop flushes any pending progress and shuts down the aggregator's timer.
func (e *Engine) Stop() {
	e.aggregator.Stop()
}

// Restore rehydrates every unfinished download from the store into the
// scheduler's queue, emitting downloads-restored once reconciliation is
// queued. Call this once at startup, after New.
func (e *Engine) Restore() error {
	downloads, err := e.store.LoadAllUnfinished()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(downloads))
	addedAt := make(map[string]time.Time, len(downloads))
	for _, d := range downloads {
		if d.State == types.StatePaused || d.State == types.StateAwaitingConfirmation {
			continue
		}
		d.State = types.StateQueued
		e.store.UpdateState(d.ID, types.StateQueued, "")
		ids = append(ids, d.ID)
		addedAt[d.ID] = d.CreatedAt
	}

	e.sched.Reconcile(ids, addedAt)

	all, err := e.store.LoadAll()
	if err != nil {
		return err
	}
	restored := make([]string, 0, len(all))
	for _, d := range all {
		restored = append(restored, d.ID)
	}
	e.observer.OnRestored(events.Restored{IDs: restored})
	return nil
}

// runOne is the scheduler's StartFunc: it loads the current row, runs the
// orchestrator, and reacts to a requeue by re-enqueuing immediately.
func (e *Engine) runOne(ctx context.Context, id string) {
	d, err := e.store.GetDownload(id)
	if err != nil {
		e.sched.OnFinish(id)
		return
	}

	rq := e.orch.Run(ctx, d)
	e.sched.OnFinish(id)

	if rq != nil {
		e.sched.Enqueue(rq.ID, d.CreatedAt)
	}
}

// Download starts (or re-enqueues) a single file download by resolving
// fileID against the catalog.
func (e *Engine) Download(fileID, downloadPath string, preserveStructure, forceOverwrite bool) (string, error) {
	node, err := e.catalog.Resolve(fileID)
	if err != nil {
		return "", err
	}

	savePath := filepath.Join(downloadPath, node.Title)
	if preserveStructure {
		ancestors, err := e.catalog.AncestorTitles(fileID)
		if err == nil && len(ancestors) > 0 {
			parts := append(append([]string{downloadPath}, ancestors...), node.Title)
			savePath = filepath.Join(parts...)
		}
	}

	id := node.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	d := &types.Download{
		ID:                id,
		Title:             node.Title,
		URL:               node.URL,
		SavePath:          savePath,
		ForceOverwrite:    forceOverwrite,
		PreserveStructure: preserveStructure,
		State:             types.StateQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.UpsertDownload(d); err != nil {
		return "", err
	}

	e.sched.Enqueue(id, now)
	return id, nil
}

// DownloadURL enqueues an arbitrary URL directly, bypassing catalog
// resolution. This supplements the catalog-driven Download RPC for the
// paste-a-link workflow (e.g. a URL lifted from the clipboard) that the
// catalog has no id for.
func (e *Engine) DownloadURL(rawURL, title, downloadPath string, forceOverwrite bool) (string, error) {
	if title == "" {
		title = filepath.Base(rawURL)
	}

	id := uuid.NewString()
	now := time.Now()
	d := &types.Download{
		ID:             id,
		Title:          title,
		URL:            rawURL,
		SavePath:       filepath.Join(downloadPath, title),
		ForceOverwrite: forceOverwrite,
		State:          types.StateQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.UpsertDownload(d); err != nil {
		return "", err
	}

	e.sched.Enqueue(id, now)
	return id, nil
}

// DownloadFolder recursively enqueues every file under folderID.
func (e *Engine) DownloadFolder(folderID, downloadPath string, preserveStructure, forceOverwrite bool) (expander.Report, error) {
	return expander.Expand(e.catalog, folderID, downloadPath, preserveStructure, func(node types.CatalogNode, savePath string) bool {
		if existing, err := e.store.GetDownload(node.ID); err == nil && existing != nil && !existing.State.Terminal() {
			return false
		}
		id := node.ID
		if id == "" {
			id = uuid.NewString()
		}
		now := time.Now()
		d := &types.Download{
			ID: id, Title: node.Title, URL: node.URL, SavePath: savePath,
			ForceOverwrite: forceOverwrite, PreserveStructure: preserveStructure,
			State: types.StateQueued, CreatedAt: now, UpdatedAt: now,
		}
		if err := e.store.UpsertDownload(d); err != nil {
			return false
		}
		e.sched.Enqueue(id, now)
		return true
	})
}

// Pause cancels id's running context and transitions it to `paused`; the
// orchestrator goroutine unwinds on its own cancellation check.
func (e *Engine) Pause(id string) error {
	e.sched.Cancel(id)
	return e.store.UpdateState(id, types.StatePaused, "")
}

// Resume re-enqueues a paused download.
func (e *Engine) Resume(id string) error {
	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}
	if d.State != types.StatePaused {
		return fmt.Errorf("engine: download %s is not paused", id)
	}
	if err := e.store.UpdateState(id, types.StateQueued, ""); err != nil {
		return err
	}
	e.sched.Enqueue(id, d.CreatedAt)
	return nil
}

// Cancel stops id (if active), marks it cancelled and discards any
// in-progress .partN chunk files, so a later Download/Retry of the same id
// starts from zero rather than resuming stale parts. `interrupted` downloads
// are left untouched by this cleanup so Retry can resume them.
func (e *Engine) Cancel(id string) error {
	e.sched.Cancel(id)
	e.deleteChunkParts(id)
	return e.store.UpdateState(id, types.StateCancelled, "")
}

// deleteChunkParts removes every persisted chunk's .partN file for id.
// Best-effort: a download that never reached the chunked-planning stage
// simply has no chunks to remove.
func (e *Engine) deleteChunkParts(id string) {
	d, err := e.store.GetDownload(id)
	if err != nil || d == nil {
		return
	}
	chunks, err := e.store.LoadChunks(id)
	if err != nil {
		return
	}
	for _, c := range chunks {
		os.Remove(c.PartPath(d.SavePath))
	}
}

// Retry re-queues an interrupted download, preserving its original
// created_at so it does not jump the FIFO line.
func (e *Engine) Retry(id string) error {
	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}
	if d.State != types.StateInterrupted {
		return fmt.Errorf("engine: download %s is not interrupted", id)
	}
	if err := e.store.UpdateState(id, types.StateQueued, ""); err != nil {
		return err
	}
	e.sched.Enqueue(id, d.CreatedAt)
	return nil
}

// ConfirmOverwrite transitions an awaiting-confirmation download back to
// queued with force_overwrite set, so the orchestrator skips the prompt on
// its next attempt.
func (e *Engine) ConfirmOverwrite(id string) error {
	d, err := e.store.GetDownload(id)
	if err != nil {
		return err
	}
	if d.State != types.StateAwaitingConfirmation {
		return fmt.Errorf("engine: download %s is not awaiting confirmation", id)
	}
	d.ForceOverwrite = true
	if err := e.store.UpsertDownload(d); err != nil {
		return err
	}
	if err := e.store.UpdateState(id, types.StateQueued, ""); err != nil {
		return err
	}
	e.sched.Enqueue(id, d.CreatedAt)
	return nil
}

// DeclineOverwrite cancels an awaiting-confirmation download.
func (e *Engine) DeclineOverwrite(id string) error {
	return e.store.UpdateState(id, types.StateCancelled, "")
}

// Delete removes id and its chunk rows entirely.
func (e *Engine) Delete(id string) error {
	e.sched.Cancel(id)
	return e.store.DeleteDownload(id)
}

// CleanHistory prunes completed/cancelled downloads older than daysOld and
// emits history-cleaned.
func (e *Engine) CleanHistory(daysOld int) (int, error) {
	count, err := e.store.PruneOlderThan(daysOld)
	if err != nil {
		return 0, err
	}
	e.observer.OnHistoryCleaned(events.HistoryCleaned{Count: count})
	return count, nil
}

// Stats is get_download_stats()'s payload.
type Stats struct {
	ActiveIDs []string
	QueuedIDs []string
}

// GetDownloadStats reports the current active/queued ids. Active ids come
// from the store (the orchestrator's state transitions are the source of
// truth for "active"); queued ids come from the scheduler's in-memory FIFO.
func (e *Engine) GetDownloadStats() (Stats, error) {
	active, err := e.store.GetActiveIDs()
	if err != nil {
		return Stats{}, err
	}
	return Stats{ActiveIDs: active, QueuedIDs: e.sched.QueuedIDs()}, nil
}
