// Package orchestrator is the Download Orchestrator (C8): it owns the
// per-file state machine (queued/starting/progressing/merging/completed,
// plus paused/awaiting-confirmation/cancelled/interrupted), coordinating
// the Chunk Planner, HTTP Fetcher, Chunk Worker Pool, Merge Worker and
// Store for one Download. Grounded on the teacher's
// ConcurrentDownloader.Download top-level control flow (probe → plan →
// spawn workers → wait → finalize → rename) in
// internal/engine/concurrent/downloader.go, and types.ProgressState's
// CancelFunc/Paused atomic bool for pause/cancel wiring.
package orchestrator

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/myrientdl/myrientdl/internal/breaker"
	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/fetch"
	"github.com/myrientdl/myrientdl/internal/merge"
	"github.com/myrientdl/myrientdl/internal/planner"
	"github.com/myrientdl/myrientdl/internal/progress"
	"github.com/myrientdl/myrientdl/internal/store"
	"github.com/myrientdl/myrientdl/internal/types"
	"github.com/myrientdl/myrientdl/internal/workerpool"
)

// Requeue is returned by Run when the download should go back to the
// scheduler's queue rather than staying terminal, e.g. a host or resource
// breaker is open and the attempt should be retried later.
type Requeue struct {
	ID string
}

// Orchestrator runs one Download's full lifecycle from `starting` onward.
type Orchestrator struct {
	store            *store.Store
	fetcher          *fetch.Fetcher
	breakers         *breaker.Registry // per-host, keyed by URL host
	resourceBreakers *breaker.Registry // per-resource, keyed by download id
	aggregator       *progress.Aggregator
	observer         events.Observer
	rc               *config.RuntimeConfig
}

// New builds an Orchestrator. Any nil dependency falls back to a safe
// no-op (observer only — store/fetcher/breakers/resourceBreakers/aggregator
// are required).
func New(st *store.Store, fetcher *fetch.Fetcher, breakers, resourceBreakers *breaker.Registry, aggregator *progress.Aggregator, observer events.Observer, rc *config.RuntimeConfig) *Orchestrator {
	if observer == nil {
		observer = events.NullObserver{}
	}
	return &Orchestrator{store: st, fetcher: fetcher, breakers: breakers, resourceBreakers: resourceBreakers, aggregator: aggregator, observer: observer, rc: rc}
}

// Run drives download d from `starting` to a terminal (or requeue) state.
// It is meant to be called as the scheduler's StartFunc: ctx is cancelled
// on pause/cancel.
func (o *Orchestrator) Run(ctx context.Context, d *types.Download) *Requeue {
	o.setState(d, types.StateStarting, "")

	if err := os.MkdirAll(filepath.Dir(d.SavePath), 0o755); err != nil {
		o.fail(d, types.NewError(types.ErrFilesystem, "create destination directory", err))
		return nil
	}

	probe, err := o.fetcher.Probe(ctx, d.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if o.handleBreakerDefer(d, err) {
			o.setState(d, types.StateQueued, "")
			return &Requeue{ID: d.ID}
		}
		o.fail(d, err)
		return nil
	}

	d.TotalBytes = probe.TotalBytes
	if d.Title == "" && probe.Filename != "" {
		d.Title = probe.Filename
	}

	if !d.ForceOverwrite {
		if existing, statErr := os.Stat(d.SavePath); statErr == nil {
			if withinTolerance(existing.Size(), d.TotalBytes, o.rc.GetOverwriteTolerance()) {
				o.setState(d, types.StateAwaitingConfirmation, "")
				return nil
			}
		}
	}

	plan := planner.PlanFor(d.ID, d.TotalBytes, probe.AcceptRanges, planner.Params{
		TargetChunkSize:   o.rc.GetTargetChunkSize(),
		MinChunkThreshold: o.rc.GetMinChunkThreshold(),
		MaxChunks:         o.rc.GetMaxChunks(),
	})
	d.Chunked = plan.Chunked
	d.NumChunks = plan.NumChunks

	if plan.Chunked {
		if err := o.store.ReplaceChunkPlan(d.ID, plan.Chunks); err != nil {
			o.fail(d, types.NewError(types.ErrStore, "persist chunk plan", err))
			return nil
		}
	}

	o.aggregator.Track(d.ID, d.TotalBytes)
	o.setState(d, types.StateProgressing, "")

	if plan.Chunked {
		return o.runChunked(ctx, d, plan)
	}
	return o.runSerial(ctx, d)
}

func (o *Orchestrator) runChunked(ctx context.Context, d *types.Download, plan planner.Plan) *Requeue {
	hostBreaker := o.breakers.Get(hostOf(d.URL))
	resourceBreaker := o.resourceBreakers.Get(d.ID)
	if !resourceBreaker.Allow() {
		o.aggregator.Untrack(d.ID)
		o.setState(d, types.StateQueued, "")
		return &Requeue{ID: d.ID}
	}

	pool := workerpool.New(o.fetcher, hostBreaker, o.rc.GetChunkMaxRetries(), o.rc.GetRetryBaseBackoff())

	onProgress := func(chunkIndex int, downloadedBytes int64, completed bool) {
		size := int64(0)
		for _, c := range plan.Chunks {
			if c.Index == chunkIndex {
				size = c.Size
				break
			}
		}
		o.aggregator.ReportChunkDelta(d.ID, chunkIndex, size, downloadedBytes, completed)
	}

	err := pool.Run(ctx, d.URL, plan.Chunks, d.SavePath, o.rc.GetMaxChunkConcurrency(), onProgress)
	if err != nil {
		o.aggregator.Untrack(d.ID)
		if ctx.Err() != nil {
			return nil
		}
		if o.handleBreakerDefer(d, err) {
			o.setState(d, types.StateQueued, "")
			return &Requeue{ID: d.ID}
		}
		resourceBreaker.Failure()
		o.fail(d, err)
		return nil
	}

	o.setState(d, types.StateMerging, "")

	mergeErr := merge.Merge(plan.Chunks, d.SavePath, d.TotalBytes, func(written, total int64) {
		o.aggregator.ReportBytes(d.ID, written)
	})
	o.aggregator.Untrack(d.ID)
	if mergeErr != nil {
		resourceBreaker.Failure()
		o.fail(d, mergeErr)
		return nil
	}

	resourceBreaker.Success()
	o.complete(d)
	return nil
}

func (o *Orchestrator) runSerial(ctx context.Context, d *types.Download) *Requeue {
	hostBreaker := o.breakers.Get(hostOf(d.URL))
	resourceBreaker := o.resourceBreakers.Get(d.ID)
	hostAllowed, resourceAllowed := hostBreaker.Allow(), resourceBreaker.Allow()
	if !hostAllowed || !resourceAllowed {
		o.aggregator.Untrack(d.ID)
		o.setState(d, types.StateQueued, "")
		return &Requeue{ID: d.ID}
	}

	body, _, err := o.fetcher.FetchRange(ctx, fetch.RangeRequest{URL: d.URL, Start: 0, End: -1})
	if err != nil {
		o.aggregator.Untrack(d.ID)
		if ctx.Err() != nil {
			return nil
		}
		hostBreaker.Failure()
		resourceBreaker.Failure()
		o.fail(d, err)
		return nil
	}
	defer body.Close()

	f, err := os.OpenFile(d.SavePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		o.aggregator.Untrack(d.ID)
		o.fail(d, types.NewError(types.ErrFilesystem, "open save path", err))
		return nil
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	var written int64
	for {
		if ctx.Err() != nil {
			o.aggregator.Untrack(d.ID)
			return nil
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				o.aggregator.Untrack(d.ID)
				o.fail(d, types.NewError(types.ErrFilesystem, "write save path", writeErr))
				return nil
			}
			written += int64(n)
			o.aggregator.ReportBytes(d.ID, written)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			o.aggregator.Untrack(d.ID)
			if ctx.Err() != nil {
				return nil
			}
			hostBreaker.Failure()
			resourceBreaker.Failure()
			o.fail(d, types.NewError(types.ErrNetwork, "read response body", readErr))
			return nil
		}
	}

	hostBreaker.Success()
	resourceBreaker.Success()
	o.aggregator.Untrack(d.ID)
	d.TotalBytes = written
	o.complete(d)
	return nil
}

func (o *Orchestrator) complete(d *types.Download) {
	d.DownloadedBytes = d.TotalBytes
	d.Progress = 1
	o.setState(d, types.StateCompleted, "")
}

func (o *Orchestrator) fail(d *types.Download, err error) {
	o.setState(d, types.StateInterrupted, err.Error())
	o.observer.OnError(events.ErrorNotification{Kind: kindOf(err), Message: err.Error()})
}

// handleBreakerDefer reports whether err represents an open circuit breaker,
// in which case the download should be requeued rather than failed outright.
func (o *Orchestrator) handleBreakerDefer(d *types.Download, err error) bool {
	ee, ok := err.(*types.EngineError)
	return ok && ee.Kind == types.ErrCircuitOpen
}

func (o *Orchestrator) setState(d *types.Download, state types.State, lastError string) {
	d.State = state
	d.LastError = lastError
	d.UpdatedAt = time.Now()
	if state == types.StateCompleted {
		d.CompletedAt = d.UpdatedAt
	}
	if o.store != nil {
		o.store.UpdateState(d.ID, state, lastError)
	}
	o.observer.OnStateChange(events.StateChange{ID: d.ID, State: string(state), LastError: lastError, At: d.UpdatedAt})
}

func withinTolerance(existing, expected, tolerance int64) bool {
	if expected <= 0 {
		return false
	}
	diff := existing - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func kindOf(err error) string {
	if ee, ok := err.(*types.EngineError); ok {
		return string(ee.Kind)
	}
	return string(types.ErrNetwork)
}
