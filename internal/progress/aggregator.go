// Package progress is the Progress Aggregator (C10): it coalesces per-chunk
// byte deltas into throttled batches flushed to the Store and the Observer.
// Speed is an EWMA over snapshots taken at the flush boundary, following the
// teacher's sliding-window EMA in internal/engine/concurrent/worker.go,
// adapted from per-task to per-download scope.
package progress

import (
	"sync"
	"time"

	"github.com/myrientdl/myrientdl/internal/events"
	"github.com/myrientdl/myrientdl/internal/store"
)

const speedEMAAlpha = 0.3

type chunkState struct {
	downloadedBytes int64
	size            int64
	completed       bool
}

type downloadState struct {
	totalBytes      int64
	downloadedBytes int64
	chunks          map[int]chunkState

	lastFlushBytes int64
	lastFlushAt    time.Time
	speed          float64

	terminal bool
}

// Aggregator owns one downloadState per tracked download and flushes
// coalesced batches on a timer or immediately on state boundaries.
type Aggregator struct {
	store         *store.Store
	observer      events.Observer
	flushInterval time.Duration

	mu        sync.Mutex
	downloads map[string]*downloadState

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an Aggregator. Call Start to begin the timer-driven flush loop
// and Stop to tear it down.
func New(st *store.Store, observer events.Observer, flushInterval time.Duration) *Aggregator {
	if observer == nil {
		observer = events.NullObserver{}
	}
	return &Aggregator{
		store:         st,
		observer:      observer,
		flushInterval: flushInterval,
		downloads:     make(map[string]*downloadState),
		stop:          make(chan struct{}),
	}
}

// Track begins tracking id with the given total size, resetting any prior
// state — called at the `starting` boundary so resets are only observable
// across starting events, per the monotone-progress invariant.
func (a *Aggregator) Track(id string, totalBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloads[id] = &downloadState{
		totalBytes:  totalBytes,
		chunks:      make(map[int]chunkState),
		lastFlushAt: time.Now(),
	}
}

// ReportChunkDelta records chunkIndex's cumulative downloaded bytes for id.
// Only ever increases the per-chunk total: deltas are the caller's concern.
func (a *Aggregator) ReportChunkDelta(id string, chunkIndex int, size int64, downloadedBytes int64, completed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.downloads[id]
	if !ok || d.terminal {
		return
	}

	prev := d.chunks[chunkIndex]
	if downloadedBytes < prev.downloadedBytes {
		downloadedBytes = prev.downloadedBytes
	}
	d.downloadedBytes += downloadedBytes - prev.downloadedBytes
	d.chunks[chunkIndex] = chunkState{downloadedBytes: downloadedBytes, size: size, completed: completed}
}

// ReportBytes records id's (non-chunked) cumulative downloaded bytes.
func (a *Aggregator) ReportBytes(id string, downloadedBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.downloads[id]
	if !ok || d.terminal {
		return
	}
	d.downloadedBytes = downloadedBytes
}

// Untrack marks id terminal and flushes it one last time immediately, per
// the "terminal states always flush before their state event" guarantee.
// No further progress is accepted for id after this.
func (a *Aggregator) Untrack(id string) {
	a.mu.Lock()
	d, ok := a.downloads[id]
	if ok {
		d.terminal = true
	}
	a.mu.Unlock()

	a.flushOnce()

	a.mu.Lock()
	delete(a.downloads, id)
	a.mu.Unlock()
}

// Start launches the timer-driven flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flushOnce()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop after one final flush.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
	a.flushOnce()
}

func (a *Aggregator) flushOnce() {
	batch, deltas := a.snapshotAndComputeSpeed()
	if len(batch) == 0 {
		return
	}

	if a.store != nil {
		if err := a.store.UpdateProgressBatch(deltas); err != nil {
			a.observer.OnError(events.ErrorNotification{Kind: "STORE", Message: err.Error()})
		}
	}
	a.observer.OnProgressBatch(batch)
}

func (a *Aggregator) snapshotAndComputeSpeed() ([]events.DownloadProgress, []store.ProgressDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var batch []events.DownloadProgress
	var deltas []store.ProgressDelta

	for id, d := range a.downloads {
		elapsed := now.Sub(d.lastFlushAt).Seconds()
		if elapsed > 0 {
			recentSpeed := float64(d.downloadedBytes-d.lastFlushBytes) / elapsed
			if d.speed == 0 {
				d.speed = recentSpeed
			} else {
				d.speed = (1-speedEMAAlpha)*d.speed + speedEMAAlpha*recentSpeed
			}
		}
		d.lastFlushBytes = d.downloadedBytes
		d.lastFlushAt = now

		percent := 0.0
		if d.totalBytes > 0 {
			percent = float64(d.downloadedBytes) / float64(d.totalBytes)
			if percent > 1 {
				percent = 1
			}
		}

		eta := 0.0
		if d.speed > 0 && d.totalBytes > 0 {
			remaining := d.totalBytes - d.downloadedBytes
			if remaining > 0 {
				eta = float64(remaining) / d.speed
			}
		}

		var chunkProgress []events.ChunkProgress
		activeChunks, completedChunks := 0, 0
		for idx, c := range d.chunks {
			chunkProgress = append(chunkProgress, events.ChunkProgress{
				Index: idx, DownloadedBytes: c.downloadedBytes, Size: c.size, Completed: c.completed,
			})
			if c.completed {
				completedChunks++
			} else if c.downloadedBytes > 0 {
				activeChunks++
			}
		}

		batch = append(batch, events.DownloadProgress{
			ID:               id,
			DownloadedBytes:  d.downloadedBytes,
			Percent:          percent,
			SpeedBytesPerSec: d.speed,
			ETASeconds:       eta,
			ActiveChunks:     activeChunks,
			CompletedChunks:  completedChunks,
			ChunkProgress:    chunkProgress,
		})
		deltas = append(deltas, store.ProgressDelta{
			ID: id, DownloadedBytes: d.downloadedBytes, Progress: percent, UpdatedAt: now,
		})
	}

	return batch, deltas
}
