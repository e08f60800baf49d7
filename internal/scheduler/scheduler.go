// Package scheduler is the Queue Scheduler (C9): a bounded-concurrency FIFO
// admission gate over queued downloads, with restart reconciliation.
// Grounded on the teacher's internal/download/pool.go WorkerPool (taskChan,
// downloads/queued maps, ActiveCount, GracefulShutdown's polling loop) —
// the closest one-to-one match in the whole pack — adapted from "fixed pool
// of N goroutines pulling off a channel" to "admit up to max_parallel_downloads
// by created_at order, re-admit on finish, reconcile on restart".
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StartFunc is called once per admitted download, in its own goroutine,
// with a context the Scheduler cancels if the download is cancelled while
// running. The Scheduler does not track completion itself — callers must
// call OnFinish when the download leaves its active state.
type StartFunc func(ctx context.Context, id string)

// AdmitFunc reports whether id may be admitted right now, independent of
// the parallelism slot check. An id that fails this check is left at its
// place in the queue and retried on the next admission pass. A nil
// AdmitFunc admits everything.
type AdmitFunc func(id string) bool

type queuedEntry struct {
	id      string
	addedAt time.Time
}

type activeEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler admits queued download ids up to maxParallel at a time, FIFO by
// the time each id was enqueued.
type Scheduler struct {
	maxParallel int
	start       StartFunc

	mu     sync.Mutex
	queue  []queuedEntry
	active map[string]activeEntry

	debounce time.Duration
	pending  bool
	timer    *time.Timer

	canAdmit AdmitFunc
}

// New builds a Scheduler. maxParallel is clamped to at least 1.
func New(maxParallel int, debounce time.Duration, start StartFunc) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{
		maxParallel: maxParallel,
		start:       start,
		active:      make(map[string]activeEntry),
		debounce:    debounce,
	}
}

// Enqueue adds id to the FIFO queue if it is neither already queued nor
// active, and schedules an admission attempt. Returns false if id was
// already tracked (enqueue is idempotent).
func (s *Scheduler) Enqueue(id string, addedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.active[id]; active {
		return false
	}
	for _, e := range s.queue {
		if e.id == id {
			return false
		}
	}

	s.queue = append(s.queue, queuedEntry{id: id, addedAt: addedAt})
	sort.SliceStable(s.queue, func(i, j int) bool { return s.queue[i].addedAt.Before(s.queue[j].addedAt) })
	s.scheduleAdmitLocked()
	return true
}

// Reconcile re-enqueues every id in ids (already ordered oldest-first),
// skipping ones already tracked. Intended for the startup path: load every
// unfinished download from the store and hand the ids here.
func (s *Scheduler) Reconcile(ids []string, addedAt map[string]time.Time) {
	for _, id := range ids {
		s.Enqueue(id, addedAt[id])
	}
}

// OnFinish releases id's active slot and attempts to admit the next queued
// id. Call this whenever a download leaves an active state (completed,
// interrupted, cancelled, or paused).
func (s *Scheduler) OnFinish(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()

	s.admitNow()
}

// SetAdmitFunc installs an additional admission gate consulted alongside
// the parallelism cap, e.g. the resource circuit breaker. Intended to be
// called once, right after New and before the first Enqueue.
func (s *Scheduler) SetAdmitFunc(fn AdmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canAdmit = fn
}

// Cancel stops id if it is running, or removes it from the queue if it
// hasn't started yet. Returns true if id was found in either place.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.active[id]; ok {
		entry.cancel()
		delete(s.active, id)
		return true
	}

	for i, e := range s.queue {
		if e.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveCount reports how many downloads are currently admitted.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// QueuedIDs reports the current FIFO queue, oldest first.
func (s *Scheduler) QueuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.queue))
	for i, e := range s.queue {
		ids[i] = e.id
	}
	return ids
}

// scheduleAdmitLocked debounces admission attempts: called with s.mu held.
func (s *Scheduler) scheduleAdmitLocked() {
	if s.debounce <= 0 {
		go s.admitNow()
		return
	}
	if s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		s.admitNow()
	})
}

// admitNow walks the queue in FIFO order, admitting each id that passes
// canAdmit until the pool is full, and starting each admitted one in its
// own goroutine. An id that fails canAdmit (e.g. its resource breaker is
// open) stays queued at its original position for the next pass.
func (s *Scheduler) admitNow() {
	s.mu.Lock()
	type toStart struct {
		id  string
		ctx context.Context
	}
	var starting []toStart
	remaining := s.queue[:0:0]
	for _, e := range s.queue {
		if len(s.active) >= s.maxParallel {
			remaining = append(remaining, e)
			continue
		}
		if s.canAdmit != nil && !s.canAdmit(e.id) {
			remaining = append(remaining, e)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.active[e.id] = activeEntry{ctx: ctx, cancel: cancel}
		starting = append(starting, toStart{id: e.id, ctx: ctx})
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, ts := range starting {
		go s.start(ts.ctx, ts.id)
	}
}
