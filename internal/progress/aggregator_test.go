package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/myrientdl/myrientdl/internal/events"
)

type recordingObserver struct {
	mu      sync.Mutex
	batches [][]events.DownloadProgress
}

func (r *recordingObserver) OnProgress(events.DownloadProgress) {}
func (r *recordingObserver) OnProgressBatch(b []events.DownloadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}
func (r *recordingObserver) OnStateChange(events.StateChange)       {}
func (r *recordingObserver) OnRestored(events.Restored)             {}
func (r *recordingObserver) OnHistoryCleaned(events.HistoryCleaned) {}
func (r *recordingObserver) OnError(events.ErrorNotification)       {}

func (r *recordingObserver) last() []events.DownloadProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestTrackAndReportBytesComputesPercent(t *testing.T) {
	obs := &recordingObserver{}
	a := New(nil, obs, time.Hour)

	a.Track("d1", 1000)
	a.ReportBytes("d1", 500)
	a.flushOnce()

	b := obs.last()
	if len(b) != 1 {
		t.Fatalf("expected 1 entry in batch, got %d", len(b))
	}
	if b[0].DownloadedBytes != 500 {
		t.Errorf("DownloadedBytes = %d, want 500", b[0].DownloadedBytes)
	}
	if b[0].Percent != 0.5 {
		t.Errorf("Percent = %f, want 0.5", b[0].Percent)
	}
}

func TestReportChunkDeltaAccumulatesAcrossChunks(t *testing.T) {
	obs := &recordingObserver{}
	a := New(nil, obs, time.Hour)

	a.Track("d1", 2000)
	a.ReportChunkDelta("d1", 0, 1000, 400, false)
	a.ReportChunkDelta("d1", 1, 1000, 300, false)
	a.flushOnce()

	b := obs.last()
	if b[0].DownloadedBytes != 700 {
		t.Errorf("DownloadedBytes = %d, want 700 (sum across chunks)", b[0].DownloadedBytes)
	}
	if b[0].ActiveChunks != 2 {
		t.Errorf("ActiveChunks = %d, want 2", b[0].ActiveChunks)
	}

	a.ReportChunkDelta("d1", 0, 1000, 1000, true)
	a.flushOnce()
	b = obs.last()
	if b[0].DownloadedBytes != 1300 {
		t.Errorf("DownloadedBytes = %d, want 1300 after chunk 0 completes", b[0].DownloadedBytes)
	}
	if b[0].CompletedChunks != 1 {
		t.Errorf("CompletedChunks = %d, want 1", b[0].CompletedChunks)
	}
}

func TestUntrackFlushesImmediatelyAndStopsAcceptingUpdates(t *testing.T) {
	obs := &recordingObserver{}
	a := New(nil, obs, time.Hour)

	a.Track("d1", 100)
	a.ReportBytes("d1", 100)
	a.Untrack("d1")

	if obs.count() != 1 {
		t.Fatalf("expected exactly 1 flush from Untrack, got %d", obs.count())
	}

	a.ReportBytes("d1", 999) // should be a no-op: d1 no longer tracked
	a.flushOnce()
	if obs.count() != 1 {
		t.Errorf("expected no further flush after Untrack, got %d batches", obs.count())
	}
}

func TestFlushOnceSkipsWhenNothingTracked(t *testing.T) {
	obs := &recordingObserver{}
	a := New(nil, obs, time.Hour)

	a.flushOnce()
	if obs.count() != 0 {
		t.Errorf("expected no flush with nothing tracked, got %d", obs.count())
	}
}

func TestStartStopFlushesOnTimerAndOnStop(t *testing.T) {
	obs := &recordingObserver{}
	a := New(nil, obs, 10*time.Millisecond)

	a.Track("d1", 100)
	a.ReportBytes("d1", 10)
	a.Start()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	if obs.count() == 0 {
		t.Error("expected at least one timer-driven flush")
	}
}
