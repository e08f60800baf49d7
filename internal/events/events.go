// Package events defines the one-way emitter and payload shapes the engine
// sends to an Observer (a UI or the watch CLI command). Grounded in shape on
// the teacher's internal/engine/events/events.go message types, regrouped to
// the event list in the control API design.
package events

import "time"

// ChunkProgress is one chunk's contribution to a batch progress event.
type ChunkProgress struct {
	Index           int
	DownloadedBytes int64
	Size            int64
	Completed       bool
}

// DownloadProgress is one download's coalesced progress snapshot, emitted
// either alone (download-progress) or batched with others
// (download-progress-batch).
type DownloadProgress struct {
	ID               string
	DownloadedBytes  int64
	Percent          float64
	SpeedBytesPerSec float64
	ETASeconds       float64
	ActiveChunks     int
	CompletedChunks  int
	ChunkProgress    []ChunkProgress
}

// StateChange is emitted whenever a Download transitions state.
type StateChange struct {
	ID        string
	State     string
	LastError string
	At        time.Time
}

// Restored is the startup payload: every non-deleted Download, so the
// Scheduler's caller can rehydrate UI state.
type Restored struct {
	IDs []string
}

// HistoryCleaned reports the outcome of clean_history(days_old).
type HistoryCleaned struct {
	Count int
}

// ErrorNotification is a non-fatal engine error surfaced to the observer.
type ErrorNotification struct {
	Kind    string
	Message string
}

// Observer receives one-way events from the engine. The engine never reads
// UI state back through this interface.
type Observer interface {
	OnProgress(DownloadProgress)
	OnProgressBatch([]DownloadProgress)
	OnStateChange(StateChange)
	OnRestored(Restored)
	OnHistoryCleaned(HistoryCleaned)
	OnError(ErrorNotification)
}

// NullObserver discards every event; useful as a default when no Observer
// is attached (e.g. headless batch use).
type NullObserver struct{}

func (NullObserver) OnProgress(DownloadProgress)        {}
func (NullObserver) OnProgressBatch([]DownloadProgress) {}
func (NullObserver) OnStateChange(StateChange)          {}
func (NullObserver) OnRestored(Restored)                {}
func (NullObserver) OnHistoryCleaned(HistoryCleaned)    {}
func (NullObserver) OnError(ErrorNotification)          {}
