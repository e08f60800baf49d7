package components

import (
	"fmt"
	"time"

	"github.com/myrientdl/myrientdl/internal/tui/colors"
	"github.com/myrientdl/myrientdl/internal/types"

	"github.com/charmbracelet/lipgloss"
)

// DownloadStatus is the watch view's display-level status, one per
// types.State plus a rate-limited overlay the engine doesn't persist.
type DownloadStatus int

const (
	StatusQueued DownloadStatus = iota
	StatusStarting
	StatusDownloading
	StatusMerging
	StatusPaused
	StatusAwaitingConfirmation
	StatusComplete
	StatusError
	StatusCancelled
	StatusRateLimited
)

type statusInfo struct {
	icon  string
	label string
	color lipgloss.Color
}

var statusMap = map[DownloadStatus]statusInfo{
	StatusQueued:               {"⋯", "Queued", colors.StatePaused},
	StatusStarting:             {"◔", "Starting", colors.StateDownloading},
	StatusDownloading:          {"⬇", "Downloading", colors.StateDownloading},
	StatusMerging:              {"⚙", "Merging", colors.StateDownloading},
	StatusPaused:               {"⏸", "Paused", colors.StatePaused},
	StatusAwaitingConfirmation: {"?", "Awaiting confirmation", colors.Warning},
	StatusComplete:             {"✔", "Completed", colors.StateDone},
	StatusError:                {"✖", "Error", colors.StateError},
	StatusCancelled:            {"⊘", "Cancelled", colors.Gray},
	StatusRateLimited:          {"⚠", "Rate limited", colors.Warning},
}

// Icon returns the status icon
func (s DownloadStatus) Icon() string {
	if info, ok := statusMap[s]; ok {
		return info.icon
	}
	return "?"
}

// Label returns the status label
func (s DownloadStatus) Label() string {
	if info, ok := statusMap[s]; ok {
		return info.label
	}
	return "Unknown"
}

// Color returns the status color
func (s DownloadStatus) Color() lipgloss.Color {
	if info, ok := statusMap[s]; ok {
		return info.color
	}
	return colors.Gray
}

// Render returns the styled icon + label combination
func (s DownloadStatus) Render() string {
	info := statusMap[s]
	return lipgloss.NewStyle().Foreground(info.color).Render(info.icon + " " + info.label)
}

// RenderWithCountdown returns the styled status with a countdown for rate limiting
func (s DownloadStatus) RenderWithCountdown(rateLimitedUntil time.Time) string {
	info := statusMap[s]
	if s == StatusRateLimited && !rateLimitedUntil.IsZero() {
		remaining := time.Until(rateLimitedUntil).Round(time.Second)
		if remaining > 0 {
			label := fmt.Sprintf("%s (wait %s)", info.label, remaining)
			return lipgloss.NewStyle().Foreground(info.color).Render(info.icon + " " + label)
		}
	}
	return lipgloss.NewStyle().Foreground(info.color).Render(info.icon + " " + info.label)
}

// RenderIcon returns just the styled icon
func (s DownloadStatus) RenderIcon() string {
	info := statusMap[s]
	return lipgloss.NewStyle().Foreground(info.color).Render(info.icon)
}

// DetermineStatus maps a Download's persisted state, plus the rate-limit
// overlay the engine tracks separately, to its watch-view DownloadStatus.
func DetermineStatus(state types.State, rateLimitedUntil time.Time) DownloadStatus {
	if !rateLimitedUntil.IsZero() && time.Now().Before(rateLimitedUntil) {
		return StatusRateLimited
	}
	switch state {
	case types.StateQueued:
		return StatusQueued
	case types.StateStarting:
		return StatusStarting
	case types.StateProgressing:
		return StatusDownloading
	case types.StateMerging:
		return StatusMerging
	case types.StatePaused:
		return StatusPaused
	case types.StateAwaitingConfirmation:
		return StatusAwaitingConfirmation
	case types.StateCompleted:
		return StatusComplete
	case types.StateCancelled:
		return StatusCancelled
	case types.StateInterrupted:
		return StatusError
	default:
		return StatusQueued
	}
}
