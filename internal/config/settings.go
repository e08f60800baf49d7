package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// settingsFile is the JSON document persisted under Dir(). It mirrors every
// RuntimeConfig field except MaxAdmissionTableSize and OverwriteTolerance,
// which are not saved and always load at their defaults; unset fields stay
// at their zero value and fall through to the package defaults via the
// RuntimeConfig getters.
type settingsFile struct {
	DownloadPath      string `json:"download_path"`
	PreserveStructure *bool  `json:"preserve_structure,omitempty"`

	MaxParallelDownloads int `json:"max_parallel_downloads"`
	MaxChunkConcurrency  int `json:"max_chunk_concurrency"`

	TargetChunkSizeBytes   int64 `json:"target_chunk_size_bytes"`
	MinChunkThresholdBytes int64 `json:"min_chunk_threshold_bytes"`
	MaxChunks              int   `json:"max_chunks"`

	ChunkMaxRetries      int   `json:"chunk_max_retries"`
	RetryBaseBackoffMs   int64 `json:"retry_base_backoff_ms"`
	CircuitThreshold     int   `json:"circuit_threshold"`
	CircuitOpenMs        int64 `json:"circuit_open_ms"`
	CircuitHalfOpenProbe int   `json:"circuit_half_open_probes"`

	ConnectTimeoutMs  int64 `json:"connect_timeout_ms"`
	IdleTimeoutMs     int64 `json:"idle_timeout_ms"`
	ProgressFlushMs   int64 `json:"progress_flush_ms"`
	RateLimitMaxConc  int   `json:"rate_limit_max_concurrent"`
	RateLimitMinMs    int64 `json:"rate_limit_min_time_ms"`

	MaxHistoryInMemory   int `json:"max_history_in_memory"`
	MaxCompletedInMemory int `json:"max_completed_in_memory"`
	MaxFailedInMemory    int `json:"max_failed_in_memory"`

	AutoResumeDownloads *bool `json:"auto_resume_downloads,omitempty"`

	UserAgent string `json:"user_agent,omitempty"`
}

// SettingsPath is the JSON settings file location.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// LoadRuntimeConfig reads SettingsPath and returns the corresponding
// RuntimeConfig. A missing file is not an error: it returns an empty
// RuntimeConfig, which reads back as all-defaults.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	data, err := os.ReadFile(SettingsPath())
	if os.IsNotExist(err) {
		return &RuntimeConfig{}, nil
	}
	if err != nil {
		return nil, err
	}

	var sf settingsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	return settingsToRuntime(sf), nil
}

// SaveRuntimeConfig writes rc to SettingsPath as JSON, creating the config
// directory if needed.
func SaveRuntimeConfig(rc *RuntimeConfig) error {
	if err := EnsureDirs(); err != nil {
		return err
	}

	sf := runtimeToSettings(rc)
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(), data, 0o644)
}

func settingsToRuntime(sf settingsFile) *RuntimeConfig {
	return &RuntimeConfig{
		DownloadPath:           sf.DownloadPath,
		PreserveStructure:      sf.PreserveStructure,
		MaxParallelDownloads:   sf.MaxParallelDownloads,
		MaxChunkConcurrency:    sf.MaxChunkConcurrency,
		TargetChunkSize:        sf.TargetChunkSizeBytes,
		MinChunkThreshold:      sf.MinChunkThresholdBytes,
		MaxChunks:              sf.MaxChunks,
		ChunkMaxRetries:        sf.ChunkMaxRetries,
		RetryBaseBackoff:       time.Duration(sf.RetryBaseBackoffMs) * time.Millisecond,
		CircuitThreshold:       sf.CircuitThreshold,
		CircuitOpenDuration:    time.Duration(sf.CircuitOpenMs) * time.Millisecond,
		CircuitHalfOpenMax:     sf.CircuitHalfOpenProbe,
		ConnectTimeout:         time.Duration(sf.ConnectTimeoutMs) * time.Millisecond,
		IdleReadTimeout:        time.Duration(sf.IdleTimeoutMs) * time.Millisecond,
		ProgressFlushInterval:  time.Duration(sf.ProgressFlushMs) * time.Millisecond,
		RateLimitMaxConcurrent: sf.RateLimitMaxConc,
		RateLimitMinTime:       time.Duration(sf.RateLimitMinMs) * time.Millisecond,
		MaxHistoryInMemory:     sf.MaxHistoryInMemory,
		MaxCompletedInMemory:   sf.MaxCompletedInMemory,
		MaxFailedInMemory:      sf.MaxFailedInMemory,
		AutoResumeDownloads:    sf.AutoResumeDownloads,
		UserAgent:              sf.UserAgent,
	}
}

func runtimeToSettings(rc *RuntimeConfig) settingsFile {
	if rc == nil {
		rc = &RuntimeConfig{}
	}
	return settingsFile{
		DownloadPath:           rc.DownloadPath,
		PreserveStructure:      rc.PreserveStructure,
		MaxParallelDownloads:   rc.MaxParallelDownloads,
		MaxChunkConcurrency:    rc.MaxChunkConcurrency,
		TargetChunkSizeBytes:   rc.TargetChunkSize,
		MinChunkThresholdBytes: rc.MinChunkThreshold,
		MaxChunks:              rc.MaxChunks,
		ChunkMaxRetries:        rc.ChunkMaxRetries,
		RetryBaseBackoffMs:     rc.RetryBaseBackoff.Milliseconds(),
		CircuitThreshold:       rc.CircuitThreshold,
		CircuitOpenMs:          rc.CircuitOpenDuration.Milliseconds(),
		CircuitHalfOpenProbe:   rc.CircuitHalfOpenMax,
		ConnectTimeoutMs:       rc.ConnectTimeout.Milliseconds(),
		IdleTimeoutMs:          rc.IdleReadTimeout.Milliseconds(),
		ProgressFlushMs:        rc.ProgressFlushInterval.Milliseconds(),
		RateLimitMaxConc:       rc.RateLimitMaxConcurrent,
		RateLimitMinMs:         rc.RateLimitMinTime.Milliseconds(),
		MaxHistoryInMemory:     rc.MaxHistoryInMemory,
		MaxCompletedInMemory:   rc.MaxCompletedInMemory,
		MaxFailedInMemory:      rc.MaxFailedInMemory,
		AutoResumeDownloads:    rc.AutoResumeDownloads,
		UserAgent:              rc.UserAgent,
	}
}
