// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Gatehouse service configuration.
//
// Priority is env > file > defaults: Load starts from DefaultConfig,
// merges an optional YAML (or JSON) file over it, applies GATEHOUSE_*
// environment overrides, and validates the result. All duration fields
// accept human strings ("5s", "10m") in both YAML and JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "5s" instead of
// raw nanoseconds. Integer values are still read as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the top-level Gatehouse configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Data contains on-disk layout settings.
	Data DataConfig `json:"data" yaml:"data"`

	// Server contains daemon HTTP settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Queue contains durable queue lease settings.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Approval contains review tier settings.
	Approval ApprovalConfig `json:"approval" yaml:"approval"`

	// Sync contains sync worker settings.
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Weaviate contains graph store connection settings.
	Weaviate WeaviateConfig `json:"weaviate" yaml:"weaviate"`

	// Resilience contains breaker and retry settings.
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`

	// Audit contains audit log rotation settings.
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Index contains proposal index retention settings.
	Index IndexConfig `json:"index" yaml:"index"`

	// Notify contains webhook announcement settings.
	Notify NotifyConfig `json:"notify" yaml:"notify"`

	// Log contains structured logging settings.
	Log LogConfig `json:"log" yaml:"log"`

	// Telemetry contains tracing and metrics settings.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DataConfig fixes where Gatehouse keeps its state and which tree the
// applied changes land in.
type DataConfig struct {
	// Dir holds the queues, index, audit log, spool, and stats store.
	Dir string `json:"dir" yaml:"dir" validate:"required"`

	// ManagedRoot is the tree change proposals are applied into. Every
	// change path is confined to it.
	ManagedRoot string `json:"managed_root" yaml:"managed_root" validate:"required"`

	// MinFreeBytes is the disk preflight floor for Dir's filesystem.
	MinFreeBytes int64 `json:"min_free_bytes" yaml:"min_free_bytes" validate:"min=0"`
}

// ServerConfig contains daemon HTTP settings.
type ServerConfig struct {
	// Addr is the daemon listen address.
	Addr string `json:"addr" yaml:"addr" validate:"required"`

	// ShutdownGrace bounds graceful drain on SIGINT/SIGTERM.
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace"`

	// RateLimitRequests caps proposal intake per RateLimitWindow.
	RateLimitRequests int `json:"rate_limit_requests" yaml:"rate_limit_requests" validate:"min=1"`

	// RateLimitWindow is the sliding intake window.
	RateLimitWindow Duration `json:"rate_limit_window" yaml:"rate_limit_window"`
}

// QueueConfig contains durable queue lease settings.
type QueueConfig struct {
	// LockTimeout bounds one lease acquisition attempt.
	LockTimeout Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// LockPoll is the lease retry interval.
	LockPoll Duration `json:"lock_poll" yaml:"lock_poll"`

	// StaleLock is the age after which a dead holder's lease is
	// reclaimed.
	StaleLock Duration `json:"stale_lock" yaml:"stale_lock"`
}

// ApprovalConfig contains review tier settings.
type ApprovalConfig struct {
	// WaitPoll is the blocking-review index re-read interval.
	WaitPoll Duration `json:"wait_poll" yaml:"wait_poll"`

	// WaitTimeout is the maximum blocking-review wait.
	WaitTimeout Duration `json:"wait_timeout" yaml:"wait_timeout"`

	// DrainInterval is the batch tier's apply cadence.
	DrainInterval Duration `json:"drain_interval" yaml:"drain_interval"`
}

// SyncConfig contains sync worker settings.
type SyncConfig struct {
	// MaxRetries is the per-message retry budget after the first
	// attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"min=0"`

	// RetryDelay seeds the linear backoff schedule.
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay"`

	// IdleInterval is the poll interval when the queue is empty.
	IdleInterval Duration `json:"idle_interval" yaml:"idle_interval"`

	// BatchSize caps how many messages one burst pops.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"min=1"`
}

// WeaviateConfig contains graph store connection settings.
type WeaviateConfig struct {
	// Host is the Weaviate host:port.
	Host string `json:"host" yaml:"host" validate:"required"`

	// Scheme is http or https.
	Scheme string `json:"scheme" yaml:"scheme" validate:"oneof=http https"`

	// APIKey authenticates when set. WEAVIATE_API_KEY overrides.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Timeout bounds one store operation.
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// ResilienceConfig contains breaker and retry settings for the graph
// store path.
type ResilienceConfig struct {
	// BreakerFailureThreshold opens the circuit after this many
	// consecutive failures.
	BreakerFailureThreshold int `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold" validate:"min=1"`

	// BreakerResetTimeout is how long the circuit stays open before
	// probing.
	BreakerResetTimeout Duration `json:"breaker_reset_timeout" yaml:"breaker_reset_timeout"`

	// BreakerHalfOpenMaxCalls caps concurrent half-open probes.
	BreakerHalfOpenMaxCalls int `json:"breaker_half_open_max_calls" yaml:"breaker_half_open_max_calls" validate:"min=1"`

	// RetryMaxAttempts is the exponential-backoff retry budget.
	RetryMaxAttempts int `json:"retry_max_attempts" yaml:"retry_max_attempts" validate:"min=1"`

	// RetryBaseDelay seeds the exponential schedule.
	RetryBaseDelay Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	// RetryMaxDelay caps one backoff step.
	RetryMaxDelay Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
}

// AuditConfig contains audit log rotation settings.
type AuditConfig struct {
	// MaxFileSize rotates the active segment when exceeded.
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size" validate:"min=1"`

	// MaxRotatedFiles caps retained rotated segments.
	MaxRotatedFiles int `json:"max_rotated_files" yaml:"max_rotated_files" validate:"min=1"`

	// Retention drops rotated segments older than this.
	Retention Duration `json:"retention" yaml:"retention"`

	// PruneInterval is the daemon's retention sweep cadence.
	PruneInterval Duration `json:"prune_interval" yaml:"prune_interval"`

	// ArchiveBucket, when set, uploads rotated segments to this GCS
	// bucket.
	ArchiveBucket string `json:"archive_bucket" yaml:"archive_bucket"`
}

// IndexConfig contains proposal index retention settings.
type IndexConfig struct {
	// Retention drops terminal proposals older than this.
	Retention Duration `json:"retention" yaml:"retention"`

	// PruneInterval is the daemon's retention sweep cadence.
	PruneInterval Duration `json:"prune_interval" yaml:"prune_interval"`
}

// NotifyConfig contains webhook announcement settings.
type NotifyConfig struct {
	// WebhookURL receives announcements. Empty disables the notifier.
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`

	// Timeout bounds one webhook request.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// Throttle is the sustained outbound interval.
	Throttle Duration `json:"throttle" yaml:"throttle"`

	// Burst is how many sends may go out back to back.
	Burst int `json:"burst" yaml:"burst" validate:"min=1"`

	// FlushInterval is the daemon's spool retry cadence.
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// LogConfig contains structured logging settings.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is json or text.
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`

	// Dir, when set, duplicates log output into per-day JSON files
	// under this directory. Supports ~ expansion.
	Dir string `json:"dir" yaml:"dir"`

	// Quiet suppresses stderr output (file logging still applies).
	Quiet bool `json:"quiet" yaml:"quiet"`
}

// TelemetryConfig contains tracing and metrics settings.
type TelemetryConfig struct {
	// TraceExporter is otlp, stdout, or none.
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp jaeger stdout none"`

	// MetricExporter is prometheus, stdout, or none.
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver for traces.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate is the fraction of traces to sample.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate" validate:"min=0,max=1"`

	// Environment names the deployment (development, production).
	Environment string `json:"environment" yaml:"environment"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns production defaults rooted under the user's
// home directory (or the working directory when home is unknown).
func DefaultConfig() Config {
	base := ".gatehouse"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".gatehouse")
	}

	return Config{
		Data: DataConfig{
			Dir:          filepath.Join(base, "data"),
			ManagedRoot:  filepath.Join(base, "managed"),
			MinFreeBytes: 256 << 20,
		},
		Server: ServerConfig{
			Addr:              ":8787",
			ShutdownGrace:     Duration(10 * time.Second),
			RateLimitRequests: 30,
			RateLimitWindow:   Duration(60 * time.Second),
		},
		Queue: QueueConfig{
			LockTimeout: Duration(5 * time.Second),
			LockPoll:    Duration(25 * time.Millisecond),
			StaleLock:   Duration(10 * time.Minute),
		},
		Approval: ApprovalConfig{
			WaitPoll:      Duration(2 * time.Second),
			WaitTimeout:   Duration(5 * time.Minute),
			DrainInterval: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			MaxRetries:   3,
			RetryDelay:   Duration(500 * time.Millisecond),
			IdleInterval: Duration(2 * time.Second),
			BatchSize:    8,
		},
		Weaviate: WeaviateConfig{
			Host:    "localhost:8080",
			Scheme:  "http",
			Timeout: Duration(10 * time.Second),
		},
		Resilience: ResilienceConfig{
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     Duration(30 * time.Second),
			BreakerHalfOpenMaxCalls: 2,
			RetryMaxAttempts:        3,
			RetryBaseDelay:          Duration(100 * time.Millisecond),
			RetryMaxDelay:           Duration(5 * time.Second),
		},
		Audit: AuditConfig{
			MaxFileSize:     10 << 20,
			MaxRotatedFiles: 10,
			Retention:       Duration(30 * 24 * time.Hour),
			PruneInterval:   Duration(time.Hour),
		},
		Index: IndexConfig{
			Retention:     Duration(24 * time.Hour),
			PruneInterval: Duration(5 * time.Minute),
		},
		Notify: NotifyConfig{
			Timeout:       Duration(5 * time.Second),
			Throttle:      Duration(2 * time.Second),
			Burst:         3,
			FlushInterval: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "otlp",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			SampleRate:     1.0,
			Environment:    "development",
		},
	}
}

// =============================================================================
// Derived layout
// =============================================================================

// QueueDir returns the directory holding every durable queue topic.
func (c Config) QueueDir() string { return filepath.Join(c.Data.Dir, "queues") }

// IndexPath returns the proposal index file.
func (c Config) IndexPath() string { return filepath.Join(c.Data.Dir, "proposals.json") }

// AuditDir returns the audit log directory.
func (c Config) AuditDir() string { return filepath.Join(c.Data.Dir, "audit") }

// SpoolPath returns the notification fallback spool file.
func (c Config) SpoolPath() string {
	return filepath.Join(c.Data.Dir, "notify", "pending.jsonl")
}

// StatsPath returns the operational event store file.
func (c Config) StatsPath() string {
	return filepath.Join(c.Data.Dir, "stats", "events.jsonl")
}
