// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gatehouse/pkg/logging"
	"github.com/AleutianAI/gatehouse/services/gatehouse/telemetry"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Load builds the effective configuration.
//
// # Description
//
// Starts from DefaultConfig, merges the file at path over it (YAML
// first, JSON fallback; a missing file is not an error), applies
// GATEHOUSE_* environment overrides, and validates the result.
//
// # Inputs
//
//   - path: Config file location. Empty skips the file step.
//
// # Outputs
//
//   - Config: The effective configuration. On error the partially
//     merged config is still returned so callers can log it.
//   - error: Parse or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile merges the file at path into config. Tries YAML first, then
// JSON. A missing file leaves config untouched.
func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if yamlErr := yaml.Unmarshal(data, config); yamlErr != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", yamlErr, jsonErr)
		}
	}
	return nil
}

// loadEnv applies GATEHOUSE_* environment overrides. Unparseable
// values are ignored rather than fatal so a stray variable cannot keep
// the daemon from starting.
func loadEnv(config *Config) {
	if v := os.Getenv("GATEHOUSE_DATA_DIR"); v != "" {
		config.Data.Dir = v
	}
	if v := os.Getenv("GATEHOUSE_MANAGED_ROOT"); v != "" {
		config.Data.ManagedRoot = v
	}
	if v := os.Getenv("GATEHOUSE_MIN_FREE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Data.MinFreeBytes = n
		}
	}
	if v := os.Getenv("GATEHOUSE_ADDR"); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv("GATEHOUSE_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Approval.WaitTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GATEHOUSE_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Approval.DrainInterval = Duration(d)
		}
	}
	if v := os.Getenv("WEAVIATE_HOST"); v != "" {
		config.Weaviate.Host = v
	}
	if v := os.Getenv("WEAVIATE_SCHEME"); v != "" {
		config.Weaviate.Scheme = v
	}
	if v := os.Getenv("WEAVIATE_API_KEY"); v != "" {
		config.Weaviate.APIKey = v
	}
	if v := os.Getenv("GATEHOUSE_WEBHOOK_URL"); v != "" {
		config.Notify.WebhookURL = v
	}
	if v := os.Getenv("GATEHOUSE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("GATEHOUSE_LOG_FORMAT"); v != "" {
		config.Log.Format = v
	}
	if v := os.Getenv("GATEHOUSE_LOG_DIR"); v != "" {
		config.Log.Dir = v
	}
	if v := os.Getenv("GATEHOUSE_TRACE_EXPORTER"); v != "" {
		config.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("GATEHOUSE_METRIC_EXPORTER"); v != "" {
		config.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("GATEHOUSE_OTLP_ENDPOINT"); v != "" {
		config.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("GATEHOUSE_ENV"); v != "" {
		config.Telemetry.Environment = v
	}
}

// Validate checks field constraints and cross-field consistency.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}

	// Durations carry no validate tags (the validator would read raw
	// nanoseconds), so check them by hand.
	positive := []struct {
		name  string
		value Duration
	}{
		{"server.shutdown_grace", c.Server.ShutdownGrace},
		{"server.rate_limit_window", c.Server.RateLimitWindow},
		{"queue.lock_timeout", c.Queue.LockTimeout},
		{"queue.lock_poll", c.Queue.LockPoll},
		{"queue.stale_lock", c.Queue.StaleLock},
		{"approval.wait_poll", c.Approval.WaitPoll},
		{"approval.wait_timeout", c.Approval.WaitTimeout},
		{"approval.drain_interval", c.Approval.DrainInterval},
		{"sync.retry_delay", c.Sync.RetryDelay},
		{"sync.idle_interval", c.Sync.IdleInterval},
		{"weaviate.timeout", c.Weaviate.Timeout},
		{"resilience.breaker_reset_timeout", c.Resilience.BreakerResetTimeout},
		{"resilience.retry_base_delay", c.Resilience.RetryBaseDelay},
		{"resilience.retry_max_delay", c.Resilience.RetryMaxDelay},
		{"audit.retention", c.Audit.Retention},
		{"audit.prune_interval", c.Audit.PruneInterval},
		{"index.retention", c.Index.Retention},
		{"index.prune_interval", c.Index.PruneInterval},
		{"notify.timeout", c.Notify.Timeout},
		{"notify.throttle", c.Notify.Throttle},
		{"notify.flush_interval", c.Notify.FlushInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}

	if c.Queue.LockPoll > c.Queue.LockTimeout {
		return fmt.Errorf("queue.lock_poll (%s) must not exceed queue.lock_timeout (%s)",
			c.Queue.LockPoll, c.Queue.LockTimeout)
	}
	if c.Approval.WaitPoll > c.Approval.WaitTimeout {
		return fmt.Errorf("approval.wait_poll (%s) must not exceed approval.wait_timeout (%s)",
			c.Approval.WaitPoll, c.Approval.WaitTimeout)
	}
	if c.Resilience.RetryBaseDelay > c.Resilience.RetryMaxDelay {
		return fmt.Errorf("resilience.retry_base_delay (%s) must not exceed resilience.retry_max_delay (%s)",
			c.Resilience.RetryBaseDelay, c.Resilience.RetryMaxDelay)
	}
	return nil
}

// ToTelemetry maps the telemetry section onto the telemetry package's
// config. AllowDegraded is always set: a missing collector must not
// keep the daemon from starting.
func (c Config) ToTelemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    "gatehouse",
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		TraceExporter:  c.Telemetry.TraceExporter,
		MetricExporter: c.Telemetry.MetricExporter,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		SampleRate:     c.Telemetry.SampleRate,
		AllowDegraded:  true,
	}
}

// ToLogging maps the log section onto the logging package's config
// for the named service ("gatehouse" for the daemon, "gatehouse-cli"
// for commands). Validate has already constrained Level and Format,
// so parse failures cannot occur on a loaded Config.
func (c Config) ToLogging(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		JSON:    c.Log.Format == "json",
		Quiet:   c.Log.Quiet,
	}
}

// WriteDefault writes DefaultConfig as YAML to path, creating parent
// directories. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
