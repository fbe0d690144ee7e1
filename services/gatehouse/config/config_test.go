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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gatehouse/pkg/logging"
)

// clearEnv blanks every override this package reads so host variables
// cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEHOUSE_DATA_DIR", "GATEHOUSE_MANAGED_ROOT", "GATEHOUSE_MIN_FREE_BYTES",
		"GATEHOUSE_ADDR", "GATEHOUSE_WAIT_TIMEOUT", "GATEHOUSE_DRAIN_INTERVAL",
		"WEAVIATE_HOST", "WEAVIATE_SCHEME", "WEAVIATE_API_KEY",
		"GATEHOUSE_WEBHOOK_URL", "GATEHOUSE_LOG_LEVEL", "GATEHOUSE_LOG_FORMAT",
		"GATEHOUSE_LOG_DIR", "GATEHOUSE_TRACE_EXPORTER", "GATEHOUSE_METRIC_EXPORTER",
		"GATEHOUSE_OTLP_ENDPOINT", "GATEHOUSE_ENV",
	} {
		t.Setenv(key, "")
	}
}

// TestDefaultConfig verifies the production defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, int64(256<<20), cfg.Data.MinFreeBytes)
	assert.Equal(t, 5*time.Second, cfg.Queue.LockTimeout.Std())
	assert.Equal(t, 25*time.Millisecond, cfg.Queue.LockPoll.Std())
	assert.Equal(t, 10*time.Minute, cfg.Queue.StaleLock.Std())
	assert.Equal(t, 5*time.Minute, cfg.Approval.WaitTimeout.Std())
	assert.Equal(t, 5, cfg.Resilience.BreakerFailureThreshold)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 8, cfg.Sync.BatchSize)
	assert.Equal(t, int64(10<<20), cfg.Audit.MaxFileSize)
	assert.Equal(t, 30*24*time.Hour, cfg.Audit.Retention.Std())
	assert.Equal(t, 24*time.Hour, cfg.Index.Retention.Std())
	assert.Equal(t, "localhost:8080", cfg.Weaviate.Host)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRate, 0.001)

	require.NoError(t, cfg.Validate())
}

// TestLoadMissingFileUsesDefaults verifies a nonexistent config file
// is not an error.
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestLoadYAMLOverrides verifies file values merge over defaults and
// untouched sections keep their defaults.
func TestLoadYAMLOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	content := `
server:
  addr: "127.0.0.1:9000"
queue:
  lock_timeout: 250ms
log:
  level: debug
notify:
  burst: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.LockTimeout.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Notify.Burst)

	// Sections the file never mentions stay at defaults.
	assert.Equal(t, 25*time.Millisecond, cfg.Queue.LockPoll.Std())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

// TestLoadJSONFallback verifies a JSON config file parses when YAML
// parsing fails, including duration strings.
func TestLoadJSONFallback(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "gatehouse.json")
	content := `{"server": {"addr": "127.0.0.1:9999"}, "approval": {"wait_timeout": "90s"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Approval.WaitTimeout.Std())
}

// TestLoadEnvOverrides verifies GATEHOUSE_* variables win over both
// defaults and file values.
func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \"127.0.0.1:9000\"\n"), 0o644))

	t.Setenv("GATEHOUSE_ADDR", "127.0.0.1:7777")
	t.Setenv("GATEHOUSE_LOG_LEVEL", "warn")
	t.Setenv("GATEHOUSE_WAIT_TIMEOUT", "90s")
	t.Setenv("WEAVIATE_API_KEY", "secret-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Addr, "env should win over file")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 90*time.Second, cfg.Approval.WaitTimeout.Std())
	assert.Equal(t, "secret-key", cfg.Weaviate.APIKey)
}

// TestLoadRejectsInvalid verifies validation failures surface from
// Load.
func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

// TestValidateCrossChecks verifies the cross-field consistency rules.
func TestValidateCrossChecks(t *testing.T) {
	t.Run("lock poll exceeds timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Queue.LockPoll = Duration(10 * time.Second)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lock_poll")
	})

	t.Run("wait poll exceeds timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Approval.WaitPoll = Duration(10 * time.Minute)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wait_poll")
	})

	t.Run("retry base exceeds max", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Resilience.RetryBaseDelay = Duration(10 * time.Second)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry_base_delay")
	})

	t.Run("zero duration rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Notify.Throttle = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
	})
}

// TestDurationUnmarshalYAML verifies duration strings and integer
// nanoseconds both parse.
func TestDurationUnmarshalYAML(t *testing.T) {
	type doc struct {
		D Duration `yaml:"d"`
	}

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "milliseconds", input: "d: 250ms", want: 250 * time.Millisecond},
		{name: "compound", input: "d: 2h45m", want: 2*time.Hour + 45*time.Minute},
		{name: "integer nanoseconds", input: "d: 1500000000", want: 1500 * time.Millisecond},
		{name: "garbage", input: "d: soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d doc
			err := yaml.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.D.Std())
		})
	}
}

// TestDurationJSONRoundTrip verifies JSON marshaling emits the human
// string form and reads it back.
func TestDurationJSONRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, d, back)
}

// TestPathHelpers verifies the derived data layout.
func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Data.Dir = "/var/lib/gatehouse"

	assert.Equal(t, "/var/lib/gatehouse/queues", cfg.QueueDir())
	assert.Equal(t, "/var/lib/gatehouse/proposals.json", cfg.IndexPath())
	assert.Equal(t, "/var/lib/gatehouse/audit", cfg.AuditDir())
	assert.Equal(t, "/var/lib/gatehouse/notify/pending.jsonl", cfg.SpoolPath())
	assert.Equal(t, "/var/lib/gatehouse/stats/events.jsonl", cfg.StatsPath())
}

// TestWriteDefault verifies first-run config generation and the
// overwrite guard.
func TestWriteDefault(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "conf", "gatehouse.yaml")
	require.NoError(t, WriteDefault(path))

	// The generated file must load cleanly.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Server.Addr)

	err = WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

// TestToTelemetry verifies the telemetry section mapping.
func TestToTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.TraceExporter = "stdout"
	cfg.Telemetry.Environment = "production"
	cfg.Telemetry.SampleRate = 0.25

	tc := cfg.ToTelemetry("1.2.3")

	assert.Equal(t, "gatehouse", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "production", tc.Environment)
	assert.Equal(t, "stdout", tc.TraceExporter)
	assert.InDelta(t, 0.25, tc.SampleRate, 0.001)
	assert.True(t, tc.AllowDegraded, "daemon must start without a collector")
}

// TestToLogging verifies the log section mapping.
func TestToLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"
	cfg.Log.Dir = "/var/log/gatehouse"
	cfg.Log.Quiet = true

	lc := cfg.ToLogging("gatehouse")

	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "/var/log/gatehouse", lc.LogDir)
	assert.Equal(t, "gatehouse", lc.Service)
	assert.False(t, lc.JSON)
	assert.True(t, lc.Quiet)

	cfg.Log.Format = "json"
	assert.True(t, cfg.ToLogging("gatehouse-cli").JSON)
}
