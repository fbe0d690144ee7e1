// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/syncer"
)

// Sink must plug straight into the sync worker's stats slot.
var _ syncer.StatsSink = Sink{}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemoryOnly: true, FlushInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFileStore(t *testing.T, path string, mutate func(*Config)) *Store {
	t.Helper()
	cfg := Config{Path: path, FlushInterval: -1}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestOpenRequiresPath verifies a persistent store needs a file.
func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Path is required")
}

// TestRecordAndSummarize verifies the summary rollup over a mixed
// window.
func TestRecordAndSummarize(t *testing.T) {
	s := newMemoryStore(t)

	s.RecordApply("ok", 100*time.Millisecond)
	s.RecordApply("ok", 200*time.Millisecond)
	s.RecordApply("ok", 300*time.Millisecond)
	s.RecordApply("failed", 50*time.Millisecond)

	s.RecordSync("success", "config_change", 1, 20*time.Millisecond)
	s.RecordSync("success", "skill_update", 2, 40*time.Millisecond)
	s.RecordSync("dead_letter", "config_change", 4, 0)
	s.RecordSync("requeued", "skill_update", 1, 10*time.Millisecond)

	s.RecordQueueDepth("sync_out", 3)
	s.RecordQueueDepth("sync_out", 5)
	s.RecordQueueDepth("review", 1)

	s.RecordBreaker("weaviate", "open")
	s.RecordLockReclaim("sync_out")

	sum := s.Summarize(time.Hour)

	assert.Equal(t, 4, sum.ApplyCount)
	assert.Equal(t, 1, sum.ApplyFailures)
	assert.InDelta(t, 0.2, sum.ApplyP50Seconds, 0.001)
	assert.InDelta(t, 0.3, sum.ApplyP99Seconds, 0.001)

	assert.Equal(t, 4, sum.SyncCount)
	assert.Equal(t, 1, sum.SyncDeadLettered)
	assert.Equal(t, 1, sum.SyncRequeued)

	assert.Equal(t, 5, sum.QueueDepth["sync_out"], "latest depth sample wins")
	assert.Equal(t, 1, sum.QueueDepth["review"])

	assert.Equal(t, 1, sum.BreakerTransitions)
	assert.Equal(t, 1, sum.LockReclaims)
	assert.False(t, sum.GeneratedAt.IsZero())
}

// TestSummarizeEmpty verifies an empty window produces zero values
// rather than panics.
func TestSummarizeEmpty(t *testing.T) {
	s := newMemoryStore(t)

	sum := s.Summarize(time.Hour)

	assert.Zero(t, sum.ApplyCount)
	assert.Zero(t, sum.ApplyP50Seconds)
	assert.Nil(t, sum.QueueDepth)
}

// TestPersistenceRoundTrip verifies flushed events survive a reopen.
func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s := newFileStore(t, path, nil)
	s.RecordApply("ok", 150*time.Millisecond)
	s.RecordQueueDepth("sync_out", 7)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	reopened := newFileStore(t, path, nil)

	applies := reopened.Events(KindApply, time.Time{})
	require.Len(t, applies, 1)
	assert.Equal(t, "ok", applies[0].Outcome)
	assert.InDelta(t, 0.15, applies[0].Value, 0.001)

	depths := reopened.Events(KindQueueDepth, time.Time{})
	require.Len(t, depths, 1)
	assert.Equal(t, "sync_out", depths[0].Topic)
}

// TestLoadSkipsExpired verifies retention filters the snapshot on
// load.
func TestLoadSkipsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	old := Event{ID: "old", Kind: KindApply, Outcome: "ok",
		Timestamp: time.Now().UTC().Add(-2 * time.Hour)}
	fresh := Event{ID: "fresh", Kind: KindApply, Outcome: "ok",
		Timestamp: time.Now().UTC().Add(-time.Minute)}

	var lines []byte
	for _, e := range []Event{old, fresh} {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, data...)
		lines = append(lines, '\n')
	}
	require.NoError(t, os.WriteFile(path, lines, 0o644))

	s := newFileStore(t, path, func(c *Config) { c.Retention = time.Hour })

	events := s.Events(KindApply, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].ID)
}

// TestLoadSkipsMalformed verifies one bad line cannot wedge startup.
func TestLoadSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	good := Event{ID: "good", Kind: KindSync, Outcome: "success",
		Timestamp: time.Now().UTC()}
	data, err := json.Marshal(good)
	require.NoError(t, err)

	content := append([]byte("{torn write\n"), data...)
	content = append(content, '\n')
	require.NoError(t, os.WriteFile(path, content, 0o644))

	s := newFileStore(t, path, nil)

	events := s.Events(KindSync, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].ID)
}

// TestFlushNoopWhenClean verifies a flush with nothing new does not
// rewrite the snapshot.
func TestFlushNoopWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s := newFileStore(t, path, nil)
	s.RecordApply("ok", time.Millisecond)
	require.NoError(t, s.Flush(context.Background()))

	// Removing the file makes any rewrite observable.
	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Flush(context.Background()))
	assert.NoFileExists(t, path)
}

// TestRotation verifies oversized snapshots shift to numbered
// backups.
func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s := newFileStore(t, path, func(c *Config) {
		c.MaxFileSize = 64
		c.MaxRotatedFiles = 2
	})

	s.RecordApply("ok", time.Millisecond)
	s.RecordApply("ok", time.Millisecond)
	require.NoError(t, s.Flush(context.Background()))

	// Two events overflow 64 bytes, so the snapshot rotated away.
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".1")

	s.RecordApply("failed", time.Millisecond)
	require.NoError(t, s.Flush(context.Background()))

	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
}

// TestPrune verifies old events drop from memory and the snapshot is
// rewritten.
func TestPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s := newFileStore(t, path, nil)
	s.RecordApply("ok", time.Millisecond)
	s.RecordSync("success", "config_change", 1, time.Millisecond)
	require.NoError(t, s.Flush(context.Background()))

	removed, err := s.Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed, "events within retention stay")

	removed, err = s.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, s.Events(KindApply, time.Time{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "snapshot rewritten without pruned events")
}

// TestEvaluateAlerts verifies each alert condition fires
// independently.
func TestEvaluateAlerts(t *testing.T) {
	s := newMemoryStore(t)

	assert.Empty(t, s.EvaluateAlerts(AlertInputs{}), "healthy system raises nothing")

	t.Run("breaker open", func(t *testing.T) {
		alerts := s.EvaluateAlerts(AlertInputs{BreakerOpen: true})
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertBreakerOpen, alerts[0].Code)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
	})

	t.Run("dlq backlog", func(t *testing.T) {
		alerts := s.EvaluateAlerts(AlertInputs{DeadLetters: 4})
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertDLQBacklog, alerts[0].Code)
		assert.Contains(t, alerts[0].Detail, "4")
	})

	t.Run("disk low", func(t *testing.T) {
		alerts := s.EvaluateAlerts(AlertInputs{DiskFreeBytes: 100, DiskFloorBytes: 200})
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertDiskLow, alerts[0].Code)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
	})

	t.Run("stale locks", func(t *testing.T) {
		s.RecordLockReclaim("sync_out")
		alerts := s.EvaluateAlerts(AlertInputs{})
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertStaleLocks, alerts[0].Code)
		assert.Contains(t, alerts[0].Detail, "1 stale queue leases")
	})
}

// TestSinkAdapter verifies the worker-facing adapter records through
// to the store and never closes it.
func TestSinkAdapter(t *testing.T) {
	s := newMemoryStore(t)
	sink := Sink{Store: s}

	sink.RecordSync("success", "config_change", 2, 30*time.Millisecond)
	sink.Close()

	events := s.Events(KindSync, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Attempts)

	// The store itself still works after the sink's no-op Close.
	s.RecordApply("ok", time.Millisecond)
	assert.Len(t, s.Events(KindApply, time.Time{}), 1)
}

// TestCloseFlushes verifies Close snapshots pending events and is
// idempotent.
func TestCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s, err := Open(Config{Path: path, FlushInterval: -1})
	require.NoError(t, err)

	s.RecordApply("ok", time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("%q", KindApply))
}

// TestBackgroundFlush verifies the ticker persists without an explicit
// Flush call.
func TestBackgroundFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s, err := Open(Config{Path: path, FlushInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	s.RecordQueueDepth("sync_out", 2)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	}, 2*time.Second, 10*time.Millisecond, "background flush should write the snapshot")
}
