// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

func testLogger(t *testing.T, config Config) *Logger {
	t.Helper()
	if config.Dir == "" {
		config.Dir = t.TempDir()
	}
	l, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entryFor(event datatypes.AuditEvent, proposalID string) datatypes.AuditEntry {
	e := datatypes.NewAuditEntry(event)
	e.ProposalID = proposalID
	return e
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	l := testLogger(t, Config{})
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalCreated, "p-1")))
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalApproved, "p-1")))
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventChangeApplied, "p-1")))

	entries, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, datatypes.EventChangeApplied, entries[0].Event)
	assert.Equal(t, datatypes.EventProposalCreated, entries[2].Event)

	assert.Equal(t, Stats{Written: 3}, l.Stats())
}

// TestAppendStampsDefaults verifies bare entries get an ID, timestamp,
// and actor on the way in.
func TestAppendStampsDefaults(t *testing.T) {
	l := testLogger(t, Config{})

	err := l.Append(context.Background(), datatypes.AuditEntry{
		Event:      datatypes.EventProposalCreated,
		ProposalID: "p-1",
	})
	require.NoError(t, err)

	entries, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "system", entries[0].Actor)
}

func TestAppendRejectsMissingEvent(t *testing.T) {
	l := testLogger(t, Config{})
	err := l.Append(context.Background(), datatypes.AuditEntry{ProposalID: "p-1"})
	require.Error(t, err)
}

// TestRotationShiftsFiles verifies the .1/.2 shift chain and the
// rotation hook.
func TestRotationShiftsFiles(t *testing.T) {
	dir := t.TempDir()
	rotated := make(chan string, 4)
	l := testLogger(t, Config{
		Dir:             dir,
		MaxFileSize:     400,
		MaxRotatedFiles: 2,
		OnRotate:        func(path string) { rotated <- path },
	})
	ctx := context.Background()

	// Each entry is well over 100 bytes encoded; enough to force
	// several rotations.
	for i := 0; i < 20; i++ {
		e := entryFor(datatypes.EventProposalCreated, fmt.Sprintf("p-%02d", i))
		e.Detail = map[string]any{"filler": strings.Repeat("x", 100)}
		require.NoError(t, l.Append(ctx, e))
	}

	assert.FileExists(t, filepath.Join(dir, "audit.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "audit.jsonl.1"))
	assert.FileExists(t, filepath.Join(dir, "audit.jsonl.2"))
	assert.NoFileExists(t, filepath.Join(dir, "audit.jsonl.3"), "rotation must respect MaxRotatedFiles")

	assert.Greater(t, l.Stats().Rotations, uint64(1))

	select {
	case path := <-rotated:
		assert.Equal(t, filepath.Join(dir, "audit.jsonl.1"), path)
	case <-time.After(2 * time.Second):
		t.Fatal("OnRotate hook never fired")
	}
}

// TestQuerySpansRotatedFiles verifies history remains queryable after
// the entries that hold it have been rotated out of the current file.
func TestQuerySpansRotatedFiles(t *testing.T) {
	l := testLogger(t, Config{Dir: t.TempDir(), MaxFileSize: 300, MaxRotatedFiles: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalCreated, fmt.Sprintf("p-%02d", i))))
	}

	entries, err := l.Query(Filter{ProposalID: "p-00", Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1, "oldest entry should still be reachable via rotated files")

	all, err := l.Recent(100)
	require.NoError(t, err)
	assert.Len(t, all, 12)
}

func TestQueryFilters(t *testing.T) {
	l := testLogger(t, Config{})
	ctx := context.Background()

	old := entryFor(datatypes.EventProposalCreated, "p-old")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, l.Append(ctx, old))
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalCreated, "p-new")))
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventSyncFailedDLQ, "p-new")))

	byEvent, err := l.Query(Filter{Events: []datatypes.AuditEvent{datatypes.EventSyncFailedDLQ}})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "p-new", byEvent[0].ProposalID)

	byProposal, err := l.Query(Filter{ProposalID: "p-new"})
	require.NoError(t, err)
	assert.Len(t, byProposal, 2)

	since, err := l.Query(Filter{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := l.Query(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// TestSubscribeReceivesLiveEntries verifies the fan-out feed and its
// cancel function.
func TestSubscribeReceivesLiveEntries(t *testing.T) {
	l := testLogger(t, Config{})
	ctx := context.Background()

	feed, cancel := l.Subscribe()
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalApproved, "p-1")))

	select {
	case entry := <-feed:
		assert.Equal(t, datatypes.EventProposalApproved, entry.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the entry")
	}

	cancel()
	_, open := <-feed
	assert.False(t, open, "cancel must close the feed")

	// Appends after cancel still succeed.
	require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalRejected, "p-2")))
}

// TestSlowSubscriberDropsNotBlocks verifies a stalled consumer costs
// events, not append latency.
func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	l := testLogger(t, Config{})
	ctx := context.Background()

	_, cancel := l.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, l.Append(ctx, entryFor(datatypes.EventProposalCreated, "p-1")))
	}

	assert.GreaterOrEqual(t, l.Stats().Dropped, uint64(5))
}

func TestPruneRemovesAgedRotations(t *testing.T) {
	dir := t.TempDir()
	l := testLogger(t, Config{Dir: dir, Retention: 24 * time.Hour})

	oldPath := filepath.Join(dir, "audit.jsonl.1")
	freshPath := filepath.Join(dir, "audit.jsonl.2")
	require.NoError(t, os.WriteFile(oldPath, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("{}\n"), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, stale, stale))

	removed, err := l.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, freshPath)
	assert.FileExists(t, l.Path(), "current file is never pruned")
}

// TestRecordSwallowsFailures verifies the best-effort path counts the
// failure instead of surfacing it.
func TestRecordSwallowsFailures(t *testing.T) {
	l := testLogger(t, Config{})

	bad := entryFor(datatypes.EventChangeApplied, "p-1")
	bad.Detail = map[string]any{"unencodable": make(chan int)}

	l.Record(context.Background(), bad)

	assert.Equal(t, uint64(1), l.Stats().Failed)
	assert.Equal(t, uint64(0), l.Stats().Written)
}

func TestMalformedLinesSkippedOnQuery(t *testing.T) {
	dir := t.TempDir()
	l := testLogger(t, Config{Dir: dir})
	require.NoError(t, l.Append(context.Background(), entryFor(datatypes.EventProposalCreated, "p-1")))

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(context.Background(), entryFor(datatypes.EventChangeApplied, "p-1")))

	entries, err := l.Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
