// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/graph"
	"github.com/AleutianAI/gatehouse/services/gatehouse/queue"
)

// scriptedWriter fails each key a configured number of times before
// succeeding, or always, depending on the script.
type scriptedWriter struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error // always fail with this error
	flaky    map[string]int   // fail this many times, then succeed
	batches  int
}

func newScriptedWriter() *scriptedWriter {
	return &scriptedWriter{
		calls:    make(map[string]int),
		failures: make(map[string]error),
		flaky:    make(map[string]int),
	}
}

func (s *scriptedWriter) Upsert(_ context.Context, entity datatypes.SyncEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[entity.Key]++
	if err, ok := s.failures[entity.Key]; ok {
		return err
	}
	if remaining := s.flaky[entity.Key]; remaining > 0 {
		s.flaky[entity.Key] = remaining - 1
		return &graph.TransportError{Op: "graph.upsert", Err: errors.New("connection reset")}
	}
	return nil
}

func (s *scriptedWriter) UpsertBatch(ctx context.Context, entities []datatypes.SyncEntity) (graph.BatchOutcome, error) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()

	outcome := make(graph.BatchOutcome)
	for _, e := range entities {
		if err := s.Upsert(ctx, e); err != nil {
			outcome[e.Key] = err
		}
	}
	return outcome, nil
}

func (s *scriptedWriter) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

type workerFixture struct {
	worker *Worker
	queue  *queue.Queue
	dlq    *queue.Queue
	writer *scriptedWriter
	audit  *audit.Logger
}

func newWorkerFixture(t *testing.T, mutate func(*Config)) *workerFixture {
	t.Helper()
	dir := t.TempDir()

	syncQueue, err := queue.Open(dir, "sync-out", queue.Config{})
	require.NoError(t, err)
	dlq, err := queue.Open(dir, "sync-dlq", queue.Config{})
	require.NoError(t, err)
	auditLog, err := audit.Open(audit.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	writer := newScriptedWriter()
	config := Config{
		Queue:        syncQueue,
		DeadLetters:  dlq,
		Store:        writer,
		Audit:        auditLog,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		IdleInterval: 10 * time.Millisecond,
		BatchSize:    1,
	}
	if mutate != nil {
		mutate(&config)
	}

	w, err := New(config)
	require.NoError(t, err)
	return &workerFixture{worker: w, queue: syncQueue, dlq: dlq, writer: writer, audit: auditLog}
}

func pushEntity(t *testing.T, q *queue.Queue, key string) {
	t.Helper()
	_, err := q.Push(context.Background(), datatypes.SyncEntity{
		Key:        key,
		Kind:       "skill",
		Properties: map[string]any{"name": key},
	})
	require.NoError(t, err)
}

// runUntil runs the worker until cond holds or the deadline passes.
func (f *workerFixture) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.worker.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("worker never reached expected state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestWorkerSyncsQueuedEntities(t *testing.T) {
	f := newWorkerFixture(t, nil)
	pushEntity(t, f.queue, "skill/summarize-logs")
	pushEntity(t, f.queue, "skill/fetch-weather")

	f.runUntil(t, func() bool { return f.worker.Stats().Processed == 2 })

	length, err := f.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	dlqLen, err := f.dlq.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dlqLen)

	events, err := f.audit.Query(audit.Filter{Events: []datatypes.AuditEvent{datatypes.EventSyncSuccess}})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

// TestWorkerRetriesTransientThenSucceeds verifies transient transport
// failures are retried with the linear schedule instead of dead-lettered.
func TestWorkerRetriesTransientThenSucceeds(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.writer.flaky["skill/flaky"] = 2
	pushEntity(t, f.queue, "skill/flaky")

	f.runUntil(t, func() bool { return f.worker.Stats().Processed == 1 })

	assert.Equal(t, 3, f.writer.callCount("skill/flaky"))
	dlqLen, err := f.dlq.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dlqLen)
}

// TestWorkerDeadLettersExhaustedTransport verifies a persistently
// unreachable store moves the message to the DLQ with the final error
// and attempt count preserved.
func TestWorkerDeadLettersExhaustedTransport(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.writer.failures["skill/down"] = &graph.TransportError{Op: "graph.upsert", Err: errors.New("no route to host")}
	pushEntity(t, f.queue, "skill/down")

	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 1 })

	// MaxRetries 2 means 3 attempts total.
	assert.Equal(t, 3, f.writer.callCount("skill/down"))

	entries, err := f.worker.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "no route to host")
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.False(t, entries[0].MovedAt.IsZero())

	events, err := f.audit.Query(audit.Filter{Events: []datatypes.AuditEvent{datatypes.EventSyncFailedDLQ}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// TestWorkerDeadLettersPermanentImmediately verifies permanent errors
// skip the retry schedule entirely.
func TestWorkerDeadLettersPermanentImmediately(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.writer.failures["skill/rejected"] = &graph.PermanentError{Op: "graph.upsert", Reason: "schema mismatch"}
	pushEntity(t, f.queue, "skill/rejected")

	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 1 })

	assert.Equal(t, 1, f.writer.callCount("skill/rejected"), "permanent errors must not be retried")

	entries, err := f.worker.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "schema mismatch")
}

func TestWorkerDeadLettersUndecodablePayload(t *testing.T) {
	f := newWorkerFixture(t, nil)
	// A payload that is valid JSON but not a SyncEntity shape decodes
	// fine, so push something that cannot decode into the struct.
	_, err := f.queue.Push(context.Background(), []string{"not", "an", "entity"})
	require.NoError(t, err)

	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 1 })
}

// TestWorkerBatchesBursts verifies multiple waiting messages go through
// the batch path with per-item failure attribution.
func TestWorkerBatchesBursts(t *testing.T) {
	f := newWorkerFixture(t, func(c *Config) { c.BatchSize = 4 })
	f.writer.failures["skill/bad"] = &graph.PermanentError{Op: "graph.upsertBatch", Reason: "invalid property"}
	pushEntity(t, f.queue, "skill/good-1")
	pushEntity(t, f.queue, "skill/bad")
	pushEntity(t, f.queue, "skill/good-2")

	f.runUntil(t, func() bool {
		s := f.worker.Stats()
		return s.Processed == 2 && s.DeadLettered == 1
	})

	f.writer.mu.Lock()
	batches := f.writer.batches
	f.writer.mu.Unlock()
	assert.GreaterOrEqual(t, batches, 1, "burst should take the batch path")

	entries, err := f.worker.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "invalid property")
}

// TestRequeueMovesDeadLetterBack verifies the operator requeue flow:
// entry leaves the DLQ, original payload returns to the sync queue, and
// the move is audited.
func TestRequeueMovesDeadLetterBack(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.writer.failures["skill/stuck"] = &graph.PermanentError{Op: "graph.upsert", Reason: "rejected"}
	pushEntity(t, f.queue, "skill/stuck")

	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 1 })

	entries, err := f.worker.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	originalID := entries[0].Message.EnqueueID

	require.NoError(t, f.worker.Requeue(context.Background(), originalID))

	dlqLen, err := f.dlq.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dlqLen)

	length, err := f.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	msg, err := f.queue.Pop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	var entity datatypes.SyncEntity
	require.NoError(t, msg.DecodePayload(&entity))
	assert.Equal(t, "skill/stuck", entity.Key)

	events, err := f.audit.Query(audit.Filter{Events: []datatypes.AuditEvent{datatypes.EventDLQRequeued}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRequeueUnknownIDFails(t *testing.T) {
	f := newWorkerFixture(t, nil)
	err := f.worker.Requeue(context.Background(), "no-such-id")
	require.Error(t, err)
}

func TestRequeueAllAndPurge(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.writer.failures["skill/a"] = &graph.PermanentError{Op: "graph.upsert", Reason: "rejected"}
	f.writer.failures["skill/b"] = &graph.PermanentError{Op: "graph.upsert", Reason: "rejected"}
	pushEntity(t, f.queue, "skill/a")
	pushEntity(t, f.queue, "skill/b")

	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 2 })

	moved, err := f.worker.RequeueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	length, err := f.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	// Drain them back into the DLQ, then purge.
	f.runUntil(t, func() bool { return f.worker.Stats().DeadLettered == 4 })

	purged, err := f.worker.PurgeDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	count, err := f.worker.DeadLetterCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// TestWorkerStatsSink verifies outcome points reach the configured sink.
func TestWorkerStatsSink(t *testing.T) {
	var mu sync.Mutex
	outcomes := make(map[string]int)

	f := newWorkerFixture(t, func(c *Config) {
		c.OnResult = func(outcome, kind string) {
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}
	})
	f.writer.failures["skill/bad"] = &graph.PermanentError{Op: "graph.upsert", Reason: "rejected"}
	pushEntity(t, f.queue, "skill/good")
	pushEntity(t, f.queue, "skill/bad")

	f.runUntil(t, func() bool {
		s := f.worker.Stats()
		return s.Processed == 1 && s.DeadLettered == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, outcomes[OutcomeSuccess])
	assert.Equal(t, 1, outcomes[OutcomeDeadLetter])
}
