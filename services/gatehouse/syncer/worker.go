// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package syncer drains the sync-out queue into the graph store.

Each queued message carries one entity. The worker pops a burst, writes
it (batched when more than one message is waiting), and sorts failures:
transient transport errors get linear-backoff retries, permanent errors
and exhausted retries move the message to the dead letter queue with the
final error attached. While the graph breaker is open the worker holds
the in-flight message and pauses instead of dead-lettering; a dead
downstream is not the message's fault.

Messages are processed at-least-once: a crash between pop and write is
recovered from the queue's WAL, and graph writes are idempotent by
natural key, so replays converge.
*/
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/graph"
	"github.com/AleutianAI/gatehouse/services/gatehouse/queue"
	"github.com/AleutianAI/gatehouse/services/gatehouse/resilience"
)

const tracerName = "gatehouse/syncer"

// ErrNoDeadLetter indicates a requeue targeted an enqueue id that is
// not on the dead letter queue.
var ErrNoDeadLetter = errors.New("syncer: no dead letter with that enqueue id")

// EntityWriter is the slice of the graph store the worker drives.
type EntityWriter interface {
	Upsert(ctx context.Context, entity datatypes.SyncEntity) error
	UpsertBatch(ctx context.Context, entities []datatypes.SyncEntity) (graph.BatchOutcome, error)
}

// Config configures the sync worker.
type Config struct {
	// Queue is the sync-out queue the worker drains. Required.
	Queue *queue.Queue

	// DeadLetters receives messages that cannot be synced. Required.
	DeadLetters *queue.Queue

	// Store is the graph destination. Required.
	Store EntityWriter

	// Audit receives sync outcome events. Required.
	Audit *audit.Logger

	// Stats receives per-message outcome points. Nil means NopSink.
	Stats StatsSink

	// MaxRetries is the number of linear-backoff retries per message
	// after the first attempt. Defaults to 3.
	MaxRetries int

	// RetryDelay seeds the linear schedule: attempt n waits n*RetryDelay.
	// Defaults to 500ms.
	RetryDelay time.Duration

	// IdleInterval is the poll interval when the queue is empty, and the
	// hold interval while the graph breaker is open. Defaults to 2s.
	IdleInterval time.Duration

	// BatchSize caps how many messages one burst pops. Values above 1
	// enable batched graph writes. Defaults to 8.
	BatchSize int

	// OnResult, when set, observes every terminal outcome. Used to feed
	// service metrics without coupling the worker to them.
	OnResult func(outcome, kind string)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Stats == nil {
		c.Stats = NopSink{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Outcome labels for stats and OnResult.
const (
	OutcomeSuccess    = "success"
	OutcomeDeadLetter = "dead_letter"
	OutcomeRequeued   = "requeued"
)

// WorkerStats is a point-in-time snapshot of worker counters.
type WorkerStats struct {
	Processed    uint64    `json:"processed"`
	DeadLettered uint64    `json:"deadLettered"`
	LastSyncAt   time.Time `json:"lastSyncAt,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
}

// Worker is the sync loop. Run one per queue.
type Worker struct {
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	processed    atomic.Uint64
	deadLettered atomic.Uint64

	mu         sync.Mutex
	lastSyncAt time.Time
	lastError  string
}

// New validates dependencies and builds a worker.
func New(config Config) (*Worker, error) {
	if config.Queue == nil || config.DeadLetters == nil {
		return nil, errors.New("syncer: both queues are required")
	}
	if config.Store == nil {
		return nil, errors.New("syncer: graph store is required")
	}
	if config.Audit == nil {
		return nil, errors.New("syncer: audit logger is required")
	}
	config = config.withDefaults()

	return &Worker{
		config: config,
		logger: config.Logger.With(slog.String("component", "syncer")),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("sync worker started",
		"batch_size", w.config.BatchSize,
		"max_retries", w.config.MaxRetries)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("sync worker stopping")
			return err
		}

		msgs, err := w.popBurst(ctx)
		if err != nil {
			w.logger.Error("failed to pop from sync queue", "error", err)
			if !w.sleep(ctx, w.config.IdleInterval) {
				return ctx.Err()
			}
			continue
		}

		switch len(msgs) {
		case 0:
			if !w.sleep(ctx, w.config.IdleInterval) {
				return ctx.Err()
			}
		case 1:
			w.processOne(ctx, msgs[0])
		default:
			w.processBatch(ctx, msgs)
		}
	}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Processed:    w.processed.Load(),
		DeadLettered: w.deadLettered.Load(),
		LastSyncAt:   w.lastSyncAt,
		LastError:    w.lastError,
	}
}

// DeadLetterCount reports how many entries sit in the DLQ.
func (w *Worker) DeadLetterCount(ctx context.Context) (int, error) {
	return w.config.DeadLetters.Length(ctx)
}

// ListDeadLetters returns the DLQ contents, oldest first.
func (w *Worker) ListDeadLetters(ctx context.Context) ([]datatypes.DeadLetterEntry, error) {
	msgs, err := w.config.DeadLetters.List(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]datatypes.DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		var entry datatypes.DeadLetterEntry
		if err := m.DecodePayload(&entry); err != nil {
			w.logger.Warn("undecodable dead letter entry skipped", "enqueue_id", m.EnqueueID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Requeue moves one dead letter (by its original enqueue id) back onto
// the sync queue for another delivery attempt.
func (w *Worker) Requeue(ctx context.Context, enqueueID string) error {
	entries, err := w.config.DeadLetters.List(ctx)
	if err != nil {
		return err
	}

	for _, m := range entries {
		var entry datatypes.DeadLetterEntry
		if err := m.DecodePayload(&entry); err != nil {
			continue
		}
		if entry.Message.EnqueueID != enqueueID {
			continue
		}

		var payload any
		if err := entry.Message.DecodePayload(&payload); err != nil {
			return fmt.Errorf("syncer: dead letter %s payload undecodable: %w", enqueueID, err)
		}
		if _, err := w.config.Queue.Push(ctx, payload); err != nil {
			return fmt.Errorf("syncer: requeue %s: %w", enqueueID, err)
		}
		if _, err := w.config.DeadLetters.RemoveByEnqueueID(ctx, m.EnqueueID); err != nil {
			return fmt.Errorf("syncer: remove requeued dead letter %s: %w", enqueueID, err)
		}

		event := datatypes.NewAuditEntry(datatypes.EventDLQRequeued)
		event.Detail = map[string]any{
			"enqueue_id": enqueueID,
			"first_error": entry.Error,
		}
		w.config.Audit.Record(ctx, event)
		w.report(OutcomeRequeued, "", 0, 0)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoDeadLetter, enqueueID)
}

// RequeueAll drains the entire DLQ back onto the sync queue and returns
// how many entries moved.
func (w *Worker) RequeueAll(ctx context.Context) (int, error) {
	moved := 0
	for {
		m, err := w.config.DeadLetters.Pop(ctx)
		if err != nil {
			return moved, err
		}
		if m == nil {
			return moved, nil
		}

		var entry datatypes.DeadLetterEntry
		if err := m.DecodePayload(&entry); err != nil {
			w.logger.Warn("dropping undecodable dead letter during requeue", "enqueue_id", m.EnqueueID)
			continue
		}
		var payload any
		if err := entry.Message.DecodePayload(&payload); err != nil {
			w.logger.Warn("dropping dead letter with undecodable payload", "enqueue_id", entry.Message.EnqueueID)
			continue
		}
		if _, err := w.config.Queue.Push(ctx, payload); err != nil {
			return moved, fmt.Errorf("syncer: requeue %s: %w", entry.Message.EnqueueID, err)
		}

		event := datatypes.NewAuditEntry(datatypes.EventDLQRequeued)
		event.Detail = map[string]any{"enqueue_id": entry.Message.EnqueueID, "first_error": entry.Error}
		w.config.Audit.Record(ctx, event)
		w.report(OutcomeRequeued, "", 0, 0)
		moved++
	}
}

// PurgeDeadLetters discards the entire DLQ and returns how many entries
// were dropped.
func (w *Worker) PurgeDeadLetters(ctx context.Context) (int, error) {
	purged := 0
	for {
		m, err := w.config.DeadLetters.Pop(ctx)
		if err != nil {
			return purged, err
		}
		if m == nil {
			return purged, nil
		}
		purged++
	}
}

// -----------------------------------------------------------------------------
// processing
// -----------------------------------------------------------------------------

// popBurst pops up to BatchSize waiting messages.
func (w *Worker) popBurst(ctx context.Context) ([]datatypes.QueueMessage, error) {
	var msgs []datatypes.QueueMessage
	for len(msgs) < w.config.BatchSize {
		m, err := w.config.Queue.Pop(ctx)
		if err != nil {
			return msgs, err
		}
		if m == nil {
			break
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// processOne syncs a single message with linear-backoff retries.
func (w *Worker) processOne(ctx context.Context, msg datatypes.QueueMessage) {
	ctx, span := w.tracer.Start(ctx, "syncer.process", trace.WithAttributes(
		attribute.String("enqueue_id", msg.EnqueueID),
	))
	defer span.End()

	start := time.Now()

	var entity datatypes.SyncEntity
	if err := msg.DecodePayload(&entity); err != nil {
		span.SetStatus(codes.Error, "undecodable payload")
		w.deadLetter(ctx, msg, fmt.Errorf("undecodable payload: %w", err), 1, "")
		return
	}

	attempt := 0
	var lastErr error
	for attempt < w.config.MaxRetries+1 {
		attempt++
		lastErr = w.config.Store.Upsert(ctx, entity)
		if lastErr == nil {
			w.success(ctx, msg, entity, attempt, time.Since(start))
			span.SetStatus(codes.Ok, "")
			return
		}

		// An open breaker means the downstream is sick, not the message.
		// Hold and retry without burning the attempt budget.
		if errors.Is(lastErr, resilience.ErrCircuitOpen) {
			attempt--
			w.logger.Warn("graph circuit open, holding sync message",
				"enqueue_id", msg.EnqueueID)
			if !w.sleep(ctx, w.config.IdleInterval) {
				w.abandonToWAL(msg)
				return
			}
			continue
		}

		if graph.IsPermanent(lastErr) {
			break
		}
		if attempt < w.config.MaxRetries+1 {
			if !w.sleep(ctx, time.Duration(attempt)*w.config.RetryDelay) {
				w.abandonToWAL(msg)
				return
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "sync failed")
	w.deadLetter(ctx, msg, lastErr, attempt, entity.Kind)
}

// processBatch writes several messages in one graph request. Any batch-
// level failure falls back to per-message processing, which owns retry
// and dead-letter attribution.
func (w *Worker) processBatch(ctx context.Context, msgs []datatypes.QueueMessage) {
	ctx, span := w.tracer.Start(ctx, "syncer.processBatch", trace.WithAttributes(
		attribute.Int("batch_size", len(msgs)),
	))
	defer span.End()

	start := time.Now()

	entities := make([]datatypes.SyncEntity, 0, len(msgs))
	byKey := make(map[string]datatypes.QueueMessage, len(msgs))
	var rest []datatypes.QueueMessage
	for _, msg := range msgs {
		var entity datatypes.SyncEntity
		if err := msg.DecodePayload(&entity); err != nil {
			w.deadLetter(ctx, msg, fmt.Errorf("undecodable payload: %w", err), 1, "")
			continue
		}
		if _, dup := byKey[entity.Key]; dup {
			// Two updates to one key in a burst: preserve ordering by
			// deferring the later one to the per-message path.
			rest = append(rest, msg)
			continue
		}
		entities = append(entities, entity)
		byKey[entity.Key] = msg
	}

	outcome, err := w.config.Store.UpsertBatch(ctx, entities)
	if err != nil {
		span.RecordError(err)
		w.logger.Warn("batch sync failed, falling back to per-message path",
			"batch_size", len(entities), "error", err)
		for _, entity := range entities {
			w.processOne(ctx, byKey[entity.Key])
		}
		for _, msg := range rest {
			w.processOne(ctx, msg)
		}
		return
	}

	duration := time.Since(start)
	for _, entity := range entities {
		msg := byKey[entity.Key]
		if itemErr, failed := outcome[entity.Key]; failed {
			w.deadLetter(ctx, msg, itemErr, 1, entity.Kind)
			continue
		}
		w.success(ctx, msg, entity, 1, duration)
	}
	for _, msg := range rest {
		w.processOne(ctx, msg)
	}
	span.SetStatus(codes.Ok, "")
}

// success finalizes a synced message. Counters move last so observers
// polling Stats see the audit event and stats point already recorded.
func (w *Worker) success(ctx context.Context, msg datatypes.QueueMessage, entity datatypes.SyncEntity, attempts int, duration time.Duration) {
	event := datatypes.NewAuditEntry(datatypes.EventSyncSuccess)
	event.Detail = map[string]any{
		"enqueue_id": msg.EnqueueID,
		"entity_key": entity.Key,
		"attempts":   attempts,
	}
	w.config.Audit.Record(ctx, event)
	w.report(OutcomeSuccess, entity.Kind, attempts, duration)

	w.logger.Debug("entity synced",
		"entity_key", entity.Key,
		"attempts", attempts)

	w.mu.Lock()
	w.lastSyncAt = time.Now().UTC()
	w.lastError = ""
	w.mu.Unlock()
	w.processed.Add(1)
}

// deadLetter moves a failed message to the DLQ with its final error. A
// failed DLQ push is logged and dropped from the main flow; the message
// remains recoverable from the sync queue's WAL.
func (w *Worker) deadLetter(ctx context.Context, msg datatypes.QueueMessage, cause error, attempts int, kind string) {
	entry := datatypes.DeadLetterEntry{
		Message:    msg,
		MovedAt:    time.Now().UTC(),
		Error:      cause.Error(),
		RetryCount: attempts,
	}
	if _, err := w.config.DeadLetters.Push(ctx, entry); err != nil {
		w.logger.Error("failed to push dead letter",
			"enqueue_id", msg.EnqueueID,
			"push_error", err,
			"original_error", cause)
		return
	}

	event := datatypes.NewAuditEntry(datatypes.EventSyncFailedDLQ)
	event.Outcome = "dead_letter"
	event.Detail = map[string]any{
		"enqueue_id": msg.EnqueueID,
		"error":      cause.Error(),
		"attempts":   attempts,
	}
	w.config.Audit.Record(ctx, event)
	w.report(OutcomeDeadLetter, kind, attempts, 0)

	w.logger.Warn("message moved to dead letter queue",
		"enqueue_id", msg.EnqueueID,
		"attempts", attempts,
		"error", cause)

	w.mu.Lock()
	w.lastError = cause.Error()
	w.mu.Unlock()
	w.deadLettered.Add(1)
}

func (w *Worker) report(outcome, kind string, attempts int, duration time.Duration) {
	w.config.Stats.RecordSync(outcome, kind, attempts, duration)
	if w.config.OnResult != nil {
		w.config.OnResult(outcome, kind)
	}
}

// abandonToWAL notes a message left in flight at shutdown. The pop is
// not durable until the next checkpoint, so queue recovery resurrects
// the message instead of the worker dead-lettering it here.
func (w *Worker) abandonToWAL(msg datatypes.QueueMessage) {
	w.logger.Info("shutdown with message in flight; it will be recovered on restart",
		"enqueue_id", msg.EnqueueID)
}

// sleep waits d or until ctx is done; reports false on cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
