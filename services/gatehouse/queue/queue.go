// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the crash-safe, file-backed FIFO used for
// proposal review and graph synchronization topics.
//
// # Description
//
// Each named topic owns four files in its directory:
//
//	{name}.jsonl      - main queue log, one envelope per line
//	{name}.wal.jsonl  - write-ahead log, appended before the main log
//	{name}.lock.pid   - advisory lease marker
//	{name}.seq        - persisted sequence counter
//
// Every mutation runs under the topic lease. Push persists the next
// sequence number, appends to the WAL, then appends to the main log; a
// crash between the two appends is repaired by Recover, which merges WAL
// envelopes missing from the main log and re-sorts by sequence so
// recovered order equals enqueue order.
//
// Delivery is at-least-once: a consumer crash after Pop's read but before
// its rewrite re-delivers the message, and Recover may resurrect recently
// popped envelopes. Consumers deduplicate with the envelope's EnqueueID or
// apply idempotently.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and processes; the lease is
// the only mutual exclusion.
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/lock"
)

// tracerName identifies queue spans.
const tracerName = "gatehouse/queue"

// topicName constrains topic names to filename-safe tokens.
var topicName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ErrBadTopicName rejects topic names that cannot become filenames.
var ErrBadTopicName = errors.New("invalid topic name")

// =============================================================================
// Config
// =============================================================================

// Config tunes a Queue.
type Config struct {
	// Lock tunes lease acquisition around every mutation.
	Lock lock.Config

	// Logger receives skip/recovery diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Queue
// =============================================================================

// Queue is one named durable topic.
type Queue struct {
	name   string
	dir    string
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	mainPath string
	walPath  string
	lockPath string
	seqPath  string
}

// Open prepares (creating if necessary) the topic directory and returns
// the queue handle. Opening performs no locking; every operation acquires
// the lease itself.
//
// # Inputs
//
//   - dir: directory holding the topic files
//   - name: topic name, filename-safe ("review", "graph-sync.dlq")
//   - cfg: tuning; zero values take defaults
func Open(dir, name string, cfg Config) (*Queue, error) {
	if !topicName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadTopicName, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating queue directory %s: %w", dir, err)
	}

	cfg = cfg.withDefaults()
	return &Queue{
		name:     name,
		dir:      dir,
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "queue"), slog.String("topic", name)),
		tracer:   otel.Tracer(tracerName),
		mainPath: filepath.Join(dir, name+".jsonl"),
		walPath:  filepath.Join(dir, name+".wal.jsonl"),
		lockPath: filepath.Join(dir, name+lock.MarkerSuffix),
		seqPath:  filepath.Join(dir, name+".seq"),
	}, nil
}

// Name returns the topic name.
func (q *Queue) Name() string { return q.name }

// LockPath returns the lease marker path, for diagnostics.
func (q *Queue) LockPath() string { return q.lockPath }

// =============================================================================
// Operations
// =============================================================================

// Push envelopes payload and appends it durably to the topic.
//
// # Description
//
// Under the topic lease: persists the next sequence number, appends the
// envelope line to the WAL (synced), then to the main log (synced). After
// the WAL append succeeds the push survives any crash; Recover completes
// the main-log half if needed.
//
// # Outputs
//
//   - string: the envelope's EnqueueID (idempotency key)
//   - error: *lock.LockTimeoutError, encoding failures, or I/O failures
func (q *Queue) Push(ctx context.Context, payload any) (string, error) {
	ctx, span := q.tracer.Start(ctx, "queue.push",
		trace.WithAttributes(attribute.String("queue.topic", q.name)))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		span.SetStatus(codes.Error, "encode")
		return "", fmt.Errorf("encoding payload for %s: %w", q.name, err)
	}

	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		span.SetStatus(codes.Error, "lock")
		return "", err
	}
	defer func() { _ = lease.Release() }()

	seq, err := q.nextSequence()
	if err != nil {
		span.SetStatus(codes.Error, "sequence")
		return "", err
	}

	env := datatypes.QueueMessage{
		EnqueueID:  uuid.New().String(),
		Sequence:   seq,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding envelope for %s: %w", q.name, err)
	}

	if err := appendLine(q.walPath, line); err != nil {
		span.SetStatus(codes.Error, "wal append")
		return "", fmt.Errorf("appending to WAL %s: %w", q.walPath, err)
	}
	if err := appendLine(q.mainPath, line); err != nil {
		// The WAL holds the envelope; Recover will complete the push.
		span.SetStatus(codes.Error, "main append")
		return "", fmt.Errorf("appending to queue log %s (recoverable from WAL): %w", q.mainPath, err)
	}

	span.SetAttributes(attribute.Int64("queue.sequence", int64(seq)))
	return env.EnqueueID, nil
}

// Pop removes and returns the oldest envelope, or nil when the topic is
// empty.
//
// # Description
//
// Under the topic lease: parses the first valid main-log line, then
// atomically rewrites the log without it (write-to-temp-then-rename).
// Malformed lines are dropped with a warning rather than wedging the
// consumer.
func (q *Queue) Pop(ctx context.Context) (*datatypes.QueueMessage, error) {
	ctx, span := q.tracer.Start(ctx, "queue.pop",
		trace.WithAttributes(attribute.String("queue.topic", q.name)))
	defer span.End()

	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		span.SetStatus(codes.Error, "lock")
		return nil, err
	}
	defer func() { _ = lease.Release() }()

	msgs, dropped, err := q.readLog(q.mainPath)
	if err != nil {
		span.SetStatus(codes.Error, "read")
		return nil, err
	}
	if dropped > 0 {
		q.logger.Warn("dropped malformed queue lines", slog.Int("count", dropped))
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	head := msgs[0]
	if err := q.rewriteLog(q.mainPath, msgs[1:]); err != nil {
		span.SetStatus(codes.Error, "rewrite")
		return nil, err
	}

	span.SetAttributes(attribute.Int64("queue.sequence", int64(head.Sequence)))
	return &head, nil
}

// Peek returns the oldest envelope without removing it, or nil when empty.
func (q *Queue) Peek(ctx context.Context) (*datatypes.QueueMessage, error) {
	ctx, span := q.tracer.Start(ctx, "queue.peek",
		trace.WithAttributes(attribute.String("queue.topic", q.name)))
	defer span.End()

	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		span.SetStatus(codes.Error, "lock")
		return nil, err
	}
	defer func() { _ = lease.Release() }()

	msgs, _, err := q.readLog(q.mainPath)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	head := msgs[0]
	return &head, nil
}

// Length counts the envelopes currently in the topic.
func (q *Queue) Length(ctx context.Context) (int, error) {
	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		return 0, err
	}
	defer func() { _ = lease.Release() }()

	msgs, _, err := q.readLog(q.mainPath)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// List returns every envelope in queue order without consuming them.
// Intended for operator surfaces (DLQ listing, queue inspection).
func (q *Queue) List(ctx context.Context) ([]datatypes.QueueMessage, error) {
	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release() }()

	msgs, _, err := q.readLog(q.mainPath)
	return msgs, err
}

// RemoveByEnqueueID deletes one envelope by its idempotency key, returning
// the removed envelope or nil when absent. Operator surface for DLQ
// requeue/purge.
func (q *Queue) RemoveByEnqueueID(ctx context.Context, enqueueID string) (*datatypes.QueueMessage, error) {
	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release() }()

	msgs, _, err := q.readLog(q.mainPath)
	if err != nil {
		return nil, err
	}

	var removed *datatypes.QueueMessage
	remaining := msgs[:0]
	for i := range msgs {
		if removed == nil && msgs[i].EnqueueID == enqueueID {
			m := msgs[i]
			removed = &m
			continue
		}
		remaining = append(remaining, msgs[i])
	}
	if removed == nil {
		return nil, nil
	}
	if err := q.rewriteLog(q.mainPath, remaining); err != nil {
		return nil, err
	}
	return removed, nil
}

// =============================================================================
// Recovery
// =============================================================================

// RecoveryReport summarizes what Recover repaired.
type RecoveryReport struct {
	// WALEntries is the number of valid envelopes replayed from the WAL.
	WALEntries int `json:"walEntries"`

	// Merged is the number of envelopes re-inserted into the main log.
	Merged int `json:"merged"`

	// MalformedDropped counts unparseable lines skipped in either log.
	MalformedDropped int `json:"malformedDropped"`

	// MaxSequence is the sequence counter value after recovery.
	MaxSequence uint64 `json:"maxSequence"`
}

// Recover replays the WAL into the main log.
//
// # Description
//
// Under the topic lease: every WAL envelope whose EnqueueID is missing
// from the main log is merged back in, the combined log is sorted by
// sequence number so recovered order equals enqueue order, and the
// sequence counter is advanced to the maximum seen so numbers are never
// reused. Finally the WAL is checkpointed to the merged log, bounding its
// growth; envelopes popped since the previous checkpoint may be
// resurrected, which the at-least-once contract permits.
func (q *Queue) Recover(ctx context.Context) (*RecoveryReport, error) {
	ctx, span := q.tracer.Start(ctx, "queue.recover",
		trace.WithAttributes(attribute.String("queue.topic", q.name)))
	defer span.End()

	lease, err := lock.Acquire(ctx, q.lockPath, q.config.Lock)
	if err != nil {
		span.SetStatus(codes.Error, "lock")
		return nil, err
	}
	defer func() { _ = lease.Release() }()

	walMsgs, walDropped, err := q.readLog(q.walPath)
	if err != nil {
		span.SetStatus(codes.Error, "read wal")
		return nil, err
	}
	mainMsgs, mainDropped, err := q.readLog(q.mainPath)
	if err != nil {
		span.SetStatus(codes.Error, "read main")
		return nil, err
	}

	present := make(map[string]bool, len(mainMsgs))
	for _, m := range mainMsgs {
		present[m.EnqueueID] = true
	}

	merged := mainMsgs
	mergedCount := 0
	for _, m := range walMsgs {
		if present[m.EnqueueID] {
			continue
		}
		present[m.EnqueueID] = true
		merged = append(merged, m)
		mergedCount++
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Sequence < merged[j].Sequence
	})

	var maxSeq uint64
	for _, m := range merged {
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
		}
	}
	for _, m := range walMsgs {
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
		}
	}
	if current, err := q.readSequence(); err == nil && current > maxSeq {
		maxSeq = current
	}

	if err := q.rewriteLog(q.mainPath, merged); err != nil {
		span.SetStatus(codes.Error, "rewrite main")
		return nil, err
	}
	if err := q.writeSequence(maxSeq); err != nil {
		span.SetStatus(codes.Error, "sequence")
		return nil, err
	}
	if err := q.rewriteLog(q.walPath, merged); err != nil {
		span.SetStatus(codes.Error, "checkpoint wal")
		return nil, err
	}

	report := &RecoveryReport{
		WALEntries:       len(walMsgs),
		Merged:           mergedCount,
		MalformedDropped: walDropped + mainDropped,
		MaxSequence:      maxSeq,
	}
	if mergedCount > 0 || report.MalformedDropped > 0 {
		q.logger.Info("queue recovery repaired log",
			slog.Int("merged", mergedCount),
			slog.Int("malformedDropped", report.MalformedDropped),
			slog.Uint64("maxSequence", maxSeq))
	}
	span.SetAttributes(
		attribute.Int("queue.recover.merged", mergedCount),
		attribute.Int64("queue.recover.max_sequence", int64(maxSeq)))
	return report, nil
}

// =============================================================================
// Files
// =============================================================================

// readLog parses every line of a queue log, skipping malformed lines.
func (q *Queue) readLog(path string) ([]datatypes.QueueMessage, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var (
		msgs    []datatypes.QueueMessage
		dropped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m datatypes.QueueMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil || m.EnqueueID == "" {
			dropped++
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, dropped, fmt.Errorf("scanning %s: %w", path, err)
	}
	return msgs, dropped, nil
}

// rewriteLog atomically replaces a queue log: write to a temp file in the
// same directory, sync, rename over the original.
func (q *Queue) rewriteLog(path string, msgs []datatypes.QueueMessage) error {
	tmp, err := os.CreateTemp(q.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range msgs {
		if err := enc.Encode(&msgs[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding envelope: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// nextSequence increments and persists the topic sequence counter. Runs
// inside the push critical section so numbers are never reused even across
// process restarts.
func (q *Queue) nextSequence() (uint64, error) {
	current, err := q.readSequence()
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := q.writeSequence(next); err != nil {
		return 0, err
	}
	return next, nil
}

func (q *Queue) readSequence() (uint64, error) {
	data, err := os.ReadFile(q.seqPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading sequence file %s: %w", q.seqPath, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing sequence file %s: %w", q.seqPath, err)
	}
	return seq, nil
}

func (q *Queue) writeSequence(seq uint64) error {
	tmp, err := os.CreateTemp(q.dir, filepath.Base(q.seqPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp sequence file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := fmt.Fprintf(tmp, "%d\n", seq); err != nil {
		tmp.Close()
		return fmt.Errorf("writing sequence: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing sequence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing sequence file: %w", err)
	}
	if err := os.Rename(tmpPath, q.seqPath); err != nil {
		return fmt.Errorf("replacing sequence file %s: %w", q.seqPath, err)
	}
	return nil
}

// appendLine appends one newline-terminated record and syncs.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
