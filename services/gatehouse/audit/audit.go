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
Package audit records every proposal state transition to an append-only
JSONL trail.

The trail is the system of record for "who decided what, when": proposal
creation, approval decisions, apply outcomes, rollbacks, and sync
failures all land here. Files are human-readable JSONL, rotated by size
(current becomes .1, .1 becomes .2, and so on) and pruned by age.

Audit writes are deliberately non-fatal to the workflow: a proposal must
not fail because the disk holding the trail is full. Callers that want
best-effort semantics use Record; Append returns the error.
*/
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

const (
	// DefaultFileName is the current trail file under Config.Dir.
	DefaultFileName = "audit.jsonl"

	// subscriberBuffer bounds each live subscriber channel. A subscriber
	// that falls this far behind starts losing events (counted in Stats).
	subscriberBuffer = 64

	// scanBufferSize bounds a single trail line.
	scanBufferSize = 1 << 20
)

// Config configures the audit logger.
type Config struct {
	// Dir is the directory holding the trail files.
	Dir string

	// FileName is the current trail file name. Defaults to DefaultFileName.
	FileName string

	// MaxFileSize triggers rotation once the current file reaches it.
	// Defaults to 10 MiB.
	MaxFileSize int64

	// MaxRotatedFiles bounds how many rotated files are kept by count.
	// Defaults to 10.
	MaxRotatedFiles int

	// Retention bounds rotated files by age; Prune deletes older ones.
	// Defaults to 30 days.
	Retention time.Duration

	// OnRotate, when set, is invoked (in its own goroutine) with the
	// path of the freshly rotated file. Used to hook archival.
	OnRotate func(rotatedPath string)

	// Logger for operational noise. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 << 20
	}
	if c.MaxRotatedFiles <= 0 {
		c.MaxRotatedFiles = 10
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Filter selects trail entries for Query.
type Filter struct {
	// Events restricts to the listed event types. Empty means all.
	Events []datatypes.AuditEvent

	// ProposalID restricts to one proposal's history.
	ProposalID string

	// Since excludes entries stamped before it (when non-zero).
	Since time.Time

	// Limit caps the result count. Zero means 100.
	Limit int
}

// Stats is a point-in-time snapshot of logger counters.
type Stats struct {
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
	Rotations uint64 `json:"rotations"`
	Dropped   uint64 `json:"droppedBroadcasts"`
}

// Logger is the rotating JSONL audit writer. Safe for concurrent use.
type Logger struct {
	config Config
	logger *slog.Logger
	path   string

	mu   sync.Mutex
	file *os.File

	subMu       sync.RWMutex
	subscribers map[int]chan datatypes.AuditEntry
	nextSubID   int
	closed      bool

	statsMu sync.Mutex
	stats   Stats
}

// Open creates the trail directory if needed and opens the logger.
func Open(config Config) (*Logger, error) {
	config = config.withDefaults()
	if config.Dir == "" {
		return nil, errors.New("audit: Dir is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	l := &Logger{
		config:      config,
		logger:      config.Logger.With("component", "audit"),
		path:        filepath.Join(config.Dir, config.FileName),
		subscribers: make(map[int]chan datatypes.AuditEntry),
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the current trail file path.
func (l *Logger) Path() string { return l.path }

// Append writes one entry to the trail, rotating first if the current
// file is full. A zero ID or timestamp is stamped here.
func (l *Logger) Append(ctx context.Context, entry datatypes.AuditEntry) error {
	if entry.Event == "" {
		return errors.New("audit: entry has no event type")
	}
	if entry.ID == "" {
		stamped := datatypes.NewAuditEntry(entry.Event)
		entry.ID = stamped.ID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.countFailure()
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	err = l.writeLocked(line)
	l.mu.Unlock()
	if err != nil {
		l.countFailure()
		return err
	}

	l.countWrite()
	l.broadcast(entry)
	return nil
}

// Record is the best-effort form of Append: failures are logged and
// counted, never surfaced. State transitions use this so a full disk
// cannot block the workflow.
func (l *Logger) Record(ctx context.Context, entry datatypes.AuditEntry) {
	if err := l.Append(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("audit write failed",
			"event", entry.Event,
			"proposal_id", entry.ProposalID,
			"error", err)
	}
}

// Subscribe returns a live feed of appended entries plus a cancel
// function. The feed begins with the next append; it does not replay.
func (l *Logger) Subscribe() (<-chan datatypes.AuditEntry, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan datatypes.AuditEntry, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	l.subscribers[id] = ch

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if sub, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Query returns matching entries, newest first, across the current and
// rotated files.
func (l *Logger) Query(filter Filter) ([]datatypes.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []datatypes.AuditEntry
	for _, path := range l.filesNewestFirst() {
		entries, err := readEntries(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		// Within a file, later lines are newer.
		for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
			if filter.matches(entries[i]) {
				out = append(out, entries[i])
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Recent returns the n newest entries.
func (l *Logger) Recent(n int) ([]datatypes.AuditEntry, error) {
	return l.Query(Filter{Limit: n})
}

// Prune deletes rotated files older than the retention period and
// returns how many were removed. The current file is never pruned.
func (l *Logger) Prune() (int, error) {
	cutoff := time.Now().Add(-l.config.Retention)
	removed := 0

	for i := 1; i <= l.config.MaxRotatedFiles; i++ {
		path := fmt.Sprintf("%s.%d", l.path, i)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return removed, fmt.Errorf("audit: prune %s: %w", path, err)
			}
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("pruned rotated audit files", "removed", removed)
	}
	return removed, nil
}

// Stats returns a snapshot of the logger counters.
func (l *Logger) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Close stops the live feed and closes the trail file.
func (l *Logger) Close() error {
	l.subMu.Lock()
	if !l.closed {
		l.closed = true
		for id, ch := range l.subscribers {
			delete(l.subscribers, id)
			close(ch)
		}
	}
	l.subMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// -----------------------------------------------------------------------------
// internals
// -----------------------------------------------------------------------------

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open trail: %w", err)
	}
	l.file = f
	return nil
}

// writeLocked rotates if needed and appends the line. Must hold mu.
func (l *Logger) writeLocked(line []byte) error {
	if l.file == nil {
		if err := l.openFile(); err != nil {
			return err
		}
	}

	if info, err := l.file.Stat(); err == nil && info.Size() >= l.config.MaxFileSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// rotateLocked shifts rotated files up one slot (.1 -> .2, ...), moves
// the current file to .1, and reopens a fresh current file. Must hold mu.
func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close for rotation: %w", err)
	}
	l.file = nil

	oldest := fmt.Sprintf("%s.%d", l.path, l.config.MaxRotatedFiles)
	_ = os.Remove(oldest)

	for i := l.config.MaxRotatedFiles - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}

	rotated := l.path + ".1"
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("audit: rotate trail: %w", err)
	}

	l.statsMu.Lock()
	l.stats.Rotations++
	l.statsMu.Unlock()

	if l.config.OnRotate != nil {
		go l.config.OnRotate(rotated)
	}
	return l.openFile()
}

// broadcast fans an entry out to live subscribers without blocking the
// append path. Slow subscribers lose events.
func (l *Logger) broadcast(entry datatypes.AuditEntry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()

	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			l.statsMu.Lock()
			l.stats.Dropped++
			l.statsMu.Unlock()
		}
	}
}

func (l *Logger) filesNewestFirst() []string {
	paths := []string{l.path}
	for i := 1; i <= l.config.MaxRotatedFiles; i++ {
		paths = append(paths, fmt.Sprintf("%s.%d", l.path, i))
	}
	return paths
}

func (l *Logger) countWrite() {
	l.statsMu.Lock()
	l.stats.Written++
	l.statsMu.Unlock()
}

func (l *Logger) countFailure() {
	l.statsMu.Lock()
	l.stats.Failed++
	l.statsMu.Unlock()
}

func (f Filter) matches(entry datatypes.AuditEntry) bool {
	if len(f.Events) > 0 {
		found := false
		for _, ev := range f.Events {
			if entry.Event == ev {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ProposalID != "" && entry.ProposalID != f.ProposalID {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// readEntries loads one trail file, skipping lines that fail to decode.
func readEntries(path string) ([]datatypes.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []datatypes.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry datatypes.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return entries, nil
}
