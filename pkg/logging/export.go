// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// =============================================================================
// Export Interface
// =============================================================================

// LogEntry is the exported form of a log record.
//
// It carries everything a destination needs to reconstruct the
// record: wall-clock timestamp, severity, message, the emitting
// service, and the attribute pairs as a map. The JSON shape matches
// the other line-oriented files gatehouse writes (queue segments,
// audit records), one object per line.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogExporter receives copies of emitted log records.
//
// Implementations can forward to a collector, append to object
// storage, or buffer for tests. The logger calls Export on a
// goroutine per record with a one-second deadline, so Export should
// buffer internally rather than performing network round trips
// inline; Flush is called during shutdown with a five-second
// deadline and should drain that buffer; Close releases resources
// after Flush.
//
// Export errors are dropped by the logger. An exporter that must
// surface delivery problems should count them and report via Flush.
type LogExporter interface {
	// Export records one entry. Called asynchronously per record.
	Export(ctx context.Context, entry LogEntry) error

	// Flush drains buffered entries. Called at shutdown, before Close.
	Flush(ctx context.Context) error

	// Close releases exporter resources. Called after Flush.
	Close() error
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards every entry. Useful as a placeholder when
// export is configured off but the field must be non-nil.
type NopExporter struct{}

// Export discards the entry.
func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush is a no-op.
func (e *NopExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory.
//
// It exists for tests that need to assert on what was logged:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})
//
//	logger.Info("stale lock reclaimed", "topic", "sync_out")
//
//	entries := exporter.Entries() // poll: export is asynchronous
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the collected entries. Mutating the
// returned slice does not affect the buffer.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

var _ LogExporter = (*BufferedExporter)(nil)

// WriterExporter encodes entries as JSON lines to an io.Writer.
//
// The output is the same one-object-per-line format the rest of the
// system uses for durable files, so a WriterExporter pointed at a
// file produces something the usual JSONL tooling can read.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter over w. The exporter
// does not own the writer; Close leaves it open.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry as one JSON line.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.NewEncoder(e.w).Encode(entry)
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op; the caller owns the writer.
func (e *WriterExporter) Close() error { return nil }

var _ LogExporter = (*WriterExporter)(nil)
