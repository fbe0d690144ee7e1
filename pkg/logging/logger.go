// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for gatehouse components.
//
// Every process in the system logs through this package, which layers
// three destinations over the standard library slog package:
//
//   - stderr output following Unix CLI conventions (default)
//   - per-day JSON log files under a directory (optional)
//   - a LogExporter hook for deployments that ship logs to a
//     collector or object storage (optional)
//
// A multiHandler fans each record out to every configured destination,
// so stderr can stay human-readable text while the file copy is
// machine-parseable JSON.
//
// # Basic Usage
//
// For CLI commands that only need stderr:
//
//	logger := logging.Default()
//	logger.Info("proposal queued", "proposal_id", id, "level", "L3")
//	logger.Error("sync failed", "error", err)
//
// # File Logging
//
// The daemon duplicates its output into per-day files so a crash
// leaves a trail even when nobody was watching stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.gatehouse/logs",
//	    Service: "gatehouse",
//	})
//	defer logger.Close()
//
// Files are named "{service}_{YYYY-MM-DD}.log" and are always JSON,
// one file per calendar day.
//
// # Log Levels
//
// Four levels matching slog conventions, ordered Debug < Info < Warn
// < Error. Configuration carries levels as strings; ParseLevel
// converts them.
//
// # Security Considerations
//
// Nothing here redacts sensitive data. Proposal payloads can contain
// anything the proposer put in them, so log identifiers and metadata,
// never raw payloads:
//
//	// BAD: the payload may hold credentials
//	logger.Info("proposal received", "payload", string(p.Payload))
//
//	// GOOD: metadata only
//	logger.Info("proposal received", "proposal_id", p.ID, "type", p.Type)
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error. Setting a minimum level discards
// everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	// Example: "lock acquired", "retry backoff computed"
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	// Example: "proposal approved", "sync batch drained"
	LevelInfo

	// LevelWarn is for recoverable problems.
	// Example: "stale lock reclaimed", "webhook spooled"
	LevelWarn

	// LevelError is for operation failures the process survives.
	// Example: "apply failed, rolled back", "dead-lettered message"
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library. Unknown values
// fall back to Info rather than silencing the logger.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a configuration string into a Level.
//
// Accepted values (case-insensitive): "debug", "info", "warn",
// "warning", "error". The empty string parses as Info so an unset
// configuration field gets the default. Anything else returns an
// error naming the input, with Info as the fallback value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// MarshalText renders the level in the lowercase form configuration
// files use ("debug", "info", "warn", "error").
func (l Level) MarshalText() ([]byte, error) {
	if l < LevelDebug || l > LevelError {
		return nil, fmt.Errorf("unknown log level %d", int(l))
	}
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText parses a level via ParseLevel.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior.
//
// A zero-value Config creates a logger that writes Info and above to
// stderr in text format, which is what interactive CLI use wants.
// The daemon layers on file logging and JSON:
//
//	Config{
//	    Level:   LevelInfo,
//	    LogDir:  "~/.gatehouse/logs",
//	    Service: "gatehouse",
//	    JSON:    true,
//	}
type Config struct {
	// Level is the minimum severity to emit. Default: LevelInfo.
	Level Level

	// LogDir enables file logging under the given directory.
	//
	// When set, each record is also appended to a per-day file named
	// "{Service}_{YYYY-MM-DD}.log" in JSON format. The directory is
	// created if missing. Supports ~ expansion ("~/.gatehouse/logs").
	//
	// Default: "" (file logging disabled).
	LogDir string

	// Service identifies the emitting component and is attached to
	// every record as the "service" attribute. It also names the log
	// file. Default: "" (no attribute; files fall back to "gatehouse").
	Service string

	// JSON switches stderr output from human-readable text to JSON.
	// File output is always JSON regardless. Default: false.
	JSON bool

	// Quiet suppresses stderr entirely. Records still reach the log
	// file and exporter when those are configured; with neither, the
	// logger discards everything. Default: false.
	Quiet bool

	// Exporter receives a copy of each emitted record, asynchronously.
	// Deployments that ship logs to a collector or bucket plug in
	// here; export failures never disturb the emitting call.
	// Default: nil (no export).
	Exporter LogExporter
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// # Thread Safety
//
// Logger is safe for concurrent use from multiple goroutines.
//
// # Resource Management
//
// Close the logger you created with New; it flushes the exporter and
// closes the log file. Loggers derived via With share those resources
// with their parent and must not be closed separately.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter

	// mu guards closed; the other fields are immutable after New.
	mu     sync.Mutex
	closed bool
}

// New creates a Logger from config.
//
// Destinations are assembled in order: stderr (unless Quiet), then
// the per-day log file (if LogDir is set). If the file cannot be
// created the logger still works; the failure is reported once as a
// warning through whatever destinations did come up. With Quiet set
// and no file or exporter, records are discarded.
//
// The returned Logger never fails to construct and must be closed
// with Close when file logging or an exporter is configured.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	var fileErr error
	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fileErr = err
		} else {
			service := config.Service
			if service == "" {
				service = "gatehouse"
			}
			name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				fileErr = err
			} else {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.slog.Warn("file logging disabled", "dir", config.LogDir, "error", fileErr.Error())
	}
	return logger
}

// Default returns a stderr-only logger at Info level with the
// "gatehouse" service attribute. Suitable for CLI entry points that
// have not loaded configuration yet.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "gatehouse",
	})
}

// Debug logs a message at Debug level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level with key-value attributes.
//
// Example:
//
//	logger.Info("proposal applied",
//	    "proposal_id", p.ID,
//	    "duration_ms", elapsed.Milliseconds(),
//	)
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level with key-value attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level with key-value attributes.
// The operation failed; the process continues.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes.
//
// The child includes every attribute of the parent plus the given
// pairs, and shares the parent's file and exporter. The parent is
// not modified.
//
//	workerLogger := logger.With("component", "syncer")
//	workerLogger.Info("batch drained", "count", n)
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger.
//
// Component constructors throughout gatehouse accept *slog.Logger;
// this is the bridge from the process-level Logger to them.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter, closes it, syncs the log file, and
// closes it, in that order. Errors from every step are joined.
// Close is idempotent on the logger it is called on.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		cancel()
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	return errors.Join(errs...)
}

// log writes to slog and, when an exporter is configured, hands a
// copy of the record to it on a goroutine so the emitting call never
// blocks on export.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry) // export failures are dropped
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers, which
// is how stderr text and file JSON coexist on one logger.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any handler wants the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled handler. One failing
// destination does not starve the others; errors are joined.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a new handler with the attributes applied to
// every destination.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with the group applied to every
// destination.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
// Paths without one pass through unchanged.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args into a map for
// LogEntry.Attrs. Non-string keys and a trailing unpaired value are
// skipped, matching slog's tolerance of malformed pairs.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}
