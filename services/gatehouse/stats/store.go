// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats keeps a rolling window of operational events so the
// daemon can answer "how is it going" without external infrastructure.
//
// Apply outcomes, sync outcomes, queue depth samples, breaker
// transitions, and stale-lease reclaims are held in memory and
// snapshotted to a JSONL file on a timer, so the picture survives
// restarts. The window feeds the status endpoint's summary and the
// operational alerts. Prometheus remains the real metrics backend; this
// store exists so a bare host still gets trend data.
package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindApply       = "apply"
	KindSync        = "sync"
	KindQueueDepth  = "queue_depth"
	KindBreaker     = "breaker"
	KindLockReclaim = "lock_reclaim"
)

// Event is one operational observation.
type Event struct {
	// ID is a time-ordered unique token.
	ID string `json:"id"`

	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`

	// Outcome qualifies the event: "ok"/"failed" for applies,
	// "success"/"dead_letter"/"requeued" for syncs, the target state
	// for breaker transitions.
	Outcome string `json:"outcome,omitempty"`

	// Topic names the queue for depth samples and lease reclaims, and
	// the entity kind for sync events.
	Topic string `json:"topic,omitempty"`

	// Value carries the numeric payload: seconds for apply and sync
	// durations, entries for depth samples.
	Value float64 `json:"value,omitempty"`

	// Attempts is how many delivery attempts a sync message took.
	Attempts int `json:"attempts,omitempty"`

	// Timestamp is when the event was observed, UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Config controls the store.
type Config struct {
	// Path is the JSONL snapshot file. Required unless InMemoryOnly.
	Path string

	// InMemoryOnly disables persistence entirely.
	InMemoryOnly bool

	// MaxEvents caps the in-memory window per kind. Defaults to 2000.
	MaxEvents int

	// Retention drops events older than this on load and prune.
	// Defaults to 24h.
	Retention time.Duration

	// FlushInterval is the background snapshot cadence. Defaults to
	// 1m. Zero or negative disables the background goroutine; Flush
	// can still be called directly.
	FlushInterval time.Duration

	// MaxFileSize rotates the snapshot when exceeded. Defaults to
	// 10MiB. Zero disables rotation.
	MaxFileSize int64

	// MaxRotatedFiles caps rotated snapshots. Defaults to 3.
	MaxRotatedFiles int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 2000
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Minute
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 << 20
	}
	if c.MaxRotatedFiles <= 0 {
		c.MaxRotatedFiles = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Store is the rolling operational event window.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	events map[string][]Event
	dirty  bool

	flushTicker *time.Ticker
	stop        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Open creates the store, loading any persisted window within the
// retention period. Starts the background flusher unless disabled.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if !cfg.InMemoryOnly && cfg.Path == "" {
		return nil, fmt.Errorf("stats: Path is required unless InMemoryOnly")
	}

	s := &Store{
		config: cfg,
		logger: cfg.Logger.With("component", "stats"),
		events: make(map[string][]Event),
		stop:   make(chan struct{}),
	}

	if !cfg.InMemoryOnly {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("stats: create directory: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("stats: load snapshot: %w", err)
		}
		if cfg.FlushInterval > 0 {
			s.flushTicker = time.NewTicker(cfg.FlushInterval)
			s.wg.Add(1)
			go s.backgroundFlush()
		}
	}

	return s, nil
}

// =============================================================================
// Recording
// =============================================================================

// RecordApply records one change application outcome.
func (s *Store) RecordApply(outcome string, duration time.Duration) {
	s.append(Event{
		Kind:    KindApply,
		Outcome: outcome,
		Value:   duration.Seconds(),
	})
}

// RecordSync records the outcome of one sync message. Signature
// matches the sync worker's stats sink.
func (s *Store) RecordSync(outcome, kind string, attempts int, duration time.Duration) {
	s.append(Event{
		Kind:     KindSync,
		Outcome:  outcome,
		Topic:    kind,
		Value:    duration.Seconds(),
		Attempts: attempts,
	})
}

// RecordQueueDepth records one depth sample for a topic.
func (s *Store) RecordQueueDepth(topic string, depth int) {
	s.append(Event{
		Kind:  KindQueueDepth,
		Topic: topic,
		Value: float64(depth),
	})
}

// RecordBreaker records a circuit transition.
func (s *Store) RecordBreaker(name, to string) {
	s.append(Event{
		Kind:    KindBreaker,
		Outcome: to,
		Topic:   name,
	})
}

// RecordLockReclaim records a stale queue lease takeover.
func (s *Store) RecordLockReclaim(topic string) {
	s.append(Event{
		Kind:  KindLockReclaim,
		Topic: topic,
	})
}

func (s *Store) append(e Event) {
	e.ID = newEventID()
	e.Timestamp = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	window := append(s.events[e.Kind], e)
	if len(window) > s.config.MaxEvents {
		window = window[len(window)-s.config.MaxEvents:]
	}
	s.events[e.Kind] = window
	s.dirty = true
}

// =============================================================================
// Queries
// =============================================================================

// Events returns the in-memory events of one kind at or after since,
// oldest first.
func (s *Store) Events(kind string, since time.Time) []Event {
	s.mu.RLock()
	window := s.events[kind]
	s.mu.RUnlock()

	var out []Event
	for _, e := range window {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// Summary condenses the recent window into the shape the status
// endpoint reports.
type Summary struct {
	// Window is how far back the summary looks.
	Window time.Duration `json:"window"`

	ApplyCount      int     `json:"applyCount"`
	ApplyFailures   int     `json:"applyFailures"`
	ApplyP50Seconds float64 `json:"applyP50Seconds"`
	ApplyP99Seconds float64 `json:"applyP99Seconds"`

	SyncCount        int `json:"syncCount"`
	SyncDeadLettered int `json:"syncDeadLettered"`
	SyncRequeued     int `json:"syncRequeued"`

	// QueueDepth holds the latest depth sample per topic.
	QueueDepth map[string]int `json:"queueDepth,omitempty"`

	BreakerTransitions int `json:"breakerTransitions"`
	LockReclaims       int `json:"lockReclaims"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Summarize builds a Summary over the trailing window.
func (s *Store) Summarize(window time.Duration) Summary {
	since := time.Now().UTC().Add(-window)
	out := Summary{
		Window:      window,
		GeneratedAt: time.Now().UTC(),
	}

	var applySeconds []float64
	for _, e := range s.Events(KindApply, since) {
		out.ApplyCount++
		if e.Outcome == "failed" {
			out.ApplyFailures++
		}
		applySeconds = append(applySeconds, e.Value)
	}
	out.ApplyP50Seconds, out.ApplyP99Seconds = percentiles(applySeconds)

	for _, e := range s.Events(KindSync, since) {
		out.SyncCount++
		switch e.Outcome {
		case "dead_letter":
			out.SyncDeadLettered++
		case "requeued":
			out.SyncRequeued++
		}
	}

	for _, e := range s.Events(KindQueueDepth, since) {
		if out.QueueDepth == nil {
			out.QueueDepth = make(map[string]int)
		}
		// Samples arrive oldest first, so the last write wins.
		out.QueueDepth[e.Topic] = int(e.Value)
	}

	out.BreakerTransitions = len(s.Events(KindBreaker, since))
	out.LockReclaims = len(s.Events(KindLockReclaim, since))
	return out
}

// percentiles returns the p50 and p99 of values, zero when empty.
func percentiles(values []float64) (p50, p99 float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	p50Idx := n / 2
	p99Idx := int(float64(n) * 0.99)
	if p99Idx >= n {
		p99Idx = n - 1
	}
	return sorted[p50Idx], sorted[p99Idx]
}

// =============================================================================
// Alerts
// =============================================================================

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert codes.
const (
	AlertBreakerOpen = "breaker_open"
	AlertDLQBacklog  = "dlq_backlog"
	AlertDiskLow     = "disk_low"
	AlertStaleLocks  = "stale_locks_reclaimed"
)

// Alert flags an operational condition needing attention.
type Alert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// AlertInputs carries the live probes alert evaluation needs alongside
// the event window.
type AlertInputs struct {
	// BreakerOpen reports whether the graph store circuit is open.
	BreakerOpen bool

	// DeadLetters is the current dead-letter backlog.
	DeadLetters int

	// DiskFreeBytes and DiskFloorBytes drive the disk alert. A zero
	// floor disables it.
	DiskFreeBytes  int64
	DiskFloorBytes int64

	// ReclaimWindow is how far back lease reclaims count. Defaults
	// to 1h.
	ReclaimWindow time.Duration
}

// EvaluateAlerts combines live probes with the event window.
func (s *Store) EvaluateAlerts(in AlertInputs) []Alert {
	var alerts []Alert

	if in.BreakerOpen {
		alerts = append(alerts, Alert{
			Code:     AlertBreakerOpen,
			Severity: SeverityCritical,
			Detail:   "graph store circuit is open; sync writes are failing fast",
		})
	}
	if in.DeadLetters > 0 {
		alerts = append(alerts, Alert{
			Code:     AlertDLQBacklog,
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("%d dead-lettered sync messages await requeue", in.DeadLetters),
		})
	}
	if in.DiskFloorBytes > 0 && in.DiskFreeBytes < in.DiskFloorBytes {
		alerts = append(alerts, Alert{
			Code:     AlertDiskLow,
			Severity: SeverityCritical,
			Detail: fmt.Sprintf("free disk %d bytes is below the %d byte floor; intake will refuse proposals",
				in.DiskFreeBytes, in.DiskFloorBytes),
		})
	}

	window := in.ReclaimWindow
	if window <= 0 {
		window = time.Hour
	}
	if reclaims := len(s.Events(KindLockReclaim, time.Now().UTC().Add(-window))); reclaims > 0 {
		alerts = append(alerts, Alert{
			Code:     AlertStaleLocks,
			Severity: SeverityWarning,
			Detail: fmt.Sprintf("%d stale queue leases reclaimed in the last %s; a writer may be crash-looping",
				reclaims, window),
		})
	}

	return alerts
}

// =============================================================================
// Persistence
// =============================================================================

// Flush snapshots the in-memory window to the JSONL file via
// tmp+rename, then rotates if the file outgrew its limit. A clean
// window (nothing recorded since the last flush) is a no-op.
func (s *Store) Flush(ctx context.Context) (err error) {
	if s.config.InMemoryOnly {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	var all []Event
	for _, window := range s.events {
		all = append(all, window...)
	}
	s.dirty = false
	s.mu.Unlock()

	// A failed snapshot must stay flagged so the next tick retries.
	defer func() {
		if err != nil {
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}()

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	tmp := s.config.Path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("stats: create snapshot: %w", err)
	}
	encoder := json.NewEncoder(file)
	for i := range all {
		if err := encoder.Encode(all[i]); err != nil {
			file.Close()
			return fmt.Errorf("stats: write snapshot: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("stats: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.config.Path); err != nil {
		return fmt.Errorf("stats: publish snapshot: %w", err)
	}

	if err := s.rotateIfNeeded(); err != nil {
		return fmt.Errorf("stats: rotate snapshot: %w", err)
	}
	return nil
}

// rotateIfNeeded shifts the snapshot to .1 (and .1 to .2, ...) when it
// exceeds MaxFileSize, dropping anything past MaxRotatedFiles.
func (s *Store) rotateIfNeeded() error {
	if s.config.MaxFileSize <= 0 {
		return nil
	}
	info, err := os.Stat(s.config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.config.MaxFileSize {
		return nil
	}

	_ = os.Remove(fmt.Sprintf("%s.%d", s.config.Path, s.config.MaxRotatedFiles))
	for i := s.config.MaxRotatedFiles - 1; i >= 1; i-- {
		_ = os.Rename(
			fmt.Sprintf("%s.%d", s.config.Path, i),
			fmt.Sprintf("%s.%d", s.config.Path, i+1),
		)
	}
	return os.Rename(s.config.Path, s.config.Path+".1")
}

// Prune drops events older than olderThan from memory and rewrites
// the snapshot. Returns how many events were dropped.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0

	s.mu.Lock()
	for kind, window := range s.events {
		var kept []Event
		for _, e := range window {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) > 0 {
			s.events[kind] = kept
		} else {
			delete(s.events, kind)
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if removed > 0 && !s.config.InMemoryOnly {
		if err := s.Flush(context.Background()); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// load reads the snapshot, keeping only events inside the retention
// period. Malformed lines are skipped so one bad write cannot wedge
// startup.
func (s *Store) load() error {
	file, err := os.Open(s.config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	cutoff := time.Now().UTC().Add(-s.config.Retention)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipped := 0
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		if e.Timestamp.After(cutoff) {
			s.events[e.Kind] = append(s.events[e.Kind], e)
		}
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed stats records", "path", s.config.Path, "count", skipped)
	}
	return scanner.Err()
}

func (s *Store) backgroundFlush() {
	defer s.wg.Done()
	for {
		select {
		case <-s.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("background stats flush failed", "error", err)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background flusher and snapshots one last time.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.flushTicker != nil {
			s.flushTicker.Stop()
			close(s.stop)
			s.wg.Wait()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.Flush(ctx)
	})
	return err
}

// Sink adapts the store to the sync worker's stats sink without
// handing the worker the store's lifecycle: Close here is a no-op, the
// daemon closes the store itself.
type Sink struct {
	Store *Store
}

func (s Sink) RecordSync(outcome, kind string, attempts int, duration time.Duration) {
	s.Store.RecordSync(outcome, kind, attempts, duration)
}

func (Sink) Close() {}

// newEventID returns a time-ordered unique token, falling back to v4
// if the clock is unusable.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
