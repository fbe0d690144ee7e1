// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides cross-process advisory leases backed by PID marker
// files.
//
// # Description
//
// A lease is held by creating a marker file (O_EXCL) containing the
// holder's pid, host, and acquisition time. Waiters poll with a short
// interval up to a bounded timeout. Markers whose holder is no longer
// alive, or that exceed the stale threshold, are reclaimed — both lazily
// by waiters and proactively via ReclaimStale at startup.
//
// The locking is advisory: every cooperating process must go through
// Acquire for the exclusion to hold. This is the only cross-process
// mutual-exclusion mechanism in the system.
//
// # Thread Safety
//
// Acquire is safe for concurrent use. A Lease must be released exactly
// once; Release is idempotent.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// MarkerSuffix is the filename suffix for lease marker files.
const MarkerSuffix = ".lock.pid"

// ErrNotHeld is returned by Release when the marker no longer records this
// lease, meaning another process reclaimed it as stale.
var ErrNotHeld = errors.New("lease no longer held")

// =============================================================================
// Errors
// =============================================================================

// LockTimeoutError reports that the lease could not be acquired within the
// bounded wait. Callers should retry later rather than escalate.
type LockTimeoutError struct {
	// Path is the marker file that stayed held.
	Path string

	// Waited is how long the caller polled before giving up.
	Waited time.Duration

	// HolderPID is the pid recorded in the marker at the last check, or 0
	// if it could not be read.
	HolderPID int
}

func (e *LockTimeoutError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("lock timeout on %s after %s (held by pid %d)", e.Path, e.Waited, e.HolderPID)
	}
	return fmt.Sprintf("lock timeout on %s after %s", e.Path, e.Waited)
}

// IsLockTimeout reports whether err is (or wraps) a LockTimeoutError.
func IsLockTimeout(err error) bool {
	var lte *LockTimeoutError
	return errors.As(err, &lte)
}

// =============================================================================
// Config
// =============================================================================

// Config tunes lease acquisition.
type Config struct {
	// Timeout is the maximum total wait in Acquire.
	Timeout time.Duration

	// Poll is the retry interval while the marker is held.
	Poll time.Duration

	// StaleAfter reclaims markers older than this even when the holder
	// pid appears alive, protecting against pid reuse after a hard kill.
	StaleAfter time.Duration

	// Logger receives reclamation events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard lease tuning.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		Poll:       25 * time.Millisecond,
		StaleAfter: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Poll <= 0 {
		c.Poll = def.Poll
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Lease
// =============================================================================

// Info is the metadata recorded inside a marker file.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// IsStale reports whether the marker can be reclaimed: its holder process
// is gone, or it outlived the stale threshold.
func (i Info) IsStale(staleAfter time.Time) bool {
	if !IsProcessAlive(i.PID) {
		return true
	}
	return i.AcquiredAt.Before(staleAfter)
}

// Lease is a held advisory lease. Release it when the critical section
// ends; a process crash releases it implicitly via liveness checking.
type Lease struct {
	path     string
	info     Info
	released atomic.Bool
}

// Path returns the marker file path.
func (l *Lease) Path() string { return l.path }

// Release removes the marker if this lease still owns it.
//
// # Outputs
//
//   - error: ErrNotHeld when another process reclaimed the lease; nil on
//     success or repeat release.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}

	current, err := readInfo(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		// Corrupt marker under our own lease: remove it anyway.
		return os.Remove(l.path)
	}
	if current.PID != l.info.PID || !current.AcquiredAt.Equal(l.info.AcquiredAt) {
		return ErrNotHeld
	}
	return os.Remove(l.path)
}

// =============================================================================
// Acquisition
// =============================================================================

// errHeld signals "marker exists and is live"; internal to the poll loop.
var errHeld = errors.New("lease held")

// Acquire obtains the lease at path, polling up to the configured timeout.
//
// # Description
//
// Tries an exclusive marker create. When the marker exists, its holder is
// liveness-checked: dead holders and markers past the stale threshold are
// reclaimed and the create retried. Otherwise the caller sleeps for the
// poll interval and tries again until Timeout elapses, which yields a
// *LockTimeoutError.
//
// # Inputs
//
//   - ctx: cancels the wait early (returns ctx.Err())
//   - path: marker file path, conventionally "{name}.lock.pid"
//   - cfg: tuning; zero values take defaults
//
// # Outputs
//
//   - *Lease: the held lease
//   - error: *LockTimeoutError, ctx.Err(), or an I/O failure
func Acquire(ctx context.Context, path string, cfg Config) (*Lease, error) {
	cfg = cfg.withDefaults()

	start := time.Now()
	deadline := start.Add(cfg.Timeout)
	var lastHolder int

	for {
		lease, holder, err := tryAcquire(path, cfg)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, errHeld) {
			return nil, err
		}
		lastHolder = holder

		now := time.Now()
		if !now.Before(deadline) {
			return nil, &LockTimeoutError{Path: path, Waited: now.Sub(start), HolderPID: lastHolder}
		}

		wait := cfg.Poll
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts one exclusive create, reclaiming stale markers.
// Returns (nil, holderPID, errHeld) when the marker is legitimately held.
func tryAcquire(path string, cfg Config) (*Lease, int, error) {
	info := Info{
		PID:        os.Getpid(),
		Host:       hostname(),
		AcquiredAt: time.Now().UTC(),
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		encErr := json.NewEncoder(f).Encode(info)
		closeErr := f.Close()
		if encErr != nil || closeErr != nil {
			_ = os.Remove(path)
			return nil, 0, fmt.Errorf("writing lease marker %s: %w", path, errors.Join(encErr, closeErr))
		}
		return &Lease{path: path, info: info}, 0, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, 0, fmt.Errorf("creating lease marker %s: %w", path, err)
	}

	existing, rerr := readInfo(path)
	if rerr != nil {
		if errors.Is(rerr, fs.ErrNotExist) {
			// Holder released between our create attempt and the read.
			return nil, 0, errHeld
		}
		// A marker we cannot parse is a partial write from a crashed
		// holder; reclaim it.
		cfg.Logger.Warn("reclaiming corrupt lease marker", slog.String("path", path), slog.String("error", rerr.Error()))
		_ = os.Remove(path)
		return nil, 0, errHeld
	}

	if existing.IsStale(time.Now().Add(-cfg.StaleAfter)) {
		cfg.Logger.Warn("reclaiming stale lease marker",
			slog.String("path", path),
			slog.Int("holderPid", existing.PID),
			slog.Time("acquiredAt", existing.AcquiredAt))
		_ = os.Remove(path)
		return nil, existing.PID, errHeld
	}

	return nil, existing.PID, errHeld
}

// Holder reads the current marker metadata for diagnostics. Returns
// fs.ErrNotExist when the lease is free.
func Holder(path string) (Info, error) {
	return readInfo(path)
}

// ReclaimStale sweeps a directory for stale lease markers at startup,
// recovering from hard kills that skipped cleanup.
//
// # Outputs
//
//   - int: number of markers reclaimed
//   - error: non-nil only when the directory cannot be listed
func ReclaimStale(dir string, cfg Config) (int, error) {
	cfg = cfg.withDefaults()

	matches, err := filepath.Glob(filepath.Join(dir, "*"+MarkerSuffix))
	if err != nil {
		return 0, fmt.Errorf("listing lease markers in %s: %w", dir, err)
	}

	staleBefore := time.Now().Add(-cfg.StaleAfter)
	reclaimed := 0
	for _, path := range matches {
		info, rerr := readInfo(path)
		if rerr != nil {
			if errors.Is(rerr, fs.ErrNotExist) {
				continue
			}
			// Corrupt marker: reclaim.
			if os.Remove(path) == nil {
				reclaimed++
				cfg.Logger.Warn("reclaimed corrupt lease marker", slog.String("path", path))
			}
			continue
		}
		if info.PID == os.Getpid() {
			continue
		}
		if info.IsStale(staleBefore) {
			if os.Remove(path) == nil {
				reclaimed++
				cfg.Logger.Info("reclaimed stale lease marker",
					slog.String("path", path),
					slog.Int("holderPid", info.PID))
			}
		}
	}
	return reclaimed, nil
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing lease marker %s: %w", path, err)
	}
	if info.PID <= 0 {
		return Info{}, fmt.Errorf("lease marker %s records invalid pid %d", path, info.PID)
	}
	return info, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
