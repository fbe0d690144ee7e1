// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index provides the file-backed proposal store.
//
// # Description
//
// One JSON document maps proposal ids to their records. Every operation
// acquires the index lease, loads the document, and (for mutations)
// atomically rewrites it via write-to-temp-then-rename. The index is the
// single source of truth for "is this proposal still pending": the L4
// wait loop and the approve/reject paths both consult it, never in-memory
// state.
//
// # Thread Safety
//
// Safe across goroutines and processes; the lease serializes writers.
package index

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
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/lock"
)

// ErrDuplicateID rejects adding a proposal whose id is already indexed.
var ErrDuplicateID = errors.New("proposal id already indexed")

// =============================================================================
// Config
// =============================================================================

// Config tunes the index.
type Config struct {
	// Lock tunes lease acquisition around every operation.
	Lock lock.Config

	// Logger receives prune diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Index
// =============================================================================

// Index is the keyed proposal store backed by one JSON file.
type Index struct {
	path     string
	lockPath string
	config   Config
	logger   *slog.Logger
}

// Open prepares the index at path, creating parent directories. The store
// file itself appears on first write.
func Open(path string, cfg Config) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	cfg = cfg.withDefaults()
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return &Index{
		path:     path,
		lockPath: base + lock.MarkerSuffix,
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "index")),
	}, nil
}

// Path returns the store file path. The L4 waiter watches it for change.
func (i *Index) Path() string { return i.path }

// Add inserts a new proposal record.
func (i *Index) Add(ctx context.Context, p *datatypes.Proposal) error {
	if p == nil || p.ID == "" {
		return errors.New("proposal must have an id")
	}
	return i.mutate(ctx, func(m map[string]*datatypes.Proposal) (bool, error) {
		if _, exists := m[p.ID]; exists {
			return false, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		m[p.ID] = p
		return true, nil
	})
}

// Get returns the proposal by id, or nil when unknown.
func (i *Index) Get(ctx context.Context, id string) (*datatypes.Proposal, error) {
	var found *datatypes.Proposal
	err := i.read(ctx, func(m map[string]*datatypes.Proposal) {
		found = m[id]
	})
	return found, err
}

// Update applies a partial mutation to one record under the lease.
//
// # Description
//
// The mutator receives the stored record and edits the fields it cares
// about; the rewritten document persists the result. Returns the updated
// record, or nil when the id is unknown (no error - callers decide whether
// absence is exceptional).
func (i *Index) Update(ctx context.Context, id string, mutator func(*datatypes.Proposal) error) (*datatypes.Proposal, error) {
	var updated *datatypes.Proposal
	err := i.mutate(ctx, func(m map[string]*datatypes.Proposal) (bool, error) {
		p, ok := m[id]
		if !ok {
			return false, nil
		}
		if err := mutator(p); err != nil {
			return false, err
		}
		updated = p
		return true, nil
	})
	return updated, err
}

// Remove deletes one record, reporting whether it existed.
func (i *Index) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := i.mutate(ctx, func(m map[string]*datatypes.Proposal) (bool, error) {
		if _, ok := m[id]; !ok {
			return false, nil
		}
		delete(m, id)
		removed = true
		return true, nil
	})
	return removed, err
}

// Filter restricts List results. Zero fields match everything.
type Filter struct {
	Statuses []datatypes.Status
	Level    datatypes.Level
	Type     datatypes.ChangeType
	Since    time.Time
}

func (f Filter) matches(p *datatypes.Proposal) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Level != "" && p.Level != f.Level {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && p.ProposedAt.Before(f.Since) {
		return false
	}
	return true
}

// List returns matching proposals ordered by submission time.
func (i *Index) List(ctx context.Context, filter Filter) ([]*datatypes.Proposal, error) {
	var out []*datatypes.Proposal
	err := i.read(ctx, func(m map[string]*datatypes.Proposal) {
		for _, p := range m {
			if filter.matches(p) {
				out = append(out, p)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ProposedAt.Equal(out[b].ProposedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].ProposedAt.Before(out[b].ProposedAt)
	})
	return out, nil
}

// PruneTerminal removes terminal records older than the retention window,
// keeping the index from growing without bound.
func (i *Index) PruneTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	pruned := 0
	err := i.mutate(ctx, func(m map[string]*datatypes.Proposal) (bool, error) {
		for id, p := range m {
			if !p.Status.IsTerminal() {
				continue
			}
			if terminalTime(p).Before(cutoff) {
				delete(m, id)
				pruned++
			}
		}
		return pruned > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		i.logger.Info("pruned terminal proposals", slog.Int("count", pruned))
	}
	return pruned, nil
}

// terminalTime picks the timestamp that ended the proposal's lifecycle.
func terminalTime(p *datatypes.Proposal) time.Time {
	for _, ts := range []*time.Time{p.AppliedAt, p.ApprovedAt, p.RejectedAt, p.TimeoutAt} {
		if ts != nil {
			return *ts
		}
	}
	return p.ProposedAt
}

// =============================================================================
// Store I/O
// =============================================================================

func (i *Index) read(ctx context.Context, fn func(map[string]*datatypes.Proposal)) error {
	lease, err := lock.Acquire(ctx, i.lockPath, i.config.Lock)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release() }()

	m, err := i.load()
	if err != nil {
		return err
	}
	fn(m)
	return nil
}

func (i *Index) mutate(ctx context.Context, fn func(map[string]*datatypes.Proposal) (bool, error)) error {
	lease, err := lock.Acquire(ctx, i.lockPath, i.config.Lock)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release() }()

	m, err := i.load()
	if err != nil {
		return err
	}
	dirty, err := fn(m)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return i.store(m)
}

func (i *Index) load() (map[string]*datatypes.Proposal, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*datatypes.Proposal), nil
		}
		return nil, fmt.Errorf("reading index %s: %w", i.path, err)
	}
	if len(data) == 0 {
		return make(map[string]*datatypes.Proposal), nil
	}

	var m map[string]*datatypes.Proposal
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing index %s: %w", i.path, err)
	}
	if m == nil {
		m = make(map[string]*datatypes.Proposal)
	}
	return m, nil
}

func (i *Index) store(m map[string]*datatypes.Proposal) error {
	tmp, err := os.CreateTemp(filepath.Dir(i.path), filepath.Base(i.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index: %w", err)
	}
	if err := os.Rename(tmpPath, i.path); err != nil {
		return fmt.Errorf("replacing index %s: %w", i.path, err)
	}
	return nil
}
