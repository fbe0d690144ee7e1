// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package applier executes approved change payloads against the managed
// tree: YAML config patches, skill installs, literal file edits, and
// unified-diff self-modifications.
//
// # Description
//
// Apply dispatches on the proposal's change type. Proposals at L3 and
// above are snapshotted into a per-proposal backup directory first; any
// failure during apply restores every backed-up file before the error
// surfaces. Config patches, skill installs, and literal edits converge
// when re-applied, so a retried proposal is safe. Self-modifications are
// re-parsed after patching and rolled back when the result does not
// parse.
//
// When a fix collaborator is configured, a failed apply consults it for
// a suggested correction. Config patches retry once with the corrected
// values; every other change type only attaches the suggestion to the
// returned ApplyError for the operator to act on.
//
// # Thread Safety
//
// An Applier is safe for concurrent use. Two proposals touching the
// same file still race at the filesystem level; the approval state
// machine serializes applies per proposal.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// Apply stages, used to localize an ApplyError.
const (
	StageBackup   = "backup"
	StageApply    = "apply"
	StageVerify   = "verify"
	StageRollback = "rollback"
)

// fixTimeout bounds the fix-collaborator call so a slow model cannot
// stall the apply path.
const fixTimeout = 20 * time.Second

// =============================================================================
// Errors
// =============================================================================

// ApplyError reports a failed change execution.
//
// Stage localizes the failure. Suggestion, when non-empty, carries the
// fix collaborator's proposed correction; the caller decides whether to
// surface it (the applier itself only auto-retries config patches).
// RolledBack is true when a snapshot existed and its restore completed,
// so auditors can record the rollback without guessing from the stage.
type ApplyError struct {
	ProposalID string
	Type       datatypes.ChangeType
	Stage      string
	Suggestion string
	RolledBack bool
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %s proposal %s (%s): %v", e.Type, e.ProposalID, e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ErrSyntax marks a self-modification whose patched result failed to
// parse. The written bytes are rolled back before the error surfaces.
var ErrSyntax = errors.New("syntax verification failed")

// =============================================================================
// Config
// =============================================================================

// Config tunes an Applier. Root is required; directory fields are
// relative to Root so the managed tree stays self-contained.
type Config struct {
	// Root is the managed tree every change path resolves under.
	Root string

	// BackupDir receives per-proposal snapshots, relative to Root.
	// Defaults to "backups".
	BackupDir string

	// SkillsDir receives installed skill descriptors, relative to Root.
	// Defaults to "skills".
	SkillsDir string

	// MinFreeMB is the free-space floor Preflight enforces. Defaults
	// to 256.
	MinFreeMB int64

	// Fixer, when non-nil, is consulted after a failed apply.
	Fixer FixSuggester

	// Logger receives apply and rollback diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BackupDir == "" {
		c.BackupDir = "backups"
	}
	if c.SkillsDir == "" {
		c.SkillsDir = "skills"
	}
	if c.MinFreeMB <= 0 {
		c.MinFreeMB = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Applier
// =============================================================================

// Applier executes change payloads with backup, rollback, and syntax
// verification. Construct with New.
type Applier struct {
	config Config
	logger *slog.Logger

	// statfs is swappable so tests can fake filesystem capacity.
	statfs func(string, *syscall.Statfs_t) error
}

// New validates the configuration and returns a ready Applier.
//
// # Inputs
//
//   - cfg: applier configuration; Root must name an existing directory
//
// # Outputs
//
//   - *Applier: the configured applier
//   - error: non-nil when Root is missing or not a directory
func New(cfg Config) (*Applier, error) {
	if cfg.Root == "" {
		return nil, errors.New("applier: Root is required")
	}
	cfg = cfg.withDefaults()

	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("applier root %s: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("applier root %s is not a directory", cfg.Root)
	}

	return &Applier{
		config: cfg,
		logger: cfg.Logger.With("component", "applier"),
		statfs: syscall.Statfs,
	}, nil
}

// Result describes a completed apply.
type Result struct {
	ProposalID   string               `json:"proposalId"`
	Type         datatypes.ChangeType `json:"type"`
	ChangedPaths []string             `json:"changedPaths"`

	// BackupPath is the per-proposal snapshot directory, empty when the
	// proposal's level did not require one.
	BackupPath string `json:"backupPath,omitempty"`

	// Retried is true when the first attempt failed and the fix
	// collaborator's corrected config patch succeeded.
	Retried    bool   `json:"retried,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Apply executes the proposal's change payload.
//
// # Description
//
// Decodes the payload, snapshots the affected files when the proposal's
// level is L3 or above, then dispatches to the per-type applier. On
// failure the snapshot is restored, the fix collaborator (if any) is
// consulted, and config patches get one retry with the corrected
// values. Every failure path returns an *ApplyError.
//
// # Inputs
//
//   - ctx: bounds the self-modification parse and the fix call
//   - p: the proposal to execute; its Level decides backup behavior
//
// # Outputs
//
//   - *Result: changed paths, backup location, and retry provenance
//   - error: *ApplyError wrapping the cause
func (a *Applier) Apply(ctx context.Context, p *datatypes.Proposal) (*Result, error) {
	change, err := p.Change()
	if err != nil {
		return nil, &ApplyError{ProposalID: p.ID, Type: p.Type, Stage: StageApply, Err: err}
	}

	paths, err := a.affectedPaths(change)
	if err != nil {
		return nil, &ApplyError{ProposalID: p.ID, Type: p.Type, Stage: StageApply, Err: err}
	}

	res := &Result{ProposalID: p.ID, Type: p.Type, ChangedPaths: paths}

	var backup *backupSet
	if p.Level.Rank() >= datatypes.LevelL3.Rank() {
		backup, err = a.snapshot(p.ID, paths)
		if err != nil {
			return nil, &ApplyError{ProposalID: p.ID, Type: p.Type, Stage: StageBackup, Err: err}
		}
		res.BackupPath = backup.dir
	}

	applyErr := a.applyChange(ctx, change)
	if applyErr == nil {
		a.logger.Info("change applied",
			"proposal_id", p.ID,
			"type", string(p.Type),
			"paths", paths)
		return res, nil
	}

	stage := StageApply
	if errors.Is(applyErr, ErrSyntax) {
		stage = StageVerify
	}

	if backup != nil {
		if rbErr := backup.restore(); rbErr != nil {
			a.logger.Error("rollback failed after apply error",
				"proposal_id", p.ID,
				"apply_error", applyErr,
				"rollback_error", rbErr)
			return nil, &ApplyError{
				ProposalID: p.ID,
				Type:       p.Type,
				Stage:      StageRollback,
				Err:        errors.Join(applyErr, rbErr),
			}
		}
		a.logger.Warn("rolled back after failed apply",
			"proposal_id", p.ID,
			"stage", stage,
			"error", applyErr)
	}

	suggestion := a.suggestFix(ctx, p, applyErr)

	// One corrected retry, config patches only. Other change types get
	// the suggestion attached to the error instead.
	if cc, ok := change.(datatypes.ConfigChange); ok && suggestion != "" {
		if corrected, ok := correctedConfig(cc, suggestion); ok {
			if retryErr := a.applyConfig(corrected); retryErr == nil {
				a.logger.Info("apply succeeded with corrected config patch",
					"proposal_id", p.ID,
					"path", cc.Path)
				res.Retried = true
				res.Suggestion = suggestion
				return res, nil
			} else {
				a.logger.Warn("corrected config patch also failed",
					"proposal_id", p.ID,
					"error", retryErr)
			}
		}
	}

	return nil, &ApplyError{
		ProposalID: p.ID,
		Type:       p.Type,
		Stage:      stage,
		Suggestion: suggestion,
		RolledBack: backup != nil,
		Err:        applyErr,
	}
}

func (a *Applier) applyChange(ctx context.Context, change datatypes.Change) error {
	switch c := change.(type) {
	case datatypes.ConfigChange:
		return a.applyConfig(c)
	case datatypes.NewSkillChange:
		return a.applySkill(c)
	case datatypes.UpdateChange:
		return a.applyUpdate(c)
	case datatypes.SelfModChange:
		return a.applySelfMod(ctx, c)
	default:
		return fmt.Errorf("no applier for change type %q", change.ChangeType())
	}
}

// affectedPaths lists the root-relative files the change will touch,
// validated against the managed root.
func (a *Applier) affectedPaths(change datatypes.Change) ([]string, error) {
	var rels []string
	switch c := change.(type) {
	case datatypes.ConfigChange:
		rels = []string{c.Path}
	case datatypes.NewSkillChange:
		rels = []string{filepath.Join(a.config.SkillsDir, c.Name+".md")}
	case datatypes.UpdateChange:
		rels = []string{c.Target}
	case datatypes.SelfModChange:
		rels = []string{c.TargetPath}
	default:
		return nil, fmt.Errorf("no applier for change type %q", change.ChangeType())
	}

	cleaned := make([]string, 0, len(rels))
	for _, rel := range rels {
		if _, err := a.resolvePath(rel); err != nil {
			return nil, err
		}
		cleaned = append(cleaned, filepath.Clean(strings.TrimSpace(rel)))
	}
	return cleaned, nil
}

// resolvePath maps a change-relative path onto the managed root,
// rejecting anything that would escape it.
func (a *Applier) resolvePath(rel string) (string, error) {
	rel = filepath.Clean(strings.TrimSpace(rel))
	if rel == "" || rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the managed root", rel)
	}
	return filepath.Join(a.config.Root, rel), nil
}

func (a *Applier) suggestFix(ctx context.Context, p *datatypes.Proposal, cause error) string {
	if a.config.Fixer == nil {
		return ""
	}
	fixCtx, cancel := context.WithTimeout(ctx, fixTimeout)
	defer cancel()

	suggestion, err := a.config.Fixer.SuggestFix(fixCtx, p, cause)
	if err != nil {
		a.logger.Warn("fix suggestion unavailable",
			"proposal_id", p.ID,
			"error", err)
		return ""
	}
	return strings.TrimSpace(suggestion)
}

// correctedConfig extracts a corrected dotted-path value map from the
// collaborator's suggestion. Returns false when the suggestion carries
// no usable JSON object.
func correctedConfig(cc datatypes.ConfigChange, suggestion string) (datatypes.ConfigChange, bool) {
	raw := extractJSONObject(suggestion)
	if raw == "" {
		return cc, false
	}
	var set map[string]any
	if err := json.Unmarshal([]byte(raw), &set); err != nil || len(set) == 0 {
		return cc, false
	}
	return datatypes.ConfigChange{Path: cc.Path, Set: set}, true
}

// extractJSONObject returns the first balanced {...} block in s. Brace
// counting ignores string contents, which is good enough for the
// fenced-or-inline objects models return.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// =============================================================================
// Backup / Rollback
// =============================================================================

// backupEntry records one file's pre-apply state. Files that did not
// exist are recorded so rollback removes whatever apply created.
type backupEntry struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	Mode    fs.FileMode `json:"mode,omitempty"`
}

type backupSet struct {
	root    string
	dir     string
	entries []backupEntry
}

// snapshot copies every affected file into BackupDir/{proposalID}/files/
// and writes a manifest so the snapshot is restorable even out of
// process.
func (a *Applier) snapshot(proposalID string, relPaths []string) (*backupSet, error) {
	dir, err := a.resolvePath(filepath.Join(a.config.BackupDir, proposalID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	set := &backupSet{root: a.config.Root, dir: dir}
	for _, rel := range relPaths {
		src, err := a.resolvePath(rel)
		if err != nil {
			return nil, err
		}
		entry := backupEntry{Path: rel}

		info, err := os.Stat(src)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Absent now; rollback removes whatever apply creates.
		case err != nil:
			return nil, fmt.Errorf("inspecting %s: %w", rel, err)
		default:
			data, err := os.ReadFile(src)
			if err != nil {
				return nil, fmt.Errorf("snapshotting %s: %w", rel, err)
			}
			dst := filepath.Join(dir, "files", rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, fmt.Errorf("creating backup subdir for %s: %w", rel, err)
			}
			if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
				return nil, fmt.Errorf("writing backup of %s: %w", rel, err)
			}
			entry.Existed = true
			entry.Mode = info.Mode().Perm()
		}
		set.entries = append(set.entries, entry)
	}

	manifest, err := json.MarshalIndent(struct {
		Entries []backupEntry `json:"entries"`
	}{set.entries}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0o644); err != nil {
		return nil, fmt.Errorf("writing backup manifest: %w", err)
	}
	return set, nil
}

// restore puts every snapshotted file back and removes files that did
// not exist before the apply. All entries are attempted; failures are
// joined so a partial restore is visible in full.
func (s *backupSet) restore() error {
	var errs []error
	for _, e := range s.entries {
		target := filepath.Join(s.root, e.Path)
		if !e.Existed {
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing created %s: %w", e.Path, err))
			}
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "files", e.Path))
		if err != nil {
			errs = append(errs, fmt.Errorf("reading backup of %s: %w", e.Path, err))
			continue
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, data, mode); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", e.Path, err))
		}
	}
	return errors.Join(errs...)
}

// PruneBackups removes per-proposal snapshot directories older than the
// retention window. Returns the number of directories removed.
func (a *Applier) PruneBackups(retention time.Duration) (int, error) {
	dir, err := a.resolvePath(a.config.BackupDir)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading backup dir: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			a.logger.Warn("pruning backup failed", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("pruned expired backups", "removed", removed)
	}
	return removed, nil
}

// =============================================================================
// Disk Preflight
// =============================================================================

// Preflight verifies the managed tree's filesystem has room for backup
// and patch work. Call it once at engine startup so a full disk is a
// startup fatal instead of a mid-apply surprise.
func (a *Applier) Preflight() error {
	var stat syscall.Statfs_t
	if err := a.statfs(a.config.Root, &stat); err != nil {
		return fmt.Errorf("statfs failed for %s: %w", a.config.Root, err)
	}
	freeMB := int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024)
	if freeMB < a.config.MinFreeMB {
		return fmt.Errorf("%d MB free under %s, need at least %d MB", freeMB, a.config.Root, a.config.MinFreeMB)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target's directory
// and renames it into place, so readers never see a partial write.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// fileModeOf returns the file's current permissions, or fallback when
// the file does not exist yet.
func fileModeOf(path string, fallback fs.FileMode) fs.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return fallback
}
