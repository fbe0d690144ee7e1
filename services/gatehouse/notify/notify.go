// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers review announcements to a chat webhook.
//
// Delivery is best-effort with a durable floor: an announcement that
// cannot go out now (throttled, webhook down, bad response) is appended
// to an on-disk spool, audited as a fallback, and retried later by
// FlushSpool. The bearer token spends its lifetime in mlocked memory.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/telemetry"
)

// tokenSecretPath is where the container runtime mounts the webhook
// token when it is provided as a secret instead of an env var.
const tokenSecretPath = "/run/secrets/gatehouse_webhook_token"

// claimSuffix marks the spool segment a flush is working through, so a
// crash mid-flush re-delivers instead of losing records.
const claimSuffix = ".flushing"

// Announcement is the webhook POST body.
type Announcement struct {
	ProposalID  string               `json:"proposalId"`
	Type        datatypes.ChangeType `json:"type"`
	Level       datatypes.Level      `json:"level"`
	Summary     string               `json:"summary"`
	Reason      string               `json:"reason"`
	ImpactScore float64              `json:"impactScore"`
	Urgent      bool                 `json:"urgent"`
	QueuedAt    time.Time            `json:"queuedAt"`
}

// spoolRecord is one parked announcement plus its delivery history, so
// operators inspecting the spool can see how stuck a record is.
type spoolRecord struct {
	Announcement  Announcement `json:"announcement"`
	FirstFailedAt time.Time    `json:"firstFailedAt"`
	Attempts      int          `json:"attempts"`
}

// =============================================================================
// Config
// =============================================================================

// Config wires a Webhook. WebhookURL and SpoolPath are required.
type Config struct {
	// WebhookURL receives announcement POSTs.
	WebhookURL string

	// Token authenticates requests as a bearer credential. Empty falls
	// back to GATEHOUSE_WEBHOOK_TOKEN, then the mounted secret file; no
	// token anywhere means unauthenticated requests.
	Token string

	// SpoolPath is the JSONL fallback file for announcements that could
	// not be delivered.
	SpoolPath string

	// Timeout bounds one webhook request. Defaults to 5s.
	Timeout time.Duration

	// Throttle is the sustained outbound interval. Defaults to one
	// message per 2s.
	Throttle time.Duration

	// Burst is how many sends may go out back to back. Defaults to 3.
	Burst int

	// Audit records fallback events. Optional.
	Audit *audit.Logger

	// HTTPClient overrides the default client. Tests inject one here.
	HTTPClient *http.Client

	// Logger receives delivery diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Throttle <= 0 {
		c.Throttle = 2 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// resolveToken settles the bearer credential: explicit config first,
// then the env var, then the mounted secret.
func resolveToken(configured string) string {
	if configured != "" {
		return configured
	}
	if tok := os.Getenv("GATEHOUSE_WEBHOOK_TOKEN"); tok != "" {
		return tok
	}
	if data, err := os.ReadFile(tokenSecretPath); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

// =============================================================================
// Webhook
// =============================================================================

// Webhook is the announcement sender. Safe for concurrent use.
type Webhook struct {
	config  Config
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	vault   *tokenVault

	spoolMu sync.Mutex
}

// New validates the wiring, prepares the spool directory, and seals the
// token.
func New(cfg Config) (*Webhook, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("notify: WebhookURL is required")
	}
	if cfg.SpoolPath == "" {
		return nil, errors.New("notify: SpoolPath is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.SpoolPath), 0o755); err != nil {
		return nil, fmt.Errorf("notify: create spool dir: %w", err)
	}

	w := &Webhook{
		config:  cfg,
		logger:  cfg.Logger.With("component", "notify"),
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Every(cfg.Throttle), cfg.Burst),
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: cfg.Timeout}
	}
	if token := resolveToken(cfg.Token); token != "" {
		vault, err := newTokenVault([]byte(token))
		if err != nil {
			return nil, err
		}
		w.vault = vault
	}
	return w, nil
}

// Announce delivers one review announcement.
//
// # Description
//
// Best-effort by contract: a throttled or failed delivery is appended
// to the on-disk spool for FlushSpool to retry, audited as a fallback,
// and reported as success to the caller. Only a spool write failure,
// which would leave the announcement nowhere durable, returns an error.
// Urgent announcements skip the throttle gate but still consume its
// budget.
//
// # Inputs
//
//   - ctx: bounds the POST together with the configured Timeout
//   - p: the proposal to announce
//   - urgent: true for the blocking review tier
//
// # Outputs
//
//   - error: non-nil only when both delivery and spooling failed
func (w *Webhook) Announce(ctx context.Context, p *datatypes.Proposal, urgent bool) error {
	a := w.announcement(p, urgent)

	if !urgent && !w.limiter.Allow() {
		return w.fallback(ctx, a, "throttled")
	}
	if urgent {
		w.limiter.Allow()
	}

	if err := w.send(ctx, a); err != nil {
		w.logger.Warn("webhook delivery failed, spooling",
			"proposal_id", a.ProposalID,
			"urgent", urgent,
			"error", err)
		return w.fallback(ctx, a, err.Error())
	}
	return nil
}

// Pending counts spooled announcements awaiting redelivery.
func (w *Webhook) Pending() int {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()
	n := len(w.readSpoolFile(w.config.SpoolPath + claimSuffix))
	n += len(w.readSpoolFile(w.config.SpoolPath))
	return n
}

// FlushSpool re-delivers spooled announcements in arrival order.
//
// # Description
//
// Claims the whole spool, then sends through the same throttle as live
// announcements (blocking on the limiter, since the flusher runs in the
// background). A send failure puts the unsent remainder back on the
// spool and stops, so a dead webhook does not spin the flusher.
//
// # Outputs
//
//   - int: announcements delivered
//   - error: the send or requeue failure that stopped the flush
func (w *Webhook) FlushSpool(ctx context.Context) (int, error) {
	pending, err := w.takeSpool()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	sent := 0
	for i := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			return sent, w.requeue(pending[i:], err)
		}
		if err := w.send(ctx, pending[i].Announcement); err != nil {
			pending[i].Attempts++
			return sent, w.requeue(pending[i:], err)
		}
		sent++
	}
	w.clearClaim()
	w.logger.Info("announcement spool flushed", "delivered", sent)
	return sent, nil
}

// Close wipes the token. The webhook is unusable afterward.
func (w *Webhook) Close() {
	if w.vault != nil {
		w.vault.destroy()
	}
}

// =============================================================================
// Delivery
// =============================================================================

func (w *Webhook) announcement(p *datatypes.Proposal, urgent bool) Announcement {
	summary := string(p.Type)
	if change, err := p.Change(); err == nil {
		summary = change.Describe()
	}
	return Announcement{
		ProposalID:  p.ID,
		Type:        p.Type,
		Level:       p.Level,
		Summary:     summary,
		Reason:      p.Reason,
		ImpactScore: p.ImpactScore,
		Urgent:      urgent,
		QueuedAt:    time.Now().UTC(),
	}
}

func (w *Webhook) send(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = telemetry.PropagateToRequest(ctx, req)
	req.Header.Set("Content-Type", "application/json")
	if w.vault != nil {
		token, err := w.vault.reveal()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting announcement: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// fallback appends the announcement to the spool and audits the event.
func (w *Webhook) fallback(ctx context.Context, a Announcement, cause string) error {
	rec := spoolRecord{Announcement: a, FirstFailedAt: time.Now().UTC(), Attempts: 1}
	if err := w.appendSpool(rec); err != nil {
		return fmt.Errorf("spooling announcement for %s: %w", a.ProposalID, err)
	}
	if w.config.Audit != nil {
		entry := datatypes.NewAuditEntry(datatypes.EventNotifyFallback)
		entry.ProposalID = a.ProposalID
		entry.Level = a.Level
		entry.Detail = map[string]any{"cause": cause, "urgent": a.Urgent}
		w.config.Audit.Record(ctx, entry)
	}
	return nil
}

// =============================================================================
// Spool
// =============================================================================

func (w *Webhook) appendSpool(rec spoolRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()

	f, err := os.OpenFile(w.config.SpoolPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// takeSpool claims every pending announcement: leftovers from an
// interrupted flush first, then the current spool, combined into the
// claim file so nothing is lost if this flush dies too.
func (w *Webhook) takeSpool() ([]spoolRecord, error) {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()

	claimPath := w.config.SpoolPath + claimSuffix
	pending := w.readSpoolFile(claimPath)
	pending = append(pending, w.readSpoolFile(w.config.SpoolPath)...)
	if len(pending) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for _, rec := range pending {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := claimPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, claimPath); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Remove(w.config.SpoolPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return pending, nil
}

// readSpoolFile parses one spool file, dropping corrupt lines with a
// warning. A missing file is an empty set. Caller holds spoolMu.
func (w *Webhook) readSpoolFile(path string) []spoolRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading spool failed", "path", path, "error", err)
		}
		return nil
	}
	var out []spoolRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec spoolRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			w.logger.Warn("dropping corrupt spool line", "path", path, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// requeue puts unsent announcements back on the spool and clears the
// claim, preserving the original failure. If the requeue itself fails,
// the claim file is left in place; the next flush re-reads it, at the
// cost of possible duplicate deliveries.
func (w *Webhook) requeue(remaining []spoolRecord, cause error) error {
	for _, rec := range remaining {
		if err := w.appendSpool(rec); err != nil {
			return fmt.Errorf("requeueing spool after %v: %w", cause, err)
		}
	}
	w.clearClaim()
	return cause
}

func (w *Webhook) clearClaim() {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()
	if err := os.Remove(w.config.SpoolPath + claimSuffix); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing spool claim failed", "error", err)
	}
}

// wipe zeroes a byte slice in place.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
