// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// ApprovalTimeoutError reports an L4 wait that expired with no decision.
// The proposal is marked timed out in the index before this surfaces.
type ApprovalTimeoutError struct {
	ProposalID string
	Waited     time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval wait for proposal %s timed out after %s", e.ProposalID, e.Waited.Round(time.Millisecond))
}

// WaitDecision blocks until the proposal reaches a terminal status.
//
// # Description
//
// The index file is the only truth the waiter trusts: every wake-up
// re-reads it, so a decision made by another process (or another run of
// this one) resolves the wait just as well as a local Approve. Wake-ups
// come from a filesystem watch on the index directory with the poll
// interval as the correctness backstop, so a missed event costs one
// poll period, never the decision.
//
// When the configured wait expires, the proposal is marked timed out
// under the index lease. The lease re-check closes the race with a
// decision landing at the deadline: whichever transition commits first
// is the one reported.
//
// # Inputs
//
//   - ctx: caller-scoped cancellation; cancelling abandons the wait and
//     leaves the proposal pending for an out-of-band decision
//   - id: the proposal id
//
// # Outputs
//
//   - *datatypes.Proposal: the settled record for any terminal outcome
//   - error: nil when approved; a reason-bearing error when rejected or
//     failed; *ApprovalTimeoutError when the wait expired; ctx.Err()
//     when the caller cancelled
func (m *Machine) WaitDecision(ctx context.Context, id string) (*datatypes.Proposal, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.config.WaitTimeout)
	defer cancel()

	started := time.Now()
	events := m.watchIndex(waitCtx)

	ticker := time.NewTicker(m.config.WaitPoll)
	defer ticker.Stop()

	m.logger.Info("awaiting decision",
		"proposal_id", id,
		"timeout", m.config.WaitTimeout)

	for {
		p, settled, err := m.checkDecision(waitCtx, id)
		if settled {
			return p, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return m.expireWait(ctx, id, time.Since(started))
		case <-ticker.C:
		case <-events:
		}
	}
}

// checkDecision reads the proposal once. A read failure is not a
// decision: the index lease can be busy while an approve is applying,
// so the waiter logs it and lets the next wake-up re-read.
func (m *Machine) checkDecision(ctx context.Context, id string) (*datatypes.Proposal, bool, error) {
	p, err := m.config.Index.Get(ctx, id)
	if err != nil {
		m.logger.Debug("index read failed during wait",
			"proposal_id", id,
			"error", err)
		return nil, false, nil
	}
	if p == nil {
		return nil, true, fmt.Errorf("proposal %s disappeared while awaiting a decision", id)
	}
	if !p.Status.IsTerminal() {
		return nil, false, nil
	}
	return p, true, m.decisionOutcome(p)
}

// decisionOutcome maps a terminal status to the waiter's return error.
func (m *Machine) decisionOutcome(p *datatypes.Proposal) error {
	switch p.Status {
	case datatypes.StatusApproved, datatypes.StatusApplied:
		return nil
	case datatypes.StatusRejected:
		if p.RejectReason != "" {
			return fmt.Errorf("proposal %s was rejected: %s", p.ID, p.RejectReason)
		}
		return fmt.Errorf("proposal %s was rejected", p.ID)
	case datatypes.StatusFailed:
		return fmt.Errorf("proposal %s was approved but its change failed: %s", p.ID, p.Error)
	default:
		waited := m.config.WaitTimeout
		if p.TimeoutAt != nil {
			waited = p.TimeoutAt.Sub(p.ProposedAt)
		}
		return &ApprovalTimeoutError{ProposalID: p.ID, Waited: waited}
	}
}

// expireWait marks the proposal timed out. The mutator re-checks state
// under the lease: a decision that landed after the waiter's last read
// wins, and its outcome is returned instead.
func (m *Machine) expireWait(ctx context.Context, id string, waited time.Duration) (*datatypes.Proposal, error) {
	updated, err := m.config.Index.Update(ctx, id, func(stored *datatypes.Proposal) error {
		if !stored.Status.IsActionable() {
			return nil
		}
		stored.MarkTerminal(datatypes.StatusTimeout, time.Now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking proposal %s timed out: %w", id, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("proposal %s disappeared while awaiting a decision", id)
	}
	if updated.Status != datatypes.StatusTimeout {
		return updated, m.decisionOutcome(updated)
	}

	m.auditProposal(ctx, datatypes.EventProposalTimeout, updated, map[string]any{
		"waited": waited.Round(time.Millisecond).String(),
	})
	m.logger.Warn("decision wait expired",
		"proposal_id", id,
		"waited", waited)
	m.observe(datatypes.StatusTimeout, updated.Level)
	return updated, &ApprovalTimeoutError{ProposalID: id, Waited: waited}
}

// watchIndex streams wake-ups whenever the index file changes.
//
// The index is replaced by temp-write-and-rename, which retires the
// watched inode on every update; watching the parent directory and
// filtering on the file's base name survives that. Setup failure
// degrades to poll-only, since the poll interval alone is already
// correct, just slower.
func (m *Machine) watchIndex(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("index watch unavailable, relying on polling", "error", err)
		return wake
	}

	indexPath := m.config.Index.Path()
	if err := watcher.Add(filepath.Dir(indexPath)); err != nil {
		m.logger.Warn("index watch unavailable, relying on polling",
			"dir", filepath.Dir(indexPath),
			"error", err)
		watcher.Close()
		return wake
	}
	base := filepath.Base(indexPath)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("index watch error", "error", err)
			}
		}
	}()

	return wake
}
