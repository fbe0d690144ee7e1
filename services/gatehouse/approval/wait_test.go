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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
)

const agentNotes = "line one\nline two\n"

// selfModChangeFor builds a safe single-file patch rewriting the second
// line of target.
func selfModChangeFor(target string) datatypes.SelfModChange {
	patch := strings.Join([]string{
		"--- a/" + target,
		"+++ b/" + target,
		"@@ -1,2 +1,2 @@",
		" line one",
		"-line two",
		"+line two improved",
		"",
	}, "\n")
	return datatypes.SelfModChange{
		TargetPath:  target,
		Patch:       patch,
		Description: "Tighten the second line.",
		Safe:        true,
	}
}

type proposeResult struct {
	dec *Decision
	err error
}

// proposeInBackground runs Propose in its own goroutine and returns the
// result channel plus the parked proposal's id once it is visible.
func proposeInBackground(t *testing.T, f *machineFixture, ctx context.Context, change datatypes.Change) (<-chan proposeResult, string) {
	t.Helper()
	results := make(chan proposeResult, 1)
	go func() {
		dec, err := f.machine.Propose(ctx, change, goodReason, 0.9, "agent")
		results <- proposeResult{dec: dec, err: err}
	}()

	var id string
	require.Eventually(t, func() bool {
		listed, err := f.index.List(context.Background(), index.Filter{
			Statuses: []datatypes.Status{datatypes.StatusPendingApproval},
		})
		if err != nil || len(listed) != 1 {
			return false
		}
		id = listed[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond, "proposal never parked")
	return results, id
}

func awaitResult(t *testing.T, results <-chan proposeResult) proposeResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("blocked propose never returned")
		return proposeResult{}
	}
}

// TestWaitDecisionResolvesOnApprove verifies an L4 propose blocks until
// the approval lands, then reports the applied change.
func TestWaitDecisionResolvesOnApprove(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "agent/notes.txt", agentNotes)
	ctx := context.Background()

	results, id := proposeInBackground(t, f, ctx, selfModChangeFor("agent/notes.txt"))

	_, err := f.machine.Approve(ctx, id, "reviewer")
	require.NoError(t, err)

	res := awaitResult(t, results)
	require.NoError(t, res.err)
	assert.True(t, res.dec.Approved)
	assert.Equal(t, datatypes.LevelL4, res.dec.Level)
	assert.Equal(t, datatypes.StatusApproved, res.dec.Status)
	assert.Equal(t, "line one\nline two improved\n", f.read(t, "agent/notes.txt"))

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].urgent)
}

// TestWaitDecisionResolvesOnReject verifies a rejection unblocks the
// waiter with a reason-bearing error and no file change.
func TestWaitDecisionResolvesOnReject(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "agent/notes.txt", agentNotes)
	ctx := context.Background()

	results, id := proposeInBackground(t, f, ctx, selfModChangeFor("agent/notes.txt"))

	_, err := f.machine.Reject(ctx, id, "not during the demo", "reviewer")
	require.NoError(t, err)

	res := awaitResult(t, results)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "rejected")
	assert.Contains(t, res.err.Error(), "not during the demo")
	assert.False(t, res.dec.Approved)
	assert.Equal(t, datatypes.StatusRejected, res.dec.Status)
	assert.Equal(t, agentNotes, f.read(t, "agent/notes.txt"))
}

// TestWaitDecisionTimesOut verifies an undecided L4 proposal settles as
// timed out: the waiter returns ApprovalTimeoutError, the index records
// the terminal status, and the trail shows the expiry.
func TestWaitDecisionTimesOut(t *testing.T) {
	f := newMachineFixture(t, func(c *Config) {
		c.WaitTimeout = 150 * time.Millisecond
		c.WaitPoll = 20 * time.Millisecond
	})
	f.write(t, "agent/notes.txt", agentNotes)
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, selfModChangeFor("agent/notes.txt"), goodReason, 0.9, "agent")
	require.Error(t, err)
	require.NotNil(t, dec)

	var timeoutErr *ApprovalTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dec.Proposal.ID, timeoutErr.ProposalID)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, datatypes.StatusTimeout, dec.Status)

	stored, err := f.index.Get(ctx, dec.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusTimeout, stored.Status)
	assert.NotNil(t, stored.TimeoutAt)
	assert.Equal(t, agentNotes, f.read(t, "agent/notes.txt"))

	assert.Equal(t, []string{
		string(datatypes.EventProposalCreated),
		string(datatypes.EventProposalTimeout),
	}, f.auditEvents(t, dec.Proposal.ID))
}

// TestWaitDecisionCallerCancelLeavesPending verifies cancelling the
// caller's context abandons the wait without deciding anything: the
// proposal stays pending for an out-of-band decision.
func TestWaitDecisionCallerCancelLeavesPending(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "agent/notes.txt", agentNotes)
	propCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, id := proposeInBackground(t, f, propCtx, selfModChangeFor("agent/notes.txt"))
	cancel()

	res := awaitResult(t, results)
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, context.Canceled))

	stored, err := f.index.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusPendingApproval, stored.Status)
	assert.NotContains(t, f.auditEvents(t, id), string(datatypes.EventProposalTimeout))
}

// TestWaitDecisionSeesExternalDecision verifies the waiter trusts only
// the index: a decision written by another process resolves the wait
// without this machine's Approve running at all.
func TestWaitDecisionSeesExternalDecision(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "agent/notes.txt", agentNotes)
	ctx := context.Background()

	results, id := proposeInBackground(t, f, ctx, selfModChangeFor("agent/notes.txt"))

	_, err := f.index.Update(ctx, id, func(p *datatypes.Proposal) error {
		p.MarkTerminal(datatypes.StatusApproved, time.Now())
		return nil
	})
	require.NoError(t, err)

	res := awaitResult(t, results)
	require.NoError(t, res.err)
	assert.True(t, res.dec.Approved)
	assert.Equal(t, agentNotes, f.read(t, "agent/notes.txt"))
}

// TestWaitDecisionFailedApplyEndsWait verifies a decision whose apply
// fails still unblocks the waiter, reporting the failure instead of
// hanging until timeout.
func TestWaitDecisionFailedApplyEndsWait(t *testing.T) {
	f := newMachineFixture(t, nil)
	// The file does not match the patch, so the approved apply fails.
	f.write(t, "agent/notes.txt", "different content\nentirely\n")
	ctx := context.Background()

	results, id := proposeInBackground(t, f, ctx, selfModChangeFor("agent/notes.txt"))

	_, err := f.machine.Approve(ctx, id, "reviewer")
	require.Error(t, err)

	res := awaitResult(t, results)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "failed")
	assert.Equal(t, datatypes.StatusFailed, res.dec.Status)
	assert.False(t, res.dec.Approved)
}
