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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gatehouse/services/gatehouse/applier"
	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
	"github.com/AleutianAI/gatehouse/services/gatehouse/queue"
)

const goodReason = "raise the worker pool so the evening backlog drains faster"

type announceCall struct {
	proposalID string
	urgent     bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []announceCall
}

func (n *recordingNotifier) Announce(_ context.Context, p *datatypes.Proposal, urgent bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, announceCall{proposalID: p.ID, urgent: urgent})
	return nil
}

func (n *recordingNotifier) snapshot() []announceCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]announceCall(nil), n.calls...)
}

type machineFixture struct {
	machine  *Machine
	index    *index.Index
	review   *queue.Queue
	audit    *audit.Logger
	notifier *recordingNotifier
	root     string
}

func newMachineFixture(t *testing.T, mutate func(*Config)) *machineFixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "managed")
	require.NoError(t, os.MkdirAll(root, 0o755))

	app, err := applier.New(applier.Config{Root: root})
	require.NoError(t, err)
	ix, err := index.Open(filepath.Join(dir, "proposals.json"), index.Config{})
	require.NoError(t, err)
	review, err := queue.Open(dir, "review", queue.Config{})
	require.NoError(t, err)
	auditLog, err := audit.Open(audit.Config{Dir: filepath.Join(dir, "audit")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	notifier := &recordingNotifier{}
	config := Config{
		Index:       ix,
		Review:      review,
		Applier:     app,
		Audit:       auditLog,
		Notifier:    notifier,
		WaitPoll:    20 * time.Millisecond,
		WaitTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&config)
	}

	m, err := New(config)
	require.NoError(t, err)
	return &machineFixture{machine: m, index: ix, review: review, audit: auditLog, notifier: notifier, root: root}
}

func (f *machineFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *machineFixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(t, err)
	return string(data)
}

// auditEvents returns the trail for one proposal in write order.
func (f *machineFixture) auditEvents(t *testing.T, proposalID string) []string {
	t.Helper()
	entries, err := f.audit.Query(audit.Filter{ProposalID: proposalID})
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		events = append(events, string(entries[i].Event))
	}
	return events
}

func configChange(path string) datatypes.ConfigChange {
	return datatypes.ConfigChange{Path: path, Set: map[string]any{"server.port": 9090}}
}

func skillChange(name string) datatypes.NewSkillChange {
	return datatypes.NewSkillChange{
		Name:        name,
		Description: "Summarizes recent log output into a short digest.",
		Content:     "Collect the last 200 lines and compress them into bullet points.",
		Tags:        []string{"logs"},
	}
}

func updateChange(target, find, replace string) datatypes.UpdateChange {
	return datatypes.UpdateChange{
		Target:       target,
		Replacements: []datatypes.Replacement{{Find: find, Replace: replace}},
	}
}

// TestNewRequiresWiring verifies missing dependencies are caught at
// construction, not at first use.
func TestNewRequiresWiring(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	f := newMachineFixture(t, nil)
	_, err = New(Config{Index: f.index, Review: f.review, Applier: nil, Audit: f.audit})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Applier")
}

// TestProposeL1AppliesImmediately verifies a low-impact config change
// applies synchronously: no ticket, no announcement, terminal status in
// the index, two audit entries.
func TestProposeL1AppliesImmediately(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "app.yaml", "server:\n  port: 8080\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, configChange("app.yaml"), goodReason, 0.05, "agent")
	require.NoError(t, err)
	require.NotNil(t, dec)

	assert.True(t, dec.Approved)
	assert.Equal(t, datatypes.LevelL1, dec.Level)
	assert.Equal(t, datatypes.StatusApplied, dec.Status)
	assert.Contains(t, f.read(t, "app.yaml"), "9090")

	stored, err := f.index.Get(ctx, dec.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusApplied, stored.Status)
	assert.NotNil(t, stored.AppliedAt)

	ticket, err := f.review.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.Empty(t, f.notifier.snapshot())

	assert.Equal(t, []string{
		string(datatypes.EventProposalCreated),
		string(datatypes.EventChangeApplied),
	}, f.auditEvents(t, dec.Proposal.ID))
}

// TestProposeL1ApplyFailureSettlesFailed verifies a failed immediate
// apply lands on failed with the error recorded, and that no rollback
// is audited when no snapshot existed.
func TestProposeL1ApplyFailureSettlesFailed(t *testing.T) {
	f := newMachineFixture(t, nil)
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, configChange("ghost.yaml"), goodReason, 0.05, "agent")
	require.Error(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, datatypes.StatusFailed, dec.Status)

	stored, err := f.index.Get(ctx, dec.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)

	events := f.auditEvents(t, dec.Proposal.ID)
	assert.Contains(t, events, string(datatypes.EventChangeFailed))
	assert.NotContains(t, events, string(datatypes.EventChangeRolledBack))
}

// TestProposeValidationRejectsBeforeAnyWrite verifies validation
// failures leave no trace: no index record, no ticket, no audit entry.
func TestProposeValidationRejectsBeforeAnyWrite(t *testing.T) {
	f := newMachineFixture(t, nil)
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, configChange("app.yaml"), "why not", 0.05, "agent")
	require.Error(t, err)
	assert.Nil(t, dec)
	assert.True(t, datatypes.IsValidationError(err))

	unsafe := datatypes.SelfModChange{TargetPath: "main.go", Patch: "--- a/main.go\n", Safe: false}
	dec, err = f.machine.Propose(ctx, unsafe, goodReason, 0.9, "agent")
	require.Error(t, err)
	assert.Nil(t, dec)
	assert.True(t, datatypes.IsValidationError(err))

	listed, err := f.index.List(ctx, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, listed)

	ticket, err := f.review.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, ticket)

	recent, err := f.audit.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

// TestProposeL2QueuesForBatch verifies a new skill parks as queued with
// a review ticket and a non-urgent announcement.
func TestProposeL2QueuesForBatch(t *testing.T) {
	f := newMachineFixture(t, nil)
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, skillChange("digest-logs"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	assert.False(t, dec.Approved)
	assert.Equal(t, datatypes.LevelL2, dec.Level)
	assert.Equal(t, datatypes.StatusQueued, dec.Status)

	msg, err := f.review.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var ticket ReviewTicket
	require.NoError(t, msg.DecodePayload(&ticket))
	assert.Equal(t, dec.Proposal.ID, ticket.ProposalID)
	assert.Equal(t, datatypes.LevelL2, ticket.Level)
	assert.NotEmpty(t, ticket.Summary)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, dec.Proposal.ID, calls[0].proposalID)
	assert.False(t, calls[0].urgent)
}

// TestProposeL3ParksForApproval verifies an update waits for a human
// decision rather than applying.
func TestProposeL3ParksForApproval(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	assert.Equal(t, datatypes.LevelL3, dec.Level)
	assert.Equal(t, datatypes.StatusPendingApproval, dec.Status)
	assert.Equal(t, "draft copy\n", f.read(t, "notes.txt"))

	msg, err := f.review.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var ticket ReviewTicket
	require.NoError(t, msg.DecodePayload(&ticket))
	assert.Equal(t, datatypes.LevelL3, ticket.Level)
}

// TestApproveAppliesAndSettles verifies the claim-then-apply sequence:
// the decision transition commits first, the change lands second, and
// the L3 snapshot preserves the pre-change bytes.
func TestApproveAppliesAndSettles(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	settled, err := f.machine.Approve(ctx, dec.Proposal.ID, "reviewer")
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, datatypes.StatusApproved, settled.Status)
	assert.NotNil(t, settled.ApprovedAt)

	assert.Equal(t, "final copy\n", f.read(t, "notes.txt"))
	backup := filepath.Join(f.root, "backups", dec.Proposal.ID, "files", "notes.txt")
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "draft copy\n", string(data))

	assert.Equal(t, []string{
		string(datatypes.EventProposalCreated),
		string(datatypes.EventProposalApproved),
		string(datatypes.EventChangeApplied),
	}, f.auditEvents(t, dec.Proposal.ID))

	approvals, err := f.audit.Query(audit.Filter{
		ProposalID: dec.Proposal.ID,
		Events:     []datatypes.AuditEvent{datatypes.EventProposalApproved},
	})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "reviewer", approvals[0].Actor)
}

// TestApproveUnknownID verifies an unknown id is a nil result, not an
// error, so callers can map it to a 404.
func TestApproveUnknownID(t *testing.T) {
	f := newMachineFixture(t, nil)

	p, err := f.machine.Approve(context.Background(), "no-such-proposal", "reviewer")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// TestApproveAlreadyDecided verifies a second decision against a
// settled proposal fails with ErrNotActionable in either direction.
func TestApproveAlreadyDecided(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	_, err = f.machine.Approve(ctx, dec.Proposal.ID, "reviewer")
	require.NoError(t, err)

	_, err = f.machine.Approve(ctx, dec.Proposal.ID, "reviewer")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotActionable)

	_, err = f.machine.Reject(ctx, dec.Proposal.ID, "changed my mind", "reviewer")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotActionable)
}

// TestApproveApplyFailureMarksFailed verifies an approved change whose
// apply fails lands on failed with the rollback audited, and that the
// approval timestamp survives the failure transition.
func TestApproveApplyFailureMarksFailed(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, updateChange("notes.txt", "missing text", "still missing"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	_, err = f.machine.Approve(ctx, dec.Proposal.ID, "reviewer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	stored, err := f.index.Get(ctx, dec.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
	assert.NotNil(t, stored.ApprovedAt)
	assert.Equal(t, "draft copy\n", f.read(t, "notes.txt"))

	assert.Equal(t, []string{
		string(datatypes.EventProposalCreated),
		string(datatypes.EventProposalApproved),
		string(datatypes.EventChangeFailed),
		string(datatypes.EventChangeRolledBack),
	}, f.auditEvents(t, dec.Proposal.ID))
}

// TestRejectSettles verifies rejection records the reason, applies
// nothing, and refuses empty reasons and double decisions.
func TestRejectSettles(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	_, err = f.machine.Reject(ctx, dec.Proposal.ID, "", "reviewer")
	require.Error(t, err)

	settled, err := f.machine.Reject(ctx, dec.Proposal.ID, "too risky during release week", "reviewer")
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, datatypes.StatusRejected, settled.Status)
	assert.Equal(t, "too risky during release week", settled.RejectReason)
	assert.NotNil(t, settled.RejectedAt)
	assert.Equal(t, "draft copy\n", f.read(t, "notes.txt"))

	assert.Equal(t, []string{
		string(datatypes.EventProposalCreated),
		string(datatypes.EventProposalRejected),
	}, f.auditEvents(t, dec.Proposal.ID))

	_, err = f.machine.Reject(ctx, dec.Proposal.ID, "again", "reviewer")
	assert.ErrorIs(t, err, ErrNotActionable)
}

// TestDrainReviewAppliesQueuedSkills verifies the batch tier: queued L2
// proposals apply during a drain while L3 tickets are dropped without
// touching the proposal.
func TestDrainReviewAppliesQueuedSkills(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	first, err := f.machine.Propose(ctx, skillChange("digest-logs"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	second, err := f.machine.Propose(ctx, skillChange("triage-alerts"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	parked, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	consumed, err := f.machine.DrainReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)

	for _, dec := range []*Decision{first, second} {
		stored, err := f.index.Get(ctx, dec.Proposal.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, datatypes.StatusApplied, stored.Status)
	}
	assert.FileExists(t, filepath.Join(f.root, "skills", "digest-logs.md"))
	assert.FileExists(t, filepath.Join(f.root, "skills", "triage-alerts.md"))

	stored, err := f.index.Get(ctx, parked.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusPendingApproval, stored.Status)
	assert.Equal(t, "draft copy\n", f.read(t, "notes.txt"))

	consumed, err = f.machine.DrainReview(ctx)
	require.NoError(t, err)
	assert.Zero(t, consumed)
}

// TestDrainReviewSkipsDecidedTickets verifies a ticket whose proposal
// was decided between enqueue and drain cannot re-apply it.
func TestDrainReviewSkipsDecidedTickets(t *testing.T) {
	f := newMachineFixture(t, nil)
	ctx := context.Background()

	dec, err := f.machine.Propose(ctx, skillChange("digest-logs"), goodReason, 0.10, "agent")
	require.NoError(t, err)

	_, err = f.machine.Reject(ctx, dec.Proposal.ID, "duplicate of an installed skill", "reviewer")
	require.NoError(t, err)

	consumed, err := f.machine.DrainReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)

	assert.NoFileExists(t, filepath.Join(f.root, "skills", "digest-logs.md"))
	stored, err := f.index.Get(ctx, dec.Proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, datatypes.StatusRejected, stored.Status)
}

// TestOnAppliedHookObservesEveryApplyPath verifies the applied hook
// fires on the immediate, approved, and batch apply paths, and never
// for rejections.
func TestOnAppliedHookObservesEveryApplyPath(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	f := newMachineFixture(t, func(c *Config) {
		c.OnApplied = func(_ context.Context, p *datatypes.Proposal, res *applier.Result) {
			mu.Lock()
			defer mu.Unlock()
			if res == nil {
				t.Error("OnApplied received a nil result")
			}
			applied = append(applied, p.ID)
		}
	})
	f.write(t, "app.yaml", "server:\n  port: 8080\n")
	f.write(t, "notes.txt", "draft copy\n")
	ctx := context.Background()

	immediate, err := f.machine.Propose(ctx, configChange("app.yaml"), goodReason, 0.05, "agent")
	require.NoError(t, err)

	batch, err := f.machine.Propose(ctx, skillChange("digest-logs"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	_, err = f.machine.DrainReview(ctx)
	require.NoError(t, err)

	parked, err := f.machine.Propose(ctx, updateChange("notes.txt", "draft", "final"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	_, err = f.machine.Approve(ctx, parked.Proposal.ID, "reviewer")
	require.NoError(t, err)

	rejected, err := f.machine.Propose(ctx, skillChange("triage-alerts"), goodReason, 0.10, "agent")
	require.NoError(t, err)
	_, err = f.machine.Reject(ctx, rejected.Proposal.ID, "duplicate of an installed skill", "reviewer")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t,
		[]string{immediate.Proposal.ID, batch.Proposal.ID, parked.Proposal.ID},
		applied)
}
