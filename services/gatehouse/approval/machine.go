// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval implements the four-tier review state machine.
//
// # Description
//
// Propose validates a change synchronously, assigns its review tier,
// and routes it: L1 applies immediately, L2 queues for batch apply, L3
// queues for a human decision, and L4 queues, announces urgently, and
// blocks the caller until the decision lands or the wait times out.
// Approve and Reject settle queued proposals; DrainReview is the batch
// worker that applies still-queued L2 proposals.
//
// The proposal index is the single source of truth for lifecycle state.
// The review queue carries durable tickets pointing back at it, and the
// L4 waiter re-reads it rather than trusting anything in memory, so a
// process restart never strands a decision.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and processes; all shared
// state lives behind the index and queue leases.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/gatehouse/services/gatehouse/applier"
	"github.com/AleutianAI/gatehouse/services/gatehouse/audit"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
	"github.com/AleutianAI/gatehouse/services/gatehouse/queue"
)

// tracerName identifies approval spans.
const tracerName = "gatehouse/approval"

// ErrNotActionable marks a decision against a proposal that is no
// longer pending. Callers map it to a conflict, not a retry.
var ErrNotActionable = errors.New("proposal is not pending")

// Notifier announces proposals that need review. Implementations are
// best-effort: a delivery failure must degrade to their own fallback,
// never into the propose path.
type Notifier interface {
	Announce(ctx context.Context, p *datatypes.Proposal, urgent bool) error
}

// ReviewTicket is the review-queue payload. It points back at the
// index rather than carrying proposal state, so a stale ticket can
// never resurrect a decided proposal.
type ReviewTicket struct {
	ProposalID string          `json:"proposalId"`
	Level      datatypes.Level `json:"level"`
	Summary    string          `json:"summary"`
}

// Decision is the Propose result handed back to the caller.
type Decision struct {
	Approved bool                `json:"approved"`
	Level    datatypes.Level     `json:"level"`
	Status   datatypes.Status    `json:"status"`
	Proposal *datatypes.Proposal `json:"proposal"`
}

// =============================================================================
// Config
// =============================================================================

// Config wires a Machine. Index, Review, Applier, and Audit are
// required; Notifier is optional.
type Config struct {
	Index   *index.Index
	Review  *queue.Queue
	Applier *applier.Applier
	Audit   *audit.Logger

	// Notifier announces L2+ proposals. Nil disables announcements;
	// the review queue and index still carry the work.
	Notifier Notifier

	// OnDecision, when set, observes each proposal as it settles
	// terminal (applied, approved, rejected, failed, timeout). Feeds
	// service metrics without coupling the machine to them.
	OnDecision func(decision datatypes.Status, level datatypes.Level)

	// OnApply, when set, observes the latency of every change
	// application attempt.
	OnApply func(elapsed time.Duration, err error)

	// OnApplied, when set, receives every successfully applied
	// proposal together with its apply result, after the terminal
	// index write. Downstream work hung off this hook (graph sync
	// enqueueing) must not unwind the applied status: the hook has
	// no error return on purpose.
	OnApplied func(ctx context.Context, p *datatypes.Proposal, res *applier.Result)

	// WaitPoll is the L4 index re-read interval, the correctness
	// backstop under the file-watch wake. Defaults to 2s.
	WaitPoll time.Duration

	// WaitTimeout is the maximum L4 block before the waiter marks the
	// proposal timed out. Defaults to 5m.
	WaitTimeout time.Duration

	// Logger receives routing diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WaitPoll <= 0 {
		c.WaitPoll = 2 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// =============================================================================
// Machine
// =============================================================================

// Machine routes proposals through the L1-L4 policy. Construct with
// New.
type Machine struct {
	config Config
	logger *slog.Logger
}

// New validates the wiring and returns a ready Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Index == nil {
		return nil, errors.New("approval: Index is required")
	}
	if cfg.Review == nil {
		return nil, errors.New("approval: Review queue is required")
	}
	if cfg.Applier == nil {
		return nil, errors.New("approval: Applier is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("approval: Audit is required")
	}
	cfg = cfg.withDefaults()

	return &Machine{
		config: cfg,
		logger: cfg.Logger.With("component", "approval"),
	}, nil
}

// Propose validates, classifies, and routes one change.
//
// # Description
//
// Validation is synchronous and happens before any queue or index
// write: a rejected change leaves no partial state. The accepted
// proposal is indexed, audited, and routed by tier. Only the L4 path
// blocks; every other tier returns as soon as its routing is durable.
//
// # Inputs
//
//   - ctx: bounds lease acquisition, the L1 apply, and the L4 wait
//   - change: the typed change payload
//   - reason: submitter justification
//   - impactScore: estimated blast radius in [0, 1] (clamped)
//   - source: free-form submitter tag recorded on the proposal
//
// # Outputs
//
//   - *Decision: tier, final (or parked) status, and the proposal
//   - error: *datatypes.ValidationError before any write; apply or
//     wait errors after, alongside a Decision describing the state
func (m *Machine) Propose(ctx context.Context, change datatypes.Change, reason string, impactScore float64, source string) (*Decision, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "approval.propose")
	defer span.End()

	if err := datatypes.ValidateProposalInput(change, reason); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	impact := ClampImpact(impactScore)
	p, err := datatypes.NewProposal(change, reason, impact)
	if err != nil {
		return nil, err
	}
	p.Level = DetermineLevel(p.Type, impact)
	p.Source = source

	span.SetAttributes(
		attribute.String("proposal.id", p.ID),
		attribute.String("proposal.type", string(p.Type)),
		attribute.String("proposal.level", string(p.Level)),
	)

	m.logger.Info("proposal received",
		"proposal_id", p.ID,
		"type", string(p.Type),
		"level", string(p.Level),
		"impact", p.ImpactScore)

	switch p.Level {
	case datatypes.LevelL1:
		return m.routeImmediate(ctx, p)
	case datatypes.LevelL2:
		return m.routeQueued(ctx, p, datatypes.StatusQueued, false)
	case datatypes.LevelL3:
		return m.routeQueued(ctx, p, datatypes.StatusPendingApproval, false)
	default:
		dec, err := m.routeQueued(ctx, p, datatypes.StatusPendingApproval, true)
		if err != nil {
			return dec, err
		}
		return m.awaitDecision(ctx, dec)
	}
}

// routeImmediate handles L1: index as pending, apply, settle terminal.
func (m *Machine) routeImmediate(ctx context.Context, p *datatypes.Proposal) (*Decision, error) {
	if err := m.config.Index.Add(ctx, p); err != nil {
		return nil, fmt.Errorf("indexing proposal %s: %w", p.ID, err)
	}
	m.auditProposal(ctx, datatypes.EventProposalCreated, p, nil)

	res, applyErr := m.timedApply(ctx, p)
	if applyErr != nil {
		failed := m.settleFailure(ctx, p.ID, applyErr)
		if failed != nil {
			p = failed
		}
		return &Decision{Level: p.Level, Status: datatypes.StatusFailed, Proposal: p}, applyErr
	}

	updated, err := m.config.Index.Update(ctx, p.ID, func(stored *datatypes.Proposal) error {
		stored.MarkTerminal(datatypes.StatusApplied, time.Now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settling proposal %s: %w", p.ID, err)
	}
	if updated != nil {
		p = updated
	}

	m.auditProposal(ctx, datatypes.EventChangeApplied, p, map[string]any{
		"paths":   res.ChangedPaths,
		"retried": res.Retried,
	})
	m.observe(datatypes.StatusApplied, p.Level)
	m.notifyApplied(ctx, p, res)
	return &Decision{Approved: true, Level: p.Level, Status: p.Status, Proposal: p}, nil
}

// routeQueued handles L2-L4 intake: index, enqueue a ticket, announce.
func (m *Machine) routeQueued(ctx context.Context, p *datatypes.Proposal, status datatypes.Status, urgent bool) (*Decision, error) {
	p.Status = status
	if err := m.config.Index.Add(ctx, p); err != nil {
		return nil, fmt.Errorf("indexing proposal %s: %w", p.ID, err)
	}
	m.auditProposal(ctx, datatypes.EventProposalCreated, p, nil)

	change, err := p.Change()
	if err != nil {
		return nil, err
	}
	ticket := ReviewTicket{ProposalID: p.ID, Level: p.Level, Summary: change.Describe()}
	if _, err := m.config.Review.Push(ctx, ticket); err != nil {
		return nil, fmt.Errorf("enqueueing review ticket for %s: %w", p.ID, err)
	}

	m.announce(ctx, p, urgent)
	return &Decision{Level: p.Level, Status: p.Status, Proposal: p}, nil
}

// announce is best-effort by contract: the notifier owns its fallback,
// and a total failure still leaves the ticket and index entry in place.
func (m *Machine) announce(ctx context.Context, p *datatypes.Proposal, urgent bool) {
	if m.config.Notifier == nil {
		return
	}
	if err := m.config.Notifier.Announce(ctx, p, urgent); err != nil {
		m.logger.Warn("review announcement failed",
			"proposal_id", p.ID,
			"urgent", urgent,
			"error", err)
	}
}

// awaitDecision runs the L4 blocking wait and shapes its outcome.
func (m *Machine) awaitDecision(ctx context.Context, dec *Decision) (*Decision, error) {
	p, err := m.WaitDecision(ctx, dec.Proposal.ID)
	if p != nil {
		dec.Proposal = p
		dec.Status = p.Status
		dec.Approved = p.Status == datatypes.StatusApproved
	}
	return dec, err
}

// Approve settles a pending proposal positively and applies its change.
//
// # Description
//
// The approved transition is claimed under the index lease so two
// racing decisions cannot both win. The change applies after the
// claim; an apply failure moves the proposal to failed with the error
// recorded. Returns nil (no error) when the id is unknown.
//
// # Inputs
//
//   - ctx: bounds lease acquisition and the apply
//   - id: the proposal id
//   - actor: who decided; recorded on the audit entry
//
// # Outputs
//
//   - *datatypes.Proposal: the settled record, nil when id is unknown
//   - error: ErrNotActionable (wrapped) for already-decided proposals,
//     or the apply failure
func (m *Machine) Approve(ctx context.Context, id, actor string) (*datatypes.Proposal, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "approval.approve")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	claimed, err := m.config.Index.Update(ctx, id, func(stored *datatypes.Proposal) error {
		if !stored.Status.IsActionable() {
			return fmt.Errorf("proposal %s is already %s: %w", id, stored.Status, ErrNotActionable)
		}
		stored.MarkTerminal(datatypes.StatusApproved, time.Now())
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	m.auditDecision(ctx, datatypes.EventProposalApproved, claimed, actor, nil)

	res, applyErr := m.timedApply(ctx, claimed)
	if applyErr != nil {
		if failed := m.settleFailure(ctx, id, applyErr); failed != nil {
			claimed = failed
		}
		return nil, applyErr
	}

	m.auditProposal(ctx, datatypes.EventChangeApplied, claimed, map[string]any{
		"paths":   res.ChangedPaths,
		"backup":  res.BackupPath,
		"retried": res.Retried,
	})
	m.logger.Info("proposal approved and applied",
		"proposal_id", id,
		"actor", actor,
		"level", string(claimed.Level))
	m.observe(datatypes.StatusApproved, claimed.Level)
	m.notifyApplied(ctx, claimed, res)
	return claimed, nil
}

// Reject settles a pending proposal negatively. No change is applied.
// Returns nil (no error) when the id is unknown.
func (m *Machine) Reject(ctx context.Context, id, reason, actor string) (*datatypes.Proposal, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "approval.reject")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	if reason == "" {
		return nil, errors.New("a rejection reason is required")
	}

	updated, err := m.config.Index.Update(ctx, id, func(stored *datatypes.Proposal) error {
		if !stored.Status.IsActionable() {
			return fmt.Errorf("proposal %s is already %s: %w", id, stored.Status, ErrNotActionable)
		}
		stored.MarkTerminal(datatypes.StatusRejected, time.Now())
		stored.RejectReason = reason
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}

	m.auditDecision(ctx, datatypes.EventProposalRejected, updated, actor, map[string]any{
		"reason": reason,
	})
	m.logger.Info("proposal rejected",
		"proposal_id", id,
		"actor", actor,
		"reason", reason)
	m.observe(datatypes.StatusRejected, updated.Level)
	return updated, nil
}

// DrainReview pops review tickets and settles the batch tier.
//
// # Description
//
// L2 proposals still queued are applied now and settled; tickets for
// L3/L4 proposals are dropped because those wait in the index for a
// human decision (announcement already happened at propose time).
// Tickets pointing at decided or pruned proposals are dropped too, so
// a stale ticket can never re-apply anything.
//
// # Outputs
//
//   - int: tickets consumed
//   - error: queue failures; per-ticket apply failures are settled on
//     the proposal and do not stop the drain
func (m *Machine) DrainReview(ctx context.Context) (int, error) {
	consumed := 0
	for {
		msg, err := m.config.Review.Pop(ctx)
		if err != nil {
			return consumed, fmt.Errorf("popping review ticket: %w", err)
		}
		if msg == nil {
			return consumed, nil
		}
		consumed++

		var ticket ReviewTicket
		if err := msg.DecodePayload(&ticket); err != nil {
			m.logger.Warn("dropping undecodable review ticket",
				"enqueue_id", msg.EnqueueID,
				"error", err)
			continue
		}

		p, err := m.config.Index.Get(ctx, ticket.ProposalID)
		if err != nil {
			return consumed, fmt.Errorf("loading proposal %s: %w", ticket.ProposalID, err)
		}
		if p == nil || p.Level != datatypes.LevelL2 || p.Status != datatypes.StatusQueued {
			continue
		}

		if err := m.applyQueued(ctx, p); err != nil {
			m.logger.Warn("batch apply failed",
				"proposal_id", p.ID,
				"error", err)
		}
	}
}

// applyQueued applies one still-queued L2 proposal and settles it.
func (m *Machine) applyQueued(ctx context.Context, p *datatypes.Proposal) error {
	res, applyErr := m.timedApply(ctx, p)
	if applyErr != nil {
		m.settleFailure(ctx, p.ID, applyErr)
		return applyErr
	}

	updated, err := m.config.Index.Update(ctx, p.ID, func(stored *datatypes.Proposal) error {
		stored.MarkTerminal(datatypes.StatusApplied, time.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("settling proposal %s: %w", p.ID, err)
	}
	if updated != nil {
		p = updated
	}
	m.auditProposal(ctx, datatypes.EventChangeApplied, p, map[string]any{
		"paths": res.ChangedPaths,
		"batch": true,
	})
	m.observe(datatypes.StatusApplied, p.Level)
	m.notifyApplied(ctx, p, res)
	return nil
}

// settleFailure records an apply failure on the proposal and audits it.
// Returns the updated record, or nil when the index write failed too.
func (m *Machine) settleFailure(ctx context.Context, id string, applyErr error) *datatypes.Proposal {
	updated, err := m.config.Index.Update(ctx, id, func(stored *datatypes.Proposal) error {
		// Failure may land after an approved claim; that transition is
		// deliberate, so set the fields directly instead of going
		// through the terminal guard.
		stored.Status = datatypes.StatusFailed
		stored.Error = applyErr.Error()
		return nil
	})
	if err != nil {
		m.logger.Error("recording apply failure failed",
			"proposal_id", id,
			"apply_error", applyErr,
			"error", err)
		return nil
	}
	if updated == nil {
		return nil
	}

	detail := map[string]any{"error": applyErr.Error()}
	var ae *applier.ApplyError
	if errors.As(applyErr, &ae) {
		detail["stage"] = ae.Stage
		if ae.Suggestion != "" {
			detail["suggestion"] = ae.Suggestion
		}
	}
	m.auditProposal(ctx, datatypes.EventChangeFailed, updated, detail)

	if ae != nil && ae.RolledBack {
		m.auditProposal(ctx, datatypes.EventChangeRolledBack, updated, nil)
	}
	m.observe(datatypes.StatusFailed, updated.Level)
	return updated
}

// observe reports a settled decision to the OnDecision hook.
func (m *Machine) observe(decision datatypes.Status, level datatypes.Level) {
	if m.config.OnDecision != nil {
		m.config.OnDecision(decision, level)
	}
}

// notifyApplied hands a freshly applied proposal to the OnApplied hook.
func (m *Machine) notifyApplied(ctx context.Context, p *datatypes.Proposal, res *applier.Result) {
	if m.config.OnApplied != nil {
		m.config.OnApplied(ctx, p, res)
	}
}

// timedApply runs the applier and reports latency to the OnApply hook.
func (m *Machine) timedApply(ctx context.Context, p *datatypes.Proposal) (*applier.Result, error) {
	start := time.Now()
	res, err := m.config.Applier.Apply(ctx, p)
	if m.config.OnApply != nil {
		m.config.OnApply(time.Since(start), err)
	}
	return res, err
}

// auditProposal writes a best-effort system audit entry for p.
func (m *Machine) auditProposal(ctx context.Context, event datatypes.AuditEvent, p *datatypes.Proposal, detail map[string]any) {
	entry := datatypes.NewAuditEntry(event)
	entry.ProposalID = p.ID
	entry.Level = p.Level
	entry.Outcome = string(p.Status)
	entry.Detail = detail
	m.config.Audit.Record(ctx, entry)
}

// auditDecision writes a best-effort audit entry attributed to a human
// (or API) actor.
func (m *Machine) auditDecision(ctx context.Context, event datatypes.AuditEvent, p *datatypes.Proposal, actor string, detail map[string]any) {
	entry := datatypes.NewAuditEntry(event)
	entry.ProposalID = p.ID
	entry.Level = p.Level
	entry.Outcome = string(p.Status)
	entry.Detail = detail
	if actor != "" {
		entry.Actor = actor
	}
	m.config.Audit.Record(ctx, entry)
}
