// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the gatehouse
// engine: proposals, change payloads, queue envelopes, and audit entries.
//
// This file contains the Proposal record and its enumerations. For the
// change payload sum type, see changes.go.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Change Type
// =============================================================================

// ChangeType identifies the kind of change a proposal carries.
//
// The enumeration is closed: anything outside the four known values is
// rejected at proposal creation, before any queue or index write occurs.
type ChangeType string

const (
	// TypeConfig is a configuration key/value patch.
	TypeConfig ChangeType = "config"

	// TypeNewSkill installs a new skill descriptor.
	TypeNewSkill ChangeType = "new_skill"

	// TypeUpdate is a targeted find/replace edit of an existing file.
	TypeUpdate ChangeType = "update"

	// TypeSelfModification patches the system's own code or prompts.
	TypeSelfModification ChangeType = "self_modification"
)

// ParseChangeType validates a raw type string against the closed enumeration.
//
// # Outputs
//
//   - ChangeType: the parsed value when recognized
//   - error: *ValidationError for anything outside the enumeration
func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(raw) {
	case TypeConfig, TypeNewSkill, TypeUpdate, TypeSelfModification:
		return ChangeType(raw), nil
	default:
		return "", &ValidationError{Issues: []Issue{{
			Field:   "type",
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unknown change type %q", raw),
		}}}
	}
}

// =============================================================================
// Approval Level
// =============================================================================

// Level is the approval tier assigned to a proposal at creation time.
//
// Levels escalate from L1 (auto-apply) to L4 (blocking human approval).
// A proposal's level is computed exactly once and never mutated.
type Level string

const (
	LevelL1 Level = "L1"
	LevelL2 Level = "L2"
	LevelL3 Level = "L3"
	LevelL4 Level = "L4"
)

// ParseLevel validates a raw tier string, accepting any case.
func ParseLevel(raw string) (Level, error) {
	switch l := Level(strings.ToUpper(raw)); l {
	case LevelL1, LevelL2, LevelL3, LevelL4:
		return l, nil
	default:
		return "", fmt.Errorf("unknown approval level %q", raw)
	}
}

// Rank returns the numeric tier (1-4) for ordering and reporting.
// Unknown levels rank highest so they are never under-reported.
func (l Level) Rank() int {
	switch l {
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	case LevelL4:
		return 4
	default:
		return 4
	}
}

// Levels lists the tiers in ascending order of required scrutiny.
func Levels() []Level {
	return []Level{LevelL1, LevelL2, LevelL3, LevelL4}
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a proposal.
//
// Transitions: pending -> {applied | queued | pending_approval | approved |
// rejected | failed | timeout}. Terminal statuses are never reopened; a
// timed-out or recovered item is re-submitted as a new proposal instead.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApplied         Status = "applied"
	StatusQueued          Status = "queued"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
	StatusTimeout         Status = "timeout"
)

// ParseStatus validates a raw lifecycle status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(raw)); s {
	case StatusPending, StatusApplied, StatusQueued, StatusPendingApproval,
		StatusApproved, StatusRejected, StatusFailed, StatusTimeout:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// IsTerminal reports whether the status ends the proposal's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusApproved, StatusRejected, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsActionable reports whether an approve/reject decision is still valid
// for a proposal in this status.
func (s Status) IsActionable() bool {
	switch s {
	case StatusPending, StatusQueued, StatusPendingApproval:
		return true
	default:
		return false
	}
}

// =============================================================================
// Proposal
// =============================================================================

// Proposal is the unit of change under review.
//
// # Description
//
// A proposal binds a typed change payload to the level computed for it at
// creation time, the submitter's justification, and its lifecycle status.
// The payload is stored raw so the record round-trips through the index and
// queue files without loss; use Change() to decode it.
//
// Exactly one of AppliedAt/ApprovedAt/RejectedAt/TimeoutAt is set when the
// proposal reaches a terminal status.
type Proposal struct {
	ID          string          `json:"id"`
	Type        ChangeType      `json:"type"`
	Level       Level           `json:"level"`
	Payload     json.RawMessage `json:"payload"`
	Reason      string          `json:"reason"`
	ImpactScore float64         `json:"impactScore"`
	Status      Status          `json:"status"`
	Source      string          `json:"source,omitempty"`

	ProposedAt time.Time  `json:"proposedAt"`
	AppliedAt  *time.Time `json:"appliedAt,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	TimeoutAt  *time.Time `json:"timeoutAt,omitempty"`

	// RejectReason records the operator's justification for a rejection.
	RejectReason string `json:"rejectReason,omitempty"`

	// Error records the apply failure for status failed.
	Error string `json:"error,omitempty"`
}

// NewProposal builds a pending proposal around a validated change.
//
// # Description
//
// Encodes the change payload, stamps a time-ordered unique id, and sets
// status pending. Level assignment belongs to the approval state machine;
// callers set it via the returned record before persisting.
//
// # Inputs
//
//   - change: the typed change payload (already validated)
//   - reason: submitter justification (already validated)
//   - impactScore: caller-estimated blast radius in [0, 1]
//
// # Outputs
//
//   - *Proposal: the pending record
//   - error: non-nil only when the payload cannot be encoded
func NewProposal(change Change, reason string, impactScore float64) (*Proposal, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", change.ChangeType(), err)
	}

	return &Proposal{
		ID:          newProposalID(),
		Type:        change.ChangeType(),
		Payload:     payload,
		Reason:      reason,
		ImpactScore: impactScore,
		Status:      StatusPending,
		ProposedAt:  time.Now().UTC(),
	}, nil
}

// Change decodes the raw payload into its typed form.
func (p *Proposal) Change() (Change, error) {
	return DecodeChange(p.Type, p.Payload)
}

// MarkTerminal transitions the proposal to a terminal status and stamps the
// matching timestamp. It is a no-op (returning false) if the proposal is
// already terminal, preserving the append-only status contract.
func (p *Proposal) MarkTerminal(status Status, at time.Time) bool {
	if p.Status.IsTerminal() {
		return false
	}
	at = at.UTC()
	switch status {
	case StatusApplied:
		p.AppliedAt = &at
	case StatusApproved:
		p.ApprovedAt = &at
	case StatusRejected:
		p.RejectedAt = &at
	case StatusTimeout:
		p.TimeoutAt = &at
	case StatusFailed:
		// Failure keeps whatever decision timestamp preceded it; only the
		// status and Error field change.
	default:
		return false
	}
	p.Status = status
	return true
}

// newProposalID returns a time-ordered unique token. UUIDv7 keeps ids
// monotonically distinguishable across processes; the v4 fallback only
// matters if the system clock is unusable.
func newProposalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
