// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent categorizes an audit entry for filtering and alerting.
type AuditEvent string

// Audit event vocabulary. Entries are immutable facts; nothing updates or
// deletes them except time-based rotation and retention cleanup.
const (
	EventProposalCreated  AuditEvent = "PROPOSAL_CREATED"
	EventProposalApproved AuditEvent = "PROPOSAL_APPROVED"
	EventProposalRejected AuditEvent = "PROPOSAL_REJECTED"
	EventProposalTimeout  AuditEvent = "PROPOSAL_TIMEOUT"
	EventChangeApplied    AuditEvent = "CHANGE_APPLIED"
	EventChangeFailed     AuditEvent = "CHANGE_FAILED"
	EventChangeRolledBack AuditEvent = "CHANGE_ROLLED_BACK"
	EventSyncSuccess      AuditEvent = "SYNC_SUCCESS"
	EventSyncFailedDLQ    AuditEvent = "SYNC_FAILED_DLQ"
	EventDLQRequeued      AuditEvent = "DLQ_REQUEUED"
	EventNotifyFallback   AuditEvent = "NOTIFY_FALLBACK"
)

// AuditEntry is one immutable, timestamped fact in the audit trail.
//
// For incident investigation always populate ProposalID where one exists,
// Actor ("system" for automated transitions), and Outcome.
type AuditEntry struct {
	ID         string         `json:"id"`
	Event      AuditEvent     `json:"event"`
	Timestamp  time.Time      `json:"timestamp"`
	ProposalID string         `json:"proposalId,omitempty"`
	Level      Level          `json:"level,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// NewAuditEntry stamps an entry with an id and a UTC timestamp.
func NewAuditEntry(event AuditEvent) AuditEntry {
	return AuditEntry{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Actor:     "system",
	}
}
