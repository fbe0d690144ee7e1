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
	"encoding/json"
	"time"
)

// =============================================================================
// Queue Envelope
// =============================================================================

// QueueMessage is the envelope wrapping a payload on a named queue.
//
// Sequence numbers are strictly increasing per queue name and persisted
// separately from message bodies, so crash recovery can merge WAL and main
// log without renumbering collisions. EnqueueID is the idempotency key for
// at-least-once consumers.
type QueueMessage struct {
	EnqueueID  string          `json:"enqueueId"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// DecodePayload unmarshals the envelope payload into v.
func (m *QueueMessage) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// =============================================================================
// Dead Letter Entry
// =============================================================================

// DeadLetterEntry is a QueueMessage that exhausted its retry budget.
//
// Entries are created only by the sync worker and removed only by operator
// action (requeue or purge).
type DeadLetterEntry struct {
	Message    QueueMessage `json:"message"`
	MovedAt    time.Time    `json:"movedAt"`
	Error      string       `json:"error"`
	RetryCount int          `json:"retryCount"`
}

// =============================================================================
// Sync Payloads
// =============================================================================

// SyncEntity is the unit the sync worker replicates into the graph store.
//
// Key is the natural key used for merge-or-create semantics downstream;
// replaying the same entity any number of times converges on one object.
type SyncEntity struct {
	Key           string         `json:"key" validate:"required,max=512"`
	Kind          string         `json:"kind" validate:"required,max=128"`
	Properties    map[string]any `json:"properties,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty" validate:"max=64,dive"`
}

// Relationship links the entity to another by natural key.
type Relationship struct {
	Predicate string `json:"predicate" validate:"required,max=128"`
	TargetKey string `json:"targetKey" validate:"required,max=512"`
}

// Validate applies the struct rules for a sync entity before enqueueing.
func (e *SyncEntity) Validate() error {
	return proposalValidate.Struct(e)
}
