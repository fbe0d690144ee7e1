// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gatehouse

import (
	"encoding/json"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// ProposeRequest is the body for POST /v1/proposals.
//
// Payload is the raw change document for Type; it is decoded against
// the closed change-type enumeration before anything is written.
type ProposeRequest struct {
	// Type is one of config, new_skill, update, self_modification.
	Type string `json:"type"`

	// Payload is the typed change document.
	Payload json.RawMessage `json:"payload"`

	// Reason is the submitter's justification.
	Reason string `json:"reason"`

	// ImpactScore is the estimated blast radius in [0, 1].
	ImpactScore float64 `json:"impactScore"`

	// Source tags the submitter (agent name, pipeline id). Optional.
	Source string `json:"source,omitempty"`
}

// DecideRequest is the body for the approve and reject endpoints.
// Reason is required for rejections and ignored for approvals.
type DecideRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ProposalsResponse is the response for GET /v1/proposals.
type ProposalsResponse struct {
	Proposals []*datatypes.Proposal `json:"proposals"`
	Count     int                   `json:"count"`
}

// DLQResponse is the response for GET /v1/dlq.
type DLQResponse struct {
	Entries []datatypes.DeadLetterEntry `json:"entries"`
	Count   int                         `json:"count"`
}

// RequeueResponse is the response for POST /v1/dlq/:id/requeue.
type RequeueResponse struct {
	EnqueueID string `json:"enqueueId"`
	Requeued  bool   `json:"requeued"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
