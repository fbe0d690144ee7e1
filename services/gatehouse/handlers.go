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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/gatehouse/services/gatehouse/approval"
	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
	"github.com/AleutianAI/gatehouse/services/gatehouse/index"
	"github.com/AleutianAI/gatehouse/services/gatehouse/syncer"
)

// Handlers contains the HTTP handlers for the proposal API.
//
// Thread Safety: Handlers is safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers around an assembled service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{
		svc:    svc,
		logger: svc.logger.With("component", "http"),
	}
}

// HandleCreateProposal handles POST /v1/proposals.
//
// Description:
//
//	Validates and routes one change proposal. L1 changes apply before
//	the response; L4 changes block until a decision or the wait
//	timeout. The submitter is rate limited by source key (falling back
//	to client IP) before anything durable is written.
//
// Request Body:
//
//	ProposeRequest
//
// Response:
//
//	201 Created: approval.Decision (proposal routed; may already be applied)
//	400 Bad Request: Malformed body or validation failure
//	408 Request Timeout: L4 wait expired with no decision
//	422 Unprocessable Entity: Change accepted but apply failed
//	429 Too Many Requests: Intake rate exceeded
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleCreateProposal(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCreateProposal")

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	key := req.Source
	if key == "" {
		key = c.ClientIP()
	}
	if !h.svc.AllowPropose(key) {
		logger.Warn("Proposal intake rate limited", "key", key)
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "Proposal intake rate exceeded, retry later",
			Code:  "RATE_LIMITED",
		})
		return
	}

	typ, err := datatypes.ParseChangeType(req.Type)
	if err != nil {
		logger.Warn("Unknown change type", "type", req.Type)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Unknown change type",
			Code:    "VALIDATION_FAILED",
			Details: err.Error(),
		})
		return
	}
	change, err := datatypes.DecodeChange(typ, req.Payload)
	if err != nil {
		logger.Warn("Undecodable change payload", "type", req.Type, "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Change payload does not match its type",
			Code:    "VALIDATION_FAILED",
			Details: err.Error(),
		})
		return
	}

	logger.Info("Proposal received",
		"type", req.Type,
		"impact", req.ImpactScore,
		"source", req.Source)

	dec, err := h.svc.Propose(c.Request.Context(), change, req.Reason, req.ImpactScore, req.Source)
	if err != nil {
		h.renderProposeError(c, logger, dec, err)
		return
	}

	logger.Info("Proposal routed",
		"proposal_id", dec.Proposal.ID,
		"level", string(dec.Level),
		"status", string(dec.Status))
	c.JSON(http.StatusCreated, dec)
}

// renderProposeError maps the propose failure modes onto status codes.
// Failures after intake carry the proposal id in Details so the caller
// can follow up with GET /v1/proposals/:id.
func (h *Handlers) renderProposeError(c *gin.Context, logger *slog.Logger, dec *approval.Decision, err error) {
	if datatypes.IsValidationError(err) {
		logger.Warn("Proposal rejected by validation", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Proposal failed validation",
			Code:    "VALIDATION_FAILED",
			Details: validationDetails(err),
		})
		return
	}

	proposalID := ""
	if dec != nil && dec.Proposal != nil {
		proposalID = dec.Proposal.ID
	}

	var timeout *approval.ApprovalTimeoutError
	if errors.As(err, &timeout) {
		logger.Warn("Approval wait timed out", "proposal_id", timeout.ProposalID)
		c.JSON(http.StatusRequestTimeout, ErrorResponse{
			Error:   err.Error(),
			Code:    "APPROVAL_TIMEOUT",
			Details: "proposal " + timeout.ProposalID + " is recorded as timed out",
		})
		return
	}

	if proposalID != "" {
		logger.Error("Apply failed after intake", "proposal_id", proposalID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   err.Error(),
			Code:    "APPLY_FAILED",
			Details: "proposal " + proposalID + " is recorded as failed",
		})
		return
	}

	logger.Error("Proposal routing failed", "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: err.Error(),
		Code:  "PROPOSE_FAILED",
	})
}

// HandleListProposals handles GET /v1/proposals.
//
// Description:
//
//	Lists proposals newest first with optional filtering.
//
// Query Parameters:
//
//	status: Comma-separated lifecycle statuses (optional)
//	level: Approval tier L1-L4 (optional)
//	type: Change type (optional)
//
// Response:
//
//	200 OK: ProposalsResponse
//	400 Bad Request: Unknown status or type value
func (h *Handlers) HandleListProposals(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleListProposals")

	filter, err := listFilter(c)
	if err != nil {
		logger.Warn("Invalid filter", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid filter",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	proposals, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		logger.Error("Listing proposals failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, ProposalsResponse{Proposals: proposals, Count: len(proposals)})
}

// listFilter builds the index filter from query parameters.
func listFilter(c *gin.Context) (index.Filter, error) {
	var filter index.Filter
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, err := datatypes.ParseStatus(strings.TrimSpace(s))
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := c.Query("level"); raw != "" {
		filter.Level = datatypes.Level(strings.ToUpper(raw))
	}
	if raw := c.Query("type"); raw != "" {
		typ, err := datatypes.ParseChangeType(raw)
		if err != nil {
			return filter, err
		}
		filter.Type = typ
	}
	return filter, nil
}

// HandleGetProposal handles GET /v1/proposals/:id.
//
// Response:
//
//	200 OK: datatypes.Proposal
//	404 Not Found: Unknown proposal id
func (h *Handlers) HandleGetProposal(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGetProposal")

	id := c.Param("id")
	p, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		logger.Error("Reading proposal failed", "proposal_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "GET_FAILED",
		})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "No proposal with id " + id,
			Code:  "NOT_FOUND",
		})
		return
	}

	c.JSON(http.StatusOK, p)
}

// HandleApprove handles POST /v1/proposals/:id/approve.
//
// Description:
//
//	Settles a pending proposal positively and applies its change
//	before responding. The decision is claimed under the index lease,
//	so two racing approvals cannot both win.
//
// Request Body:
//
//	DecideRequest (optional; Actor defaults to "api")
//
// Response:
//
//	200 OK: datatypes.Proposal (settled record)
//	404 Not Found: Unknown proposal id
//	409 Conflict: Proposal already decided
//	422 Unprocessable Entity: Approved but the apply failed
func (h *Handlers) HandleApprove(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleApprove")

	id := c.Param("id")
	actor := decideActor(c, logger)

	p, err := h.svc.Approve(c.Request.Context(), id, actor)
	if err != nil {
		if errors.Is(err, approval.ErrNotActionable) {
			logger.Warn("Approve raced a prior decision", "proposal_id", id)
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "ALREADY_DECIDED",
			})
			return
		}
		logger.Error("Approve failed", "proposal_id", id, "error", err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   err.Error(),
			Code:    "APPLY_FAILED",
			Details: "proposal " + id + " is recorded as failed",
		})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "No proposal with id " + id,
			Code:  "NOT_FOUND",
		})
		return
	}

	logger.Info("Proposal approved", "proposal_id", id, "actor", actor)
	c.JSON(http.StatusOK, p)
}

// HandleReject handles POST /v1/proposals/:id/reject.
//
// Request Body:
//
//	DecideRequest (Reason required)
//
// Response:
//
//	200 OK: datatypes.Proposal (settled record)
//	400 Bad Request: Missing reason
//	404 Not Found: Unknown proposal id
//	409 Conflict: Proposal already decided
func (h *Handlers) HandleReject(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleReject")

	id := c.Param("id")
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "A rejection reason is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	p, err := h.svc.Reject(c.Request.Context(), id, req.Reason, actor)
	if err != nil {
		if errors.Is(err, approval.ErrNotActionable) {
			logger.Warn("Reject raced a prior decision", "proposal_id", id)
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "ALREADY_DECIDED",
			})
			return
		}
		logger.Error("Reject failed", "proposal_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "REJECT_FAILED",
		})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "No proposal with id " + id,
			Code:  "NOT_FOUND",
		})
		return
	}

	logger.Info("Proposal rejected", "proposal_id", id, "actor", actor)
	c.JSON(http.StatusOK, p)
}

// decideActor reads the optional approve body without failing on an
// empty one.
func decideActor(c *gin.Context, logger *slog.Logger) string {
	var req DecideRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Ignoring unreadable decide body", "error", err)
		}
	}
	if req.Actor == "" {
		return "api"
	}
	return req.Actor
}

// HandleStatus handles GET /v1/status.
//
// Response:
//
//	200 OK: StatusReport
func (h *Handlers) HandleStatus(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleStatus")

	report, err := h.svc.Status(c.Request.Context())
	if err != nil {
		logger.Error("Status assembly failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "STATUS_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// HandleListDLQ handles GET /v1/dlq.
//
// Response:
//
//	200 OK: DLQResponse
func (h *Handlers) HandleListDLQ(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleListDLQ")

	entries, err := h.svc.ListDeadLetters(c.Request.Context())
	if err != nil {
		logger.Error("Listing dead letters failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "DLQ_LIST_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, DLQResponse{Entries: entries, Count: len(entries)})
}

// HandleRequeueDLQ handles POST /v1/dlq/:id/requeue.
//
// Description:
//
//	Moves one dead letter back onto the sync topic under a fresh
//	envelope. The move is audited as DLQ_REQUEUED.
//
// Path Parameters:
//
//	id: Enqueue id of the dead-lettered message
//
// Response:
//
//	200 OK: RequeueResponse
//	404 Not Found: No dead letter with that enqueue id
func (h *Handlers) HandleRequeueDLQ(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRequeueDLQ")

	enqueueID := c.Param("id")
	if err := h.svc.RequeueDeadLetter(c.Request.Context(), enqueueID); err != nil {
		if errors.Is(err, syncer.ErrNoDeadLetter) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "NOT_FOUND",
			})
			return
		}
		logger.Error("Requeue failed", "enqueue_id", enqueueID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "REQUEUE_FAILED",
		})
		return
	}

	logger.Info("Dead letter requeued", "enqueue_id", enqueueID)
	c.JSON(http.StatusOK, RequeueResponse{EnqueueID: enqueueID, Requeued: true})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// HandleReady handles GET /readyz: healthy only when the engine can
// accept work right now (disk preflight) and recent state is readable.
func (h *Handlers) HandleReady(c *gin.Context) {
	if err := h.svc.Preflight(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_READY",
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.svc.syncOut.Length(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_READY",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// validationDetails flattens validation issues into one line.
func validationDetails(err error) string {
	var ve *datatypes.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, len(ve.Issues))
	for i, issue := range ve.Issues {
		parts[i] = issue.Field + ": " + issue.Message
	}
	return strings.Join(parts, "; ")
}
