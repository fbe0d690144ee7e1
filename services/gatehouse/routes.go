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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/gatehouse/services/gatehouse/telemetry"
)

// RegisterRoutes registers the proposal API with the router.
//
// Description:
//
//	Registers every versioned endpoint plus the health and metrics
//	surfaces. The router should already carry any process-wide
//	middleware (tracing, recovery).
//
// Endpoints:
//
//	POST /v1/proposals - Submit a change proposal
//	GET  /v1/proposals - List proposals with optional filters
//	GET  /v1/proposals/:id - Get one proposal
//	POST /v1/proposals/:id/approve - Approve and apply
//	POST /v1/proposals/:id/reject - Reject with a reason
//	GET  /v1/status - Operator status snapshot
//	GET  /v1/dlq - List dead-lettered sync messages
//	POST /v1/dlq/:id/requeue - Move one dead letter back onto the sync topic
//	GET  /v1/events - Websocket audit feed
//	GET  /healthz - Liveness
//	GET  /readyz - Readiness (disk preflight + queue read)
//	GET  /metrics - Prometheus exposition
//
// Example:
//
//	svc, _ := gatehouse.New(ctx, cfg, logger)
//	handlers := gatehouse.NewHandlers(svc)
//
//	router := gin.New()
//	gatehouse.RegisterRoutes(router, handlers)
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/readyz", handlers.HandleReady)
	router.GET("/metrics", serveMetrics)

	v1 := router.Group("/v1")
	{
		proposals := v1.Group("/proposals")
		{
			proposals.POST("", handlers.HandleCreateProposal)
			proposals.GET("", handlers.HandleListProposals)
			proposals.GET("/:id", handlers.HandleGetProposal)
			proposals.POST("/:id/approve", handlers.HandleApprove)
			proposals.POST("/:id/reject", handlers.HandleReject)
		}

		v1.GET("/status", handlers.HandleStatus)

		dlq := v1.Group("/dlq")
		{
			dlq.GET("", handlers.HandleListDLQ)
			dlq.POST("/:id/requeue", handlers.HandleRequeueDLQ)
		}

		v1.GET("/events", handlers.HandleEvents)
	}
}

// serveMetrics resolves the exposition handler per request: the
// telemetry handler exists only after Init has run with the Prometheus
// exporter, and the default registry covers everything else.
func serveMetrics(c *gin.Context) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		handler = promhttp.Handler()
	}
	handler.ServeHTTP(c.Writer, c.Request)
}
