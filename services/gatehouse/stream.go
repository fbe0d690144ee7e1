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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// streamPingInterval keeps idle connections alive through proxies.
const streamPingInterval = 30 * time.Second

// streamWriteTimeout bounds one frame write to a slow client.
const streamWriteTimeout = 5 * time.Second

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a websocket and streams audit entries as JSON frames,
//	one entry per frame, starting with the next append. The feed is
//	live-only: it does not replay history (use the audit query surface
//	for that). A subscriber that cannot keep up loses events rather
//	than stalling the audit path.
//
// Response:
//
//	101 Switching Protocols, then datatypes.AuditEntry frames.
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleEvents")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	entries, cancel := h.svc.Audit().Subscribe()
	defer cancel()
	logger.Info("Audit stream client connected")

	// Drain client frames so pings are answered and closes are seen.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// Trail closed underneath us (daemon shutdown).
				return
			}
			ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(entry); err != nil {
				logger.Info("Audit stream client disconnected", "error", err.Error())
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			logger.Info("Audit stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
