// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianEvolve/services/evolution/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// eventQueueSize bounds per-client buffering. A client that cannot keep up
// loses events rather than blocking the pipeline.
const eventQueueSize = 64

// HandleEvents handles GET /v1/evolve/events.
//
// # Description
//
// Upgrades the connection and streams engine events as JSON frames. On
// connect the client receives the replay buffer, then live events as they
// happen. The emitter's handlers must not block, so events are bridged
// through a bounded channel; overflow drops the oldest unsent event for
// that client only.
func (h *Handlers) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	h.logger.Info("Event stream client connected", "remote", ws.RemoteAddr())

	if h.events == nil {
		_ = ws.WriteJSON(gin.H{"connected": true, "events": false})
		// Hold the connection until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}

	queue := make(chan engine.Event, eventQueueSize)
	for _, ev := range h.events.Recent(eventQueueSize) {
		queue <- ev
	}

	subID := h.events.Subscribe(func(ev engine.Event) {
		select {
		case queue <- ev:
		default:
			// Slow client: drop one, keep the stream live.
			select {
			case <-queue:
			default:
			}
			select {
			case queue <- ev:
			default:
			}
		}
	})
	defer h.events.Unsubscribe(subID)

	// Reader goroutine: its only job is to notice a gone client.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("Event stream client disconnected", "remote", ws.RemoteAddr())
			return
		case ev := <-queue:
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Info("Event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
