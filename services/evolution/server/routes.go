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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the evolution API under the given group.
//
// Endpoints:
//
//	POST /v1/evolve/proposals - Submit a proposal
//	GET  /v1/evolve/proposals/:id - Terminal result for a proposal
//	GET  /v1/evolve/history - Commit records, most recent first
//	GET  /v1/evolve/pause - Current pause state
//	POST /v1/evolve/pause - Pause admission with a reason
//	POST /v1/evolve/pause/acknowledge - Clear a pause
//	GET  /v1/evolve/monitoring/:sha - Last monitoring result for a commit
//	GET  /v1/evolve/recovery - Recent recovery events
//	GET  /v1/evolve/doctor/reports - Integrity doctor reports
//	GET  /v1/evolve/events - Websocket event stream
//	GET  /v1/evolve/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	evolve := rg.Group("/evolve")
	{
		evolve.POST("/proposals", handlers.HandleSubmit)
		evolve.GET("/proposals/:id", handlers.HandleResult)

		evolve.GET("/history", handlers.HandleHistory)

		evolve.GET("/pause", handlers.HandlePause)
		evolve.POST("/pause", handlers.HandlePauseSet)
		evolve.POST("/pause/acknowledge", handlers.HandleAcknowledge)

		evolve.GET("/monitoring/:sha", handlers.HandleMonitoring)
		evolve.GET("/recovery", handlers.HandleRecoveryHistory)

		evolve.GET("/doctor/reports", handlers.HandleDoctorReports)

		evolve.GET("/events", handlers.HandleEvents)
		evolve.GET("/health", handlers.HandleHealth)
	}
}
