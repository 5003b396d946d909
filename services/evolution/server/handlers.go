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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/doctor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/engine"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// defaultHistoryLimit caps history queries that pass no limit.
const defaultHistoryLimit = 50

// Handlers serves the evolution API. Construct with NewHandlers.
type Handlers struct {
	engine *engine.Engine
	store  *store.Store
	events *engine.Emitter
	logger *slog.Logger
}

// NewHandlers wires the API to a running engine. events may be nil; the
// websocket endpoint then only reports a connected message.
func NewHandlers(eng *engine.Engine, st *store.Store, events *engine.Emitter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine: eng,
		store:  st,
		events: events,
		logger: logger.With("component", "server"),
	}
}

// getOrCreateRequestID returns the inbound X-Request-ID or generates one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

// HandleSubmit handles POST /v1/evolve/proposals.
//
// # Description
//
// Builds a proposal from the submitted goal and diff and hands it to the
// pipeline. The default is asynchronous: 202 with the proposal ID, outcome
// available via GET /proposals/:id or the event stream. With "wait": true
// the call blocks until the proposal settles and returns the full result.
//
// Response:
//
//	202 Accepted: SubmitResponse (async)
//	200 OK: evolution.EvolutionResult (wait=true)
//	400 Bad Request: malformed body or unusable diff
//	409 Conflict: pipeline paused
func (h *Handlers) HandleSubmit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleSubmit")

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := validate.Struct(&req); err != nil {
		logger.Warn("Request failed validation", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	proposal, err := evolution.NewProposal(req.Goal, req.Diff)
	if err != nil {
		logger.Warn("Unusable proposal", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_PROPOSAL",
		})
		return
	}

	logger.Info("Proposal submitted",
		"proposal_id", proposal.ID,
		"files", len(proposal.TargetFiles),
		"lines", proposal.LinesChanged,
		"wait", req.Wait)

	if req.Wait {
		result, err := h.engine.Process(c.Request.Context(), proposal)
		if err != nil {
			h.writeEngineError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	if err := h.engine.Submit(proposal); err != nil {
		h.writeEngineError(c, logger, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{
		ProposalID:  proposal.ID,
		ContentHash: proposal.ContentHash(),
		Accepted:    true,
	})
}

// HandleResult handles GET /v1/evolve/proposals/:id.
func (h *Handlers) HandleResult(c *gin.Context) {
	id := c.Param("id")
	result, found, err := h.engine.Result(id)
	if err != nil {
		h.logger.Error("Loading result failed", "proposal_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to load result",
			Code:  "STORE_ERROR",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no result for proposal " + id,
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleHistory handles GET /v1/evolve/history?limit=N. Records come from
// the version-control log, most recent first.
func (h *Handlers) HandleHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLimit)
	records, err := h.engine.History(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Loading history failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read history",
			Code:  "VCS_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// HandlePause handles GET /v1/evolve/pause.
func (h *Handlers) HandlePause(c *gin.Context) {
	state := h.engine.PauseState()
	resp := PauseResponse{Paused: state.Paused, Reason: state.Reason}
	if state.Paused {
		resp.Since = state.Since.Format("2006-01-02T15:04:05Z07:00")
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePauseSet handles POST /v1/evolve/pause. Operators pause ahead of
// maintenance the same way the recovery controller does after an ambiguous
// regression; admission stays closed until acknowledged.
func (h *Handlers) HandlePauseSet(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	h.engine.Pause(req.Reason)
	h.logger.Info("Pipeline paused by operator", "reason", req.Reason)

	state := h.engine.PauseState()
	c.JSON(http.StatusOK, PauseResponse{
		Paused: state.Paused,
		Reason: state.Reason,
		Since:  state.Since.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// HandleAcknowledge handles POST /v1/evolve/pause/acknowledge. Clearing an
// already-running pipeline is a no-op, not an error.
func (h *Handlers) HandleAcknowledge(c *gin.Context) {
	was := h.engine.PauseState()
	h.engine.Acknowledge()
	h.logger.Info("Pause acknowledged", "was_paused", was.Paused, "reason", was.Reason)
	c.JSON(http.StatusOK, PauseResponse{Paused: false})
}

// HandleMonitoring handles GET /v1/evolve/monitoring/:sha.
func (h *Handlers) HandleMonitoring(c *gin.Context) {
	sha := c.Param("sha")
	result, found, err := h.engine.Monitoring(sha)
	if err != nil {
		h.logger.Error("Loading monitoring result failed", "commit", sha, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to load monitoring result",
			Code:  "STORE_ERROR",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no monitoring result for commit " + sha,
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleRecoveryHistory handles GET /v1/evolve/recovery?limit=N.
func (h *Handlers) HandleRecoveryHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLimit)
	events := h.engine.RecoveryHistory(limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleDoctorReports handles GET /v1/evolve/doctor/reports. Reports are
// persisted per artifact per sweep; this returns everything retained.
func (h *Handlers) HandleDoctorReports(c *gin.Context) {
	var reports []doctor.Report
	err := h.store.List(store.ReportPrefix(), func(_ string, value []byte) error {
		var r doctor.Report
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		reports = append(reports, r)
		return nil
	})
	if err != nil {
		h.logger.Error("Loading doctor reports failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read doctor reports",
			Code:  "STORE_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// HandleHealth handles GET /v1/evolve/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"paused": h.engine.PauseState().Paused,
	})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handlers) writeEngineError(c *gin.Context, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	code := "PIPELINE_ERROR"

	switch {
	case errors.Is(err, evolution.ErrPipelinePaused):
		status = http.StatusConflict
		code = "PIPELINE_PAUSED"
	case errors.Is(err, evolution.ErrInvalidProposal):
		status = http.StatusBadRequest
		code = "INVALID_PROPOSAL"
	}

	logger.Error("Pipeline refused proposal", "error", err, "code", code)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
