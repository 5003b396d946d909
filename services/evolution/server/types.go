// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the evolution pipeline over HTTP: proposal
// submission, terminal results, commit history, pause state, monitoring
// results, integrity reports, and a websocket event stream. Consumers are
// external dashboards and the evolve CLI; neither is part of this package.
package server

import (
	"github.com/go-playground/validator/v10"
)

// MaxDiffBytes bounds a submitted diff. Anything larger is refused before
// the proposal is even constructed; unbounded input is a memory exhaustion
// vector.
const MaxDiffBytes = 512 * 1024

// validate is the shared validator for request bodies, with the diff size
// check registered.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxdiffbytes", validateMaxDiffBytes)
}

// validateMaxDiffBytes checks byte length, not rune count.
func validateMaxDiffBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxDiffBytes
}

// SubmitRequest is the body of POST /proposals.
type SubmitRequest struct {
	// Goal describes why the change exists.
	Goal string `json:"goal" validate:"required,min=3,max=500"`

	// Diff is the unified diff of the change.
	Diff string `json:"diff" validate:"required,maxdiffbytes"`

	// Wait runs the pipeline synchronously when true. The default is
	// asynchronous: the response carries the proposal ID to poll.
	Wait bool `json:"wait,omitempty"`
}

// SubmitResponse acknowledges an accepted proposal.
type SubmitResponse struct {
	ProposalID  string `json:"proposal_id"`
	ContentHash string `json:"content_hash"`
	Accepted    bool   `json:"accepted"`
}

// PauseRequest is the body of POST /pause. Reason is recorded in the pause
// state and in recovery history.
type PauseRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PauseResponse reports the pipeline's pause state.
type PauseResponse struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
	Since  string `json:"since,omitempty"`
}
