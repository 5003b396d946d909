// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heartbeat runs the structural smoke-check battery against a tree.
// The sandbox validator runs it against candidate trees before approval and
// the post-deployment monitor runs it against the live tree afterwards, so
// a heartbeat means the same thing in both places.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Check is a single smoke test against a tree rooted at a directory.
//
// Checks must be self-contained: no global state, no writes outside the
// root, and prompt return on context cancellation.
type Check interface {
	// Name identifies the check in reports and logs.
	Name() string

	// Run executes the check against the tree at root.
	Run(ctx context.Context, root string) error
}

// Failure records one failed check in a report.
type Failure struct {
	Check string `json:"check"`
	Err   string `json:"error"`
}

// Report is the outcome of running a battery.
type Report struct {
	Passed   int           `json:"passed"`
	Total    int           `json:"total"`
	Failures []Failure     `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AllPassed reports whether every check in the battery succeeded.
func (r *Report) AllPassed() bool {
	return r.Total > 0 && r.Passed == r.Total
}

// Battery is an ordered set of checks with a shared per-check timeout.
//
// # Thread Safety
//
// Safe for concurrent use; each Run is independent.
type Battery struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewBattery assembles a battery. A nil or empty check list selects
// DefaultChecks; a zero timeout selects 30 seconds per check.
func NewBattery(timeout time.Duration, logger *slog.Logger, checks ...Check) *Battery {
	if len(checks) == 0 {
		checks = DefaultChecks()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Battery{
		checks:  checks,
		timeout: timeout,
		logger:  logger.With("component", "heartbeat"),
	}
}

// Run executes every check in order. A failing check does not stop the
// battery; cancellation does. Each check gets its own timeout.
func (b *Battery) Run(ctx context.Context, root string) *Report {
	start := time.Now()
	report := &Report{Total: len(b.checks)}

	for _, check := range b.checks {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, Failure{
				Check: check.Name(),
				Err:   fmt.Sprintf("battery cancelled: %v", err),
			})
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := check.Run(checkCtx, root)
		cancel()

		if err != nil {
			b.logger.Warn("heartbeat check failed",
				"check", check.Name(),
				"root", root,
				"error", err)
			report.Failures = append(report.Failures, Failure{
				Check: check.Name(),
				Err:   err.Error(),
			})
			continue
		}
		report.Passed++
	}

	report.Duration = time.Since(start)
	return report
}
