// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/heartbeat"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/snapshot"
)

// Baseline is the pre-commit health picture later monitoring passes compare
// against. Stable means the heartbeat battery passed at capture time; an
// unstable baseline cannot attribute later failures to the new commit.
type Baseline struct {
	ID         string             `json:"id"`
	CommitSHA  string             `json:"commit_sha,omitempty"`
	Branch     string             `json:"branch,omitempty"`
	Heartbeat  *heartbeat.Report  `json:"heartbeat"`
	Snapshot   *snapshot.Snapshot `json:"snapshot"`
	Perf       *PerfSample        `json:"perf"`
	Stable     bool               `json:"stable"`
	CapturedAt time.Time          `json:"captured_at"`
}

// PerfSample is a point-in-time measurement of the process and the artifact
// store. CPUSeconds is cumulative since process start; callers compare
// deltas, not absolutes.
type PerfSample struct {
	Stage      string    `json:"stage"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	CPUSeconds float64   `json:"cpu_seconds"`
	HeapBytes  uint64    `json:"heap_bytes"`
	Goroutines int       `json:"goroutines"`
	DiskBytes  int64     `json:"disk_bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// PauseState is the pipeline's halt switch. While Paused, the engine
// refuses new automatic proposals; only an explicit acknowledgment clears
// it. Persisted so a restart stays paused.
type PauseState struct {
	Paused bool      `json:"paused"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// RecoveryEvent records one recovery decision for the audit trail. Subject
// is the commit SHA or artifact path the event concerns; repeated events for
// the same subject escalate.
type RecoveryEvent struct {
	Subject  string                   `json:"subject"`
	Action   evolution.RecoveryAction `json:"action"`
	Source   string                   `json:"source"`
	Issues   []string                 `json:"issues,omitempty"`
	Reverted bool                     `json:"reverted,omitempty"`
	At       time.Time                `json:"at"`
}
