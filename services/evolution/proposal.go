// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-diff/diff"
)

// EvolutionProposal is a candidate change to the running system.
//
// # Description
//
// A proposal carries a goal (why the change exists) and a unified diff (what
// the change is). Proposals are immutable once constructed: every pipeline
// stage receives the same value, and the identity of a proposal is the
// content hash of its diff set, not its UUID. Two proposals with identical
// diffs hash identically even if submitted separately.
//
// # Thread Safety
//
// Proposals are never mutated after construction and are safe to share
// across goroutines.
type EvolutionProposal struct {
	ID           string            `json:"id"`
	Goal         string            `json:"goal"`
	DiffContent  string            `json:"diff_content"`
	TargetFiles  []string          `json:"target_files"`
	LinesChanged int               `json:"lines_changed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewProposal builds a proposal from a goal and a unified diff, deriving the
// target file list and changed line count from the diff itself.
//
// # Inputs
//
//   - goal: Human-readable description of what the change is for.
//   - diffContent: Unified diff text, possibly spanning multiple files.
//
// # Outputs
//
//   - *EvolutionProposal: Ready-to-submit proposal.
//   - error: ErrInvalidProposal if the goal is empty or the diff is empty
//     or unparseable.
func NewProposal(goal, diffContent string) (*EvolutionProposal, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidProposal)
	}
	if strings.TrimSpace(diffContent) == "" {
		return nil, fmt.Errorf("%w: diff content is required", ErrInvalidProposal)
	}

	files, lines, err := diffStats(diffContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: diff touches no files", ErrInvalidProposal)
	}

	return &EvolutionProposal{
		ID:           uuid.New().String(),
		Goal:         goal,
		DiffContent:  diffContent,
		TargetFiles:  files,
		LinesChanged: lines,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// ContentHash returns the SHA-256 identity of the proposal's diff set.
// The hash covers the diff text and the sorted target file list, so it is
// stable across resubmissions of the same change.
func (p *EvolutionProposal) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(p.DiffContent))

	files := append([]string(nil), p.TargetFiles...)
	sort.Strings(files)
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash returns the first eight hex characters of ContentHash, used in
// branch names and log lines.
func (p *EvolutionProposal) ShortHash() string {
	return p.ContentHash()[:8]
}

// Validate checks that the proposal is structurally usable before any
// sandbox work starts.
func (p *EvolutionProposal) Validate() error {
	if strings.TrimSpace(p.Goal) == "" {
		return fmt.Errorf("%w: goal is required", ErrInvalidProposal)
	}
	if strings.TrimSpace(p.DiffContent) == "" {
		return fmt.Errorf("%w: diff content is required", ErrInvalidProposal)
	}
	if len(p.TargetFiles) == 0 {
		return fmt.Errorf("%w: no target files", ErrInvalidProposal)
	}
	return nil
}

// diffStats parses a unified diff and returns the cleaned target file paths
// and the total count of added plus removed lines.
func diffStats(diffContent string) ([]string, int, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffContent)).ReadAllFiles()
	if err != nil {
		return nil, 0, fmt.Errorf("parsing diff: %w", err)
	}

	seen := make(map[string]struct{}, len(fileDiffs))
	var files []string
	for _, fd := range fileDiffs {
		path := CleanDiffPath(fd.NewName)
		if path == "" || path == "/dev/null" {
			path = CleanDiffPath(fd.OrigName)
		}
		if path == "" {
			continue
		}
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			files = append(files, path)
		}
	}

	lines := 0
	for _, line := range strings.Split(diffContent, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
			lines++
		}
	}

	return files, lines, nil
}

// CleanDiffPath strips the conventional a/ and b/ prefixes from a diff
// header path.
func CleanDiffPath(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}
