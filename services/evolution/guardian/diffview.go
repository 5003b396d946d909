// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardian

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// diffLine is one changed line with its position in the new (added) or old
// (removed) version of the file.
type diffLine struct {
	Text string
	Line int
}

// fileChange is the reviewer's view of one file in a proposal: the path and
// the added and removed lines, in order.
type fileChange struct {
	Path    string
	Added   []diffLine
	Removed []diffLine
}

// parseChanges splits a unified diff into per-file added and removed lines.
// Line numbers come from the hunk headers: added lines are numbered in the
// new file, removed lines in the old file.
func parseChanges(diffContent string) ([]fileChange, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffContent)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	changes := make([]fileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		path := evolution.CleanDiffPath(fd.NewName)
		if path == "" || path == "/dev/null" {
			path = evolution.CleanDiffPath(fd.OrigName)
		}

		fc := fileChange{Path: path}
		for _, hunk := range fd.Hunks {
			newLine := int(hunk.NewStartLine)
			origLine := int(hunk.OrigStartLine)

			for _, raw := range strings.Split(string(hunk.Body), "\n") {
				if raw == "" {
					continue
				}
				switch raw[0] {
				case '+':
					fc.Added = append(fc.Added, diffLine{Text: raw[1:], Line: newLine})
					newLine++
				case '-':
					fc.Removed = append(fc.Removed, diffLine{Text: raw[1:], Line: origLine})
					origLine++
				case '\\':
					// "\ No newline at end of file"
				default:
					newLine++
					origLine++
				}
			}
		}
		changes = append(changes, fc)
	}
	return changes, nil
}

// addedBlocks groups consecutive added lines so fragments can be parsed as a
// unit. Two lines are consecutive when their new-file numbers are adjacent.
func (fc *fileChange) addedBlocks() [][]diffLine {
	var blocks [][]diffLine
	var current []diffLine

	for _, dl := range fc.Added {
		if len(current) > 0 && dl.Line != current[len(current)-1].Line+1 {
			blocks = append(blocks, current)
			current = nil
		}
		current = append(current, dl)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}
