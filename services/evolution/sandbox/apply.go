// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// ApplyResult reports what a successful application changed under the
// applied root.
type ApplyResult struct {
	Changed []string // relative paths written or rewritten
	Deleted []string // relative paths removed
}

// Apply applies a proposal's unified diff to the tree under root.
//
// # Description
//
// Application is strict: the first hunk whose context does not match the
// tree aborts the whole application. It is not transactional — on error
// the tree may hold a partial application, so callers that apply outside
// a throwaway sandbox own restoring the tree.
//
// # Inputs
//   - root: absolute directory the diff paths are resolved under.
//   - diffContent: unified diff, git-style a/ b/ prefixes accepted.
//
// # Outputs
//   - *ApplyResult: relative paths written and removed.
//   - error: parse failure, context mismatch, or a path escaping root.
func Apply(root, diffContent string) (*ApplyResult, error) {
	return applyDiff(root, diffContent)
}

// applyDiff parses the proposal's unified diff and applies it to the tree
// under root. Application is strict: the first hunk whose context does not
// match the tree aborts the whole application.
func applyDiff(root, diffContent string) (*ApplyResult, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffContent)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("diff contains no file changes")
	}

	result := &ApplyResult{}
	for _, fd := range fileDiffs {
		origName := evolution.CleanDiffPath(fd.OrigName)
		newName := evolution.CleanDiffPath(fd.NewName)

		isNew := origName == "/dev/null" || origName == ""
		isDelete := newName == "/dev/null" || newName == ""

		switch {
		case isDelete:
			target := filepath.Join(root, filepath.FromSlash(origName))
			if err := insideRoot(root, target); err != nil {
				return nil, err
			}
			if err := os.Remove(target); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", origName, err)
			}
			result.Deleted = append(result.Deleted, origName)

		case isNew:
			target := filepath.Join(root, filepath.FromSlash(newName))
			if err := insideRoot(root, target); err != nil {
				return nil, err
			}
			content, err := patchContent("", fd.Hunks)
			if err != nil {
				return nil, fmt.Errorf("creating %s: %w", newName, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("creating directory for %s: %w", newName, err)
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("writing %s: %w", newName, err)
			}
			result.Changed = append(result.Changed, newName)

		default:
			target := filepath.Join(root, filepath.FromSlash(newName))
			if err := insideRoot(root, target); err != nil {
				return nil, err
			}
			original, err := os.ReadFile(target)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", newName, err)
			}
			content, err := patchContent(string(original), fd.Hunks)
			if err != nil {
				return nil, fmt.Errorf("patching %s: %w", newName, err)
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("writing %s: %w", newName, err)
			}
			result.Changed = append(result.Changed, newName)
		}
	}

	return result, nil
}

// patchContent applies hunks to the original content and returns the new
// content. Context and removal lines must match the original exactly.
func patchContent(original string, hunks []*diff.Hunk) (string, error) {
	origLines := splitLines(original)
	var out []string
	cursor := 0

	for _, hunk := range hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor {
			return "", fmt.Errorf("overlapping hunks at line %d", hunk.OrigStartLine)
		}
		if start > len(origLines) {
			return "", fmt.Errorf("hunk starts at line %d beyond end of file (%d lines)",
				hunk.OrigStartLine, len(origLines))
		}

		out = append(out, origLines[cursor:start]...)
		cursor = start

		for _, line := range splitLines(string(hunk.Body)) {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])

			case strings.HasPrefix(line, "-"):
				if cursor >= len(origLines) || origLines[cursor] != line[1:] {
					return "", contextMismatch(origLines, cursor, line[1:])
				}
				cursor++

			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" markers carry no content.

			default:
				// Context line. Some producers emit blank context lines
				// without the leading space.
				want := line
				if strings.HasPrefix(line, " ") {
					want = line[1:]
				}
				if cursor >= len(origLines) || origLines[cursor] != want {
					return "", contextMismatch(origLines, cursor, want)
				}
				out = append(out, origLines[cursor])
				cursor++
			}
		}
	}

	out = append(out, origLines[cursor:]...)
	if len(out) == 0 {
		return "", nil
	}
	return strings.Join(out, "\n") + "\n", nil
}

func contextMismatch(origLines []string, cursor int, want string) error {
	have := "<end of file>"
	if cursor < len(origLines) {
		have = origLines[cursor]
	}
	return fmt.Errorf("context mismatch at line %d: diff expects %q, file has %q",
		cursor+1, want, have)
}

// splitLines splits content into lines without a trailing empty element for
// newline-terminated text.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// insideRoot rejects targets that escape the sandbox root.
func insideRoot(root, target string) error {
	cleanRoot := filepath.Clean(root)
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(filepath.Separator)) {
		return fmt.Errorf("diff path escapes sandbox: %s", target)
	}
	return nil
}
