// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot captures content-hashed baselines of a source tree and
// detects drift between them. The post-deployment monitor records a snapshot
// before every commit and compares the live tree against it during the
// observation window.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for snapshot operations.
var (
	// ErrInvalidRoot indicates the snapshot root does not exist, is not a
	// directory, or is not an absolute path.
	ErrInvalidRoot = errors.New("invalid snapshot root")

	// ErrPathTraversal indicates a path escaped the snapshot root.
	ErrPathTraversal = errors.New("path escapes snapshot root")

	// ErrFileTooLarge indicates a file exceeded the configured size limit.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrFileUnstable indicates a file kept changing while being hashed and
	// the retry budget was exhausted.
	ErrFileUnstable = errors.New("file changed during hashing")
)

// ScanError records a non-fatal failure for a single file during capture.
// The capture continues; the error is attached to the snapshot.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanning %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the wrapped error as text so snapshots serialize
// cleanly.
func (e *ScanError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	}{
		Path:  e.Path,
		Error: e.Err.Error(),
	})
}
