// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// FileEntry is one hashed file inside a snapshot.
type FileEntry struct {
	Path  string    `json:"path"`
	Hash  string    `json:"hash"`
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
}

// Validate checks that the entry is internally consistent.
func (e *FileEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("entry has empty path")
	}
	if len(e.Hash) != 64 {
		return fmt.Errorf("entry %s: hash must be 64 hex characters, got %d", e.Path, len(e.Hash))
	}
	if e.Size < 0 {
		return fmt.Errorf("entry %s: negative size %d", e.Path, e.Size)
	}
	return nil
}

// Snapshot is a content-hashed picture of a source tree at a point in time.
//
// # Description
//
// The ID is a digest over every entry's path and hash, so two snapshots of
// byte-identical trees share an ID regardless of when they were captured.
// Incomplete is set when capture was cancelled partway; incomplete snapshots
// must not be used as monitoring baselines.
//
// # Thread Safety
//
// Snapshots are immutable after Capture returns.
type Snapshot struct {
	ID         string               `json:"id"`
	Root       string               `json:"root"`
	Files      map[string]FileEntry `json:"files"`
	Errors     []*ScanError         `json:"errors,omitempty"`
	Incomplete bool                 `json:"incomplete,omitempty"`
	CapturedAt time.Time            `json:"captured_at"`
}

// Digest computes the snapshot's content digest: SHA-256 over the sorted
// path and hash of every entry.
func (s *Snapshot) Digest() string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(s.Files[p].Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Drift is the difference between two snapshots of the same root.
type Drift struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// Empty reports whether the two snapshots were identical.
func (d *Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Summary renders the drift as a short human-readable line.
func (d *Drift) Summary() string {
	return fmt.Sprintf("%d added, %d modified, %d deleted",
		len(d.Added), len(d.Modified), len(d.Deleted))
}
