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
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Scanner captures snapshots of a source tree.
//
// # Description
//
// A Scanner walks the tree under a root, hashes every file admitted by its
// include and exclude patterns, and assembles the entries into a Snapshot.
// Per-file failures are recorded on the snapshot and do not abort the
// capture; cancellation stops the walk and marks the snapshot incomplete.
//
// # Thread Safety
//
// Safe for concurrent use. Each Capture call walks independently.
type Scanner struct {
	hasher      Hasher
	matcher     *Matcher
	maxRetries  int
	includes    []string
	excludes    []string
	maxFileSize int64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIncludes replaces the default include patterns.
func WithIncludes(patterns ...string) Option {
	return func(s *Scanner) { s.includes = patterns }
}

// WithExcludes replaces the default exclude patterns.
func WithExcludes(patterns ...string) Option {
	return func(s *Scanner) { s.excludes = patterns }
}

// WithMaxFileSize sets the per-file size cap. Zero disables the cap.
func WithMaxFileSize(n int64) Option {
	return func(s *Scanner) { s.maxFileSize = n }
}

// WithHasher replaces the default SHA-256 hasher.
func WithHasher(h Hasher) Option {
	return func(s *Scanner) { s.hasher = h }
}

// WithMaxRetries sets how many times an unstable file is re-read before it
// is recorded as a scan error.
func WithMaxRetries(n int) Option {
	return func(s *Scanner) { s.maxRetries = n }
}

// NewScanner creates a scanner with the given options applied over the
// defaults.
func NewScanner(opts ...Option) (*Scanner, error) {
	s := &Scanner{
		includes:    DefaultIncludes,
		excludes:    DefaultExcludes,
		maxFileSize: DefaultMaxFileSize,
		maxRetries:  3,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.hasher == nil {
		s.hasher = NewSHA256Hasher(s.maxFileSize)
	}

	matcher, err := NewMatcher(s.includes, s.excludes)
	if err != nil {
		return nil, err
	}
	s.matcher = matcher
	return s, nil
}

// Capture walks root and returns a snapshot of every matching file.
//
// # Inputs
//
//   - ctx: Cancelling the context stops the walk; the partial snapshot is
//     returned with Incomplete set.
//   - root: Absolute path of the tree to capture.
//
// # Outputs
//
//   - *Snapshot: Captured entries, keyed by slash-separated relative path.
//   - error: ErrInvalidRoot if root is unusable. Per-file failures are
//     recorded on the snapshot, not returned.
func (s *Scanner) Capture(ctx context.Context, root string) (*Snapshot, error) {
	if err := validateRoot(root); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Root:       root,
		Files:      make(map[string]FileEntry),
		CapturedAt: time.Now().UTC(),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			snap.Incomplete = true
			return filepath.SkipAll
		}
		if walkErr != nil {
			snap.Errors = append(snap.Errors, &ScanError{Path: path, Err: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			snap.Errors = append(snap.Errors, &ScanError{Path: path, Err: relErr})
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are recorded by neither hash nor presence; the tree the
		// pipeline evolves does not rely on them and following them risks
		// cycles.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if !s.matcher.Match(rel) {
			return nil
		}

		entry, hashErr := s.hasher.HashFileAtomic(path, s.maxRetries)
		if hashErr != nil {
			snap.Errors = append(snap.Errors, &ScanError{Path: rel, Err: hashErr})
			return nil
		}
		entry.Path = rel
		snap.Files[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	snap.ID = snap.Digest()
	return snap, nil
}

// Diff compares two snapshots and reports the drift from old to new.
func Diff(old, new *Snapshot) *Drift {
	d := &Drift{}

	for path, newEntry := range new.Files {
		oldEntry, ok := old.Files[path]
		if !ok {
			d.Added = append(d.Added, path)
			continue
		}
		if oldEntry.Hash != newEntry.Hash {
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range old.Files {
		if _, ok := new.Files[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d
}

// QuickCheck verifies the live tree still matches the snapshot, using mtime
// and size before falling back to rehashing. It reports the paths that
// differ.
//
// # Inputs
//
//   - ctx: Cancellation stops the check early with the differences found
//     so far.
//   - snap: Baseline to verify against.
//
// # Outputs
//
//   - bool: True when no differences were found.
//   - []string: Paths that changed or disappeared.
//   - error: Non-nil only on cancellation.
func (s *Scanner) QuickCheck(ctx context.Context, snap *Snapshot) (bool, []string, error) {
	var changed []string

	paths := make([]string, 0, len(snap.Files))
	for p := range snap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return len(changed) == 0, changed, err
		}

		entry := snap.Files[rel]
		abs, err := joinUnderRoot(snap.Root, rel)
		if err != nil {
			changed = append(changed, rel)
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			changed = append(changed, rel)
			continue
		}

		if info.Size() == entry.Size && info.ModTime().Equal(entry.Mtime) {
			continue
		}

		hash, err := s.hasher.HashFile(abs)
		if err != nil || hash != entry.Hash {
			changed = append(changed, rel)
		}
	}

	return len(changed) == 0, changed, nil
}

// validateRoot checks that root is an absolute path to an existing directory.
func validateRoot(root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("%w: %s is not absolute", ErrInvalidRoot, root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	return nil
}

// joinUnderRoot joins rel onto root and rejects paths that escape it.
func joinUnderRoot(root, rel string) (string, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return abs, nil
}
