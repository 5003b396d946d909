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
	"io"
	"os"
)

// DefaultMaxFileSize is the per-file size cap applied when a negative limit
// is requested.
const DefaultMaxFileSize = 64 * 1024 * 1024 // 64 MiB

// Hasher computes content hashes for snapshot entries.
type Hasher interface {
	// HashFile returns the lowercase hex SHA-256 of a file's contents.
	HashFile(path string) (string, error)

	// HashFileAtomic hashes a file and verifies it did not change while
	// being read, retrying up to the given number of times.
	HashFileAtomic(path string, retries int) (FileEntry, error)
}

// SHA256Hasher is the default Hasher.
//
// # Thread Safety
//
// Safe for concurrent use.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher with the given per-file size limit.
// A limit of 0 disables the check; a negative limit selects
// DefaultMaxFileSize.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	if maxFileSize < 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if h.maxFileSize > 0 {
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() > h.maxFileSize {
			return "", fmt.Errorf("%w: %s is %d bytes (limit %d)",
				ErrFileTooLarge, path, info.Size(), h.maxFileSize)
		}
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// HashFileAtomic hashes path and confirms size and mtime were stable across
// the read. Files that keep changing exhaust the retry budget and return
// ErrFileUnstable.
func (h *SHA256Hasher) HashFileAtomic(path string, retries int) (FileEntry, error) {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
		}

		hash, err := h.HashFile(path)
		if err != nil {
			return FileEntry{}, err
		}

		after, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
		}

		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return FileEntry{
				Path:  path,
				Hash:  hash,
				Size:  after.Size(),
				Mtime: after.ModTime(),
			}, nil
		}
		lastErr = fmt.Errorf("%w: %s (attempt %d/%d)", ErrFileUnstable, path, attempt+1, retries)
	}

	return FileEntry{}, lastErr
}
