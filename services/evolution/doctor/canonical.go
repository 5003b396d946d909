// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNoCanonical reports that no canonical payload exists for an artifact.
// A fetch failing with anything else is transient: the artifact is left in
// place for the next sweep instead of being quarantined.
var ErrNoCanonical = errors.New("no canonical payload")

// CanonicalStore serves the source-of-truth payloads archives are
// regenerated from.
type CanonicalStore interface {
	// Fetch returns the canonical payload for an artifact name (the
	// archive's base name without its extension). Returns ErrNoCanonical
	// when the store has no copy.
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// DirStore serves canonical payloads from a local directory.
type DirStore struct {
	root string
}

// NewDirStore creates a store over the given directory.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Fetch reads the payload file named after the artifact.
func (s *DirStore) Fetch(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoCanonical, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading canonical payload %s: %w", name, err)
	}
	return data, nil
}

// GCSStore serves canonical payloads from a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore connects to a bucket. credentialsFile may be empty to use
// ambient credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

// Fetch downloads the canonical object for the artifact.
func (s *GCSStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(path.Join(s.prefix, name))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoCanonical, name)
	}
	if err != nil {
		return nil, fmt.Errorf("opening canonical object %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading canonical object %s: %w", name, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
