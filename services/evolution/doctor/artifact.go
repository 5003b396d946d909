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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// ArchiveExt marks spatial archives in the artifact root.
	ArchiveExt = ".grid"

	// SidecarSuffix is appended to an archive path to locate its metadata.
	SidecarSuffix = ".meta.json"

	// QuarantineDir receives archives that could not be healed. Files in
	// it are never deleted and never scanned.
	QuarantineDir = "quarantine"
)

// Sidecar is the metadata written next to every spatial archive: the digest
// of the grid file, the curve order of its layout, and the logical payload
// length (the grid is zero-padded past it).
type Sidecar struct {
	Digest      string    `json:"digest"`
	Order       int       `json:"order"`
	PayloadLen  int       `json:"payload_len"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SidecarPath returns the metadata path for an archive.
func SidecarPath(archivePath string) string {
	return archivePath + SidecarSuffix
}

// WriteArchive lays the payload out along the Hilbert curve in the smallest
// square power-of-two grid that holds it and writes both the grid file and
// its sidecar.
func WriteArchive(archivePath string, payload []byte) (*Sidecar, error) {
	order := orderFor(len(payload))
	side := 1 << order
	grid := make([]byte, side*side)
	for i, b := range payload {
		x, y := indexToXY(i, order)
		grid[y*side+x] = b
	}

	if err := os.WriteFile(archivePath, grid, 0644); err != nil {
		return nil, fmt.Errorf("writing archive %s: %w", archivePath, err)
	}

	sum := sha256.Sum256(grid)
	sc := &Sidecar{
		Digest:      hex.EncodeToString(sum[:]),
		Order:       order,
		PayloadLen:  len(payload),
		GeneratedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(archivePath), data, 0644); err != nil {
		return nil, fmt.Errorf("writing sidecar %s: %w", SidecarPath(archivePath), err)
	}
	return sc, nil
}

// ReadSidecar loads an archive's sidecar.
func ReadSidecar(archivePath string) (*Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(archivePath))
	if err != nil {
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decoding sidecar %s: %w", SidecarPath(archivePath), err)
	}
	if sc.Digest == "" {
		return nil, fmt.Errorf("sidecar %s carries no digest", SidecarPath(archivePath))
	}
	return &sc, nil
}

// ExtractPayload reads the grid and walks the curve to recover the logical
// payload described by the sidecar.
func ExtractPayload(archivePath string, sc *Sidecar) ([]byte, error) {
	grid, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}

	side := 1 << sc.Order
	if len(grid) != side*side {
		return nil, fmt.Errorf("archive is %d bytes, order %d grid needs %d", len(grid), sc.Order, side*side)
	}
	if sc.PayloadLen < 0 || sc.PayloadLen > side*side {
		return nil, fmt.Errorf("payload length %d does not fit an order %d grid", sc.PayloadLen, sc.Order)
	}

	payload := make([]byte, sc.PayloadLen)
	for i := range payload {
		x, y := indexToXY(i, sc.Order)
		payload[i] = grid[y*side+x]
	}
	return payload, nil
}

// Quarantine moves an archive and its sidecar into the quarantine directory
// beside it. The file is preserved, never deleted.
func Quarantine(archivePath string) (string, error) {
	dir := filepath.Join(filepath.Dir(archivePath), QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating quarantine directory: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(archivePath))
	if err := os.Rename(archivePath, dest); err != nil {
		return "", fmt.Errorf("quarantining %s: %w", archivePath, err)
	}

	// The sidecar travels with the archive when present.
	if _, err := os.Stat(SidecarPath(archivePath)); err == nil {
		sidecarDest := filepath.Join(dir, filepath.Base(SidecarPath(archivePath)))
		if err := os.Rename(SidecarPath(archivePath), sidecarDest); err != nil {
			return dest, fmt.Errorf("quarantining sidecar: %w", err)
		}
	}
	return dest, nil
}
