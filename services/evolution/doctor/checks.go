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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/bits"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
)

// Report is the outcome of one integrity pass over a spatial archive.
type Report struct {
	Artifact      string    `json:"artifact"`
	Healthy       bool      `json:"healthy"`
	Corrupted     bool      `json:"corrupted"`
	Fragmented    bool      `json:"fragmented"`
	LocalityScore float64   `json:"locality_score"`
	MeanDensity   float64   `json:"mean_density"`
	Issues        []string  `json:"issues,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// CheckArtifact runs the integrity checks over one archive, cheapest first:
// digest verification against the sidecar, spatial locality of the layout,
// then block information density.
//
// # Inputs
//   - ctx: cancellation only; the caller bounds the pass.
//   - archivePath: the .grid file to verify.
//
// # Outputs
//   - *Report: always non-nil when error is nil; persisted for the query
//     surface before returning.
//   - error: context cancellation only. An unreadable artifact is a
//     corruption finding, not an error.
func (d *Doctor) CheckArtifact(ctx context.Context, archivePath string) (*Report, error) {
	ctx, span := startCheckSpan(ctx, archivePath)
	defer span.End()

	if d.config.Gate != nil {
		d.config.Gate.Lock()
		defer d.config.Gate.Unlock()
	}
	return d.checkLocked(ctx, archivePath)
}

// checkLocked is CheckArtifact minus span and artifact gate; Heal re-checks
// through it while already holding the gate.
func (d *Doctor) checkLocked(ctx context.Context, archivePath string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{
		Artifact:  filepath.Base(archivePath),
		Healthy:   true,
		CheckedAt: start.UTC(),
	}

	sc, err := ReadSidecar(archivePath)
	if err != nil {
		report.Healthy = false
		report.Corrupted = true
		report.Issues = append(report.Issues, fmt.Sprintf("sidecar unreadable: %v", err))
		d.finishCheck(ctx, report, start)
		return report, nil
	}

	issue, err := verifyChecksum(archivePath, sc)
	if err != nil {
		report.Healthy = false
		report.Corrupted = true
		report.Issues = append(report.Issues, fmt.Sprintf("archive unreadable: %v", err))
		d.finishCheck(ctx, report, start)
		return report, nil
	}
	if issue != "" {
		report.Healthy = false
		report.Corrupted = true
		report.Issues = append(report.Issues, issue)
	}

	score, detail := d.analyzeLocality(archivePath, sc)
	report.LocalityScore = score
	if score < d.config.LocalityThreshold {
		report.Healthy = false
		report.Fragmented = true
		issue := fmt.Sprintf("low spatial locality score %.2f", score)
		if detail != "" {
			issue += ": " + detail
		}
		report.Issues = append(report.Issues, issue)
	}

	mean, anomalies := d.analyzeDensity(archivePath, sc)
	report.MeanDensity = mean
	if len(anomalies) > 0 {
		report.Healthy = false
		report.Issues = append(report.Issues, anomalies...)
	}

	d.finishCheck(ctx, report, start)
	return report, nil
}

// finishCheck persists the report and records telemetry.
func (d *Doctor) finishCheck(ctx context.Context, report *Report, start time.Time) {
	if err := d.store.PutJSON(store.ReportKey(report.Artifact, report.CheckedAt), report); err != nil {
		d.logger.Error("Persisting integrity report failed", "artifact", report.Artifact, "error", err)
	}
	recordCheck(ctx, report.Healthy, time.Since(start))
	if report.Healthy {
		d.logger.Debug("Artifact healthy", "artifact", report.Artifact)
	} else {
		d.logger.Warn("Artifact unhealthy", "artifact", report.Artifact, "issues", report.Issues)
	}
}

// verifyChecksum streams the archive through SHA-256 and compares it to the
// sidecar digest. A mismatch is a finding, an unreadable file an error.
func verifyChecksum(archivePath string, sc *Sidecar) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != sc.Digest {
		return fmt.Sprintf("checksum mismatch: expected %s, got %s", sc.Digest, actual), nil
	}
	return "", nil
}

// analyzeLocality scores how well adjacent logical indices land on adjacent
// grid cells. Malformed geometry scores zero: a grid that is not a square
// power of two, or whose sidecar disagrees with it, has lost its mapping.
func (d *Doctor) analyzeLocality(archivePath string, sc *Sidecar) (float64, string) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, fmt.Sprintf("archive unreadable: %v", err)
	}

	side, ok := gridSide(int(info.Size()))
	if !ok {
		return 0, "archive is not a square grid"
	}
	if !isPowerOfTwo(side) {
		return 0, fmt.Sprintf("grid side %d is not a power of two", side)
	}
	order := bits.TrailingZeros(uint(side))
	if sc.Order != order {
		return 0, fmt.Sprintf("sidecar order %d does not match grid order %d", sc.Order, order)
	}
	if sc.PayloadLen > side*side {
		return 0, fmt.Sprintf("payload length %d exceeds grid capacity %d", sc.PayloadLen, side*side)
	}

	total := side * side
	if total < 2 {
		return 1, ""
	}

	adjacent, checked := 0, 0
	if total-1 <= d.config.LocalitySamples {
		// Small grids are checked exhaustively.
		for i := 0; i < total-1; i++ {
			if adjacentOnCurve(i, order) {
				adjacent++
			}
			checked++
		}
	} else {
		for n := 0; n < d.config.LocalitySamples; n++ {
			if adjacentOnCurve(rand.Intn(total-1), order) {
				adjacent++
			}
			checked++
		}
	}
	return float64(adjacent) / float64(checked), ""
}

func adjacentOnCurve(i, order int) bool {
	x1, y1 := indexToXY(i, order)
	x2, y2 := indexToXY(i+1, order)
	dx, dy := x1-x2, y1-y2
	return dx*dx+dy*dy == 1
}

// analyzeDensity computes Shannon entropy per block over the logical
// payload. A zero-density block is anomalous unless it is the final block
// of a multi-block payload, where trailing padding is expected; any block
// more than three standard deviations from the mean is anomalous.
func (d *Doctor) analyzeDensity(archivePath string, sc *Sidecar) (float64, []string) {
	payload, err := ExtractPayload(archivePath, sc)
	if err != nil {
		return 0, []string{fmt.Sprintf("payload unrecoverable for density analysis: %v", err)}
	}
	if len(payload) == 0 {
		return 0, nil
	}

	blockSize := d.config.BlockSize
	numBlocks := (len(payload) + blockSize - 1) / blockSize
	densities := make([]float64, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(payload) {
			end = len(payload)
		}
		densities = append(densities, shannonBitsPerByte(payload[start:end]))
	}

	var mean float64
	for _, e := range densities {
		mean += e
	}
	mean /= float64(len(densities))

	var variance float64
	for _, e := range densities {
		variance += (e - mean) * (e - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(densities)))

	var anomalies []string
	for i, e := range densities {
		if e == 0 && (numBlocks == 1 || i < numBlocks-1) {
			anomalies = append(anomalies, fmt.Sprintf("block %d has zero density", i))
		}
		if stdDev > 0 && math.Abs(e-mean) > 3*stdDev {
			anomalies = append(anomalies, fmt.Sprintf("block %d density %.2f deviates from mean %.2f", i, e, mean))
		}
	}
	return mean, anomalies
}

// shannonBitsPerByte measures information density in bits per byte, 0 for
// a uniform chunk up to 8 for incompressible data.
func shannonBitsPerByte(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}

	var freq [256]int
	for _, b := range chunk {
		freq[b]++
	}

	total := float64(len(chunk))
	var entropy float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
