// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"io/fs"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"time"
)

const cpuMetricName = "/cpu/classes/total:cpu-seconds"

// samplePerf measures the process and the artifact store right now. Never
// fails; unavailable signals are zero.
func samplePerf(artifactRoot, stage, commitSHA string) *PerfSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return &PerfSample{
		Stage:      stage,
		CommitSHA:  commitSHA,
		CPUSeconds: cpuSeconds(),
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
		DiskBytes:  diskUsage(artifactRoot),
		CapturedAt: time.Now().UTC(),
	}
}

// cpuSeconds reads the runtime's cumulative CPU counter.
func cpuSeconds() float64 {
	sample := []metrics.Sample{{Name: cpuMetricName}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return sample[0].Value.Float64()
}

// diskUsage sums file sizes under root. Best effort: unreadable entries are
// skipped, an empty root reports zero.
func diskUsage(root string) int64 {
	if root == "" {
		return 0
	}

	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
