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
	"context"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// PerfSink receives performance samples taken during monitoring windows.
//
// # Thread Safety
//
// Implementations must tolerate concurrent Export calls.
type PerfSink interface {
	// Export delivers a single sample. Errors are reported to the caller
	// but never fail a monitoring pass.
	Export(ctx context.Context, sample *PerfSample) error

	// Close releases any underlying client.
	Close() error
}

// LogSink writes samples to the structured log. It is the default sink when
// no time-series backend is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Export logs the sample at debug level.
func (s *LogSink) Export(_ context.Context, sample *PerfSample) error {
	s.logger.Debug("Performance sample",
		"stage", sample.Stage,
		"commit", sample.CommitSHA,
		"cpu_seconds", sample.CPUSeconds,
		"heap_bytes", sample.HeapBytes,
		"goroutines", sample.Goroutines,
		"disk_bytes", sample.DiskBytes)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// InfluxSink writes samples to an InfluxDB bucket so deployments can be
// compared across monitoring windows.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink connects to the InfluxDB instance at url. The token, org and
// bucket follow the usual InfluxDB v2 client semantics.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// Export writes the sample as a single point in the evolve_perf measurement.
func (s *InfluxSink) Export(ctx context.Context, sample *PerfSample) error {
	p := influxdb2.NewPoint(
		"evolve_perf",
		map[string]string{
			"stage":  sample.Stage,
			"commit": sample.CommitSHA,
		},
		map[string]interface{}{
			"cpu_seconds": sample.CPUSeconds,
			"heap_bytes":  int64(sample.HeapBytes),
			"goroutines":  sample.Goroutines,
			"disk_bytes":  sample.DiskBytes,
		},
		sample.CapturedAt,
	)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close shuts down the underlying client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
