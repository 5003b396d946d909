// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the evolve CLI configuration from
// ~/.aleutian/evolve.yaml, creating a commented default on first run.
package config

// EvolveConfig is the full configuration tree for the evolve service.
type EvolveConfig struct {
	// RepoRoot is the git repository the pipeline evolves. Required for
	// serve; everything else has defaults.
	RepoRoot string `yaml:"repo_root"`

	// ArtifactRoot is the directory of spatially-indexed archives the
	// integrity doctor watches. Empty disables the doctor.
	ArtifactRoot string `yaml:"artifact_root"`

	// DataDir holds the BadgerDB state store.
	DataDir string `yaml:"data_dir"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogLevel is the minimum log severity: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Guardian GuardianConfig `yaml:"guardian"`
	Tier     TierConfig     `yaml:"tier"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Doctor   DoctorConfig   `yaml:"doctor"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GuardianConfig controls the review gate.
type GuardianConfig struct {
	// CriticalPatterns are glob patterns whose files force a high-risk
	// verdict. Empty selects the built-in defaults.
	CriticalPatterns []string `yaml:"critical_patterns"`

	Model ModelConfig `yaml:"model"`
}

// ModelConfig enables the model-backed reviewer. The rule reviewer always
// runs as its fallback.
type ModelConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never lives in this file.
	APIKeyEnv string `yaml:"api_key_env"`
}

// TierConfig controls risk scoring.
type TierConfig struct {
	// Weights override the critical-file score weights. Empty selects
	// the built-in defaults.
	Weights []WeightEntry `yaml:"weights"`
}

// WeightEntry pairs a glob pattern with its score weight in [10, 30].
type WeightEntry struct {
	Pattern string `yaml:"pattern"`
	Weight  int    `yaml:"weight"`
}

// MonitorConfig controls post-deployment observation.
type MonitorConfig struct {
	// HeapGrowthLimit is the tolerated fractional heap growth over the
	// baseline before Tier 2 monitoring flags it.
	HeapGrowthLimit float64 `yaml:"heap_growth_limit"`

	// GoroutineGrowthLimit is the tolerated fractional goroutine growth.
	GoroutineGrowthLimit float64 `yaml:"goroutine_growth_limit"`

	// InfluxURL enables writing performance samples to InfluxDB.
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// DoctorConfig controls the integrity doctor.
type DoctorConfig struct {
	// IntervalMinutes between periodic sweeps.
	IntervalMinutes int `yaml:"interval_minutes"`

	// AutoHeal enables regeneration and quarantine.
	AutoHeal bool `yaml:"auto_heal"`

	// CanonicalDir serves source-of-truth payloads for regeneration.
	CanonicalDir string `yaml:"canonical_dir"`

	// GCSBucket selects a GCS canonical store instead of CanonicalDir.
	GCSBucket      string `yaml:"gcs_bucket"`
	GCSPrefix      string `yaml:"gcs_prefix"`
	GCSCredentials string `yaml:"gcs_credentials"`
}

// DefaultConfig returns the first-run configuration.
func DefaultConfig() EvolveConfig {
	return EvolveConfig{
		DataDir:  "~/.aleutian/evolve",
		LogLevel: "info",
		Server:   ServerConfig{Port: 8090},
		Guardian: GuardianConfig{
			Model: ModelConfig{
				Model:     "gpt-4o-mini",
				APIKeyEnv: "EVOLVE_REVIEW_API_KEY",
			},
		},
		Monitor: MonitorConfig{
			HeapGrowthLimit:      0.5,
			GoroutineGrowthLimit: 1.0,
		},
		Doctor: DoctorConfig{
			IntervalMinutes: 10,
			AutoHeal:        true,
		},
	}
}
