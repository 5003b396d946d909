// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianEvolve/cmd/evolve/config"
	"github.com/AleutianAI/AleutianEvolve/pkg/logging"
	"github.com/AleutianAI/AleutianEvolve/pkg/ux"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/doctor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/engine"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/guardian"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/heartbeat"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/monitor"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/sandbox"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/server"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/store"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/telemetry"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/tier"
	"github.com/AleutianAI/AleutianEvolve/services/evolution/vcs"
)

// gitTimeout bounds each individual git operation during serve.
const gitTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evolution pipeline server",
	Long: `Serve assembles the whole pipeline (sandbox validator, guardian gate,
tier router, version control integrator, post-deployment monitor, recovery
controller, and the integrity doctor) and exposes it over HTTP.

Requires repo_root in the config; everything else has defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg := config.Global
	if cfg.RepoRoot == "" {
		return fmt.Errorf("repo_root is not set; edit your evolve.yaml")
	}
	repoRoot := config.ExpandPath(cfg.RepoRoot)
	artifactRoot := config.ExpandPath(cfg.ArtifactRoot)

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "evolve",
	})
	defer logger.Close()
	slogger := logger.Slog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slogger.Warn("Telemetry shutdown incomplete", "error", err)
		}
	}()

	st, err := store.Open(store.DefaultConfig(config.ExpandPath(cfg.DataDir)))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	battery := heartbeat.NewBattery(30*time.Second, slogger, heartbeat.DefaultChecks()...)

	validator, err := sandbox.NewValidator(sandbox.DefaultConfig(), battery, slogger)
	if err != nil {
		return fmt.Errorf("building sandbox validator: %w", err)
	}

	gate, err := buildGate(cfg.Guardian, slogger)
	if err != nil {
		return fmt.Errorf("building guardian gate: %w", err)
	}

	tierRouter, err := tier.NewRouter(tierWeights(cfg.Tier))
	if err != nil {
		return fmt.Errorf("building tier router: %w", err)
	}

	git, err := vcs.NewGitClient(repoRoot, gitTimeout)
	if err != nil {
		return fmt.Errorf("opening repository %s: %w", repoRoot, err)
	}
	integrator, err := vcs.NewIntegrator(git, repoRoot, slogger)
	if err != nil {
		return fmt.Errorf("building integrator: %w", err)
	}

	// deployGate serializes doctor checks and heals against rollbacks: the
	// integrator holds it while reverting, the doctor while touching
	// artifacts, so a regeneration never races a rollback.
	var deployGate sync.Mutex
	integrator.SetArtifactGate(&deployGate)

	monitorConfig := monitor.DefaultConfig(repoRoot)
	monitorConfig.ArtifactRoot = artifactRoot
	monitorConfig.HeapGrowthLimit = cfg.Monitor.HeapGrowthLimit
	monitorConfig.GoroutineGrowthLimit = cfg.Monitor.GoroutineGrowthLimit
	monitorConfig.Checks = heartbeat.DefaultChecks()
	monitorConfig.Head = git
	monitorConfig.Logger = slogger
	if cfg.Monitor.InfluxURL != "" {
		monitorConfig.Sink = monitor.NewInfluxSink(
			cfg.Monitor.InfluxURL,
			cfg.Monitor.InfluxToken,
			cfg.Monitor.InfluxOrg,
			cfg.Monitor.InfluxBucket,
		)
		slogger.Info("Performance samples go to InfluxDB", "url", cfg.Monitor.InfluxURL)
	}
	mon, err := monitor.NewMonitor(monitorConfig, st)
	if err != nil {
		return fmt.Errorf("building monitor: %w", err)
	}

	recovery, err := monitor.NewRecovery(integrator, st, slogger, 256)
	if err != nil {
		return fmt.Errorf("building recovery controller: %w", err)
	}

	events := engine.NewEmitter(256)
	eng, err := engine.New(engine.Config{
		SourceRoot: repoRoot,
		Validator:  validator,
		Gate:       gate,
		Router:     tierRouter,
		Integrator: integrator,
		Monitor:    mon,
		Recovery:   recovery,
		Store:      st,
		Events:     events,
		Logger:     slogger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	defer eng.Close()

	if artifactRoot != "" {
		if err := startDoctor(ctx, cfg.Doctor, artifactRoot, st, recovery, &deployGate, slogger); err != nil {
			return err
		}
	} else {
		slogger.Info("artifact_root not set, integrity doctor disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("evolve-service"))

	handlers := server.NewHandlers(eng, st, events, slogger)
	v1 := router.Group("/v1")
	server.RegisterRoutes(v1, handlers)
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	ux.Title("Aleutian Evolve")
	ux.Info(fmt.Sprintf("Serving on %s, evolving %s", addr, repoRoot))
	slogger.Info("Evolve server started", "address", addr, "repo", repoRoot)

	select {
	case sig := <-quit:
		slogger.Info("Shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("Forcing server close", "error", err)
	}
	return nil
}

// buildGate assembles the guardian reviewer chain. The rule reviewer always
// exists; when the model reviewer is enabled and its key is present, it
// fronts the rules and degrades to them on model failure.
func buildGate(cfg config.GuardianConfig, logger *slog.Logger) (*guardian.Gate, error) {
	var patterns []string
	if len(cfg.CriticalPatterns) > 0 {
		patterns = cfg.CriticalPatterns
	}
	rules, err := guardian.NewRuleReviewer(patterns, logger)
	if err != nil {
		return nil, err
	}

	var reviewer guardian.Reviewer = rules
	if cfg.Model.Enabled {
		key := os.Getenv(cfg.Model.APIKeyEnv)
		if key == "" {
			logger.Warn("Model reviewer enabled but key env is empty, using rules only",
				"env", cfg.Model.APIKeyEnv)
		} else {
			modelConfig := guardian.DefaultModelConfig()
			modelConfig.BaseURL = cfg.Model.BaseURL
			if cfg.Model.Model != "" {
				modelConfig.Model = cfg.Model.Model
			}
			model, err := guardian.NewModelReviewer(modelConfig, []byte(key), rules, logger)
			if err != nil {
				return nil, err
			}
			reviewer = model
			logger.Info("Model reviewer enabled", "model", modelConfig.Model)
		}
	}
	return guardian.NewGate(reviewer, logger), nil
}

// tierWeights converts configured weight entries. Nil keeps the router's
// built-in defaults.
func tierWeights(cfg config.TierConfig) []tier.WeightedPattern {
	if len(cfg.Weights) == 0 {
		return nil
	}
	weights := make([]tier.WeightedPattern, 0, len(cfg.Weights))
	for _, w := range cfg.Weights {
		weights = append(weights, tier.WeightedPattern{Pattern: w.Pattern, Weight: w.Weight})
	}
	return weights
}

// startDoctor wires the integrity doctor and launches its watch loop.
func startDoctor(
	ctx context.Context,
	cfg config.DoctorConfig,
	artifactRoot string,
	st *store.Store,
	recovery *monitor.Recovery,
	gate sync.Locker,
	logger *slog.Logger,
) error {
	doctorConfig := doctor.DefaultConfig(artifactRoot)
	doctorConfig.Interval = time.Duration(cfg.IntervalMinutes) * time.Minute
	doctorConfig.AutoHeal = cfg.AutoHeal
	doctorConfig.Gate = gate
	doctorConfig.Logger = logger

	switch {
	case cfg.GCSBucket != "":
		canonical, err := doctor.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix,
			config.ExpandPath(cfg.GCSCredentials))
		if err != nil {
			return fmt.Errorf("opening GCS canonical store: %w", err)
		}
		doctorConfig.Canonical = canonical
	case cfg.CanonicalDir != "":
		doctorConfig.Canonical = doctor.NewDirStore(config.ExpandPath(cfg.CanonicalDir))
	}

	doc, err := doctor.NewDoctor(doctorConfig, st, recovery)
	if err != nil {
		return fmt.Errorf("building integrity doctor: %w", err)
	}
	go func() {
		if err := doc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Integrity doctor stopped", "error", err)
		}
	}()
	return nil
}
