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
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGovernor/pkg/logging"
	"github.com/AleutianAI/AleutianGovernor/services/governor/admission"
	"github.com/AleutianAI/AleutianGovernor/services/governor/api"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
	"github.com/AleutianAI/AleutianGovernor/services/governor/eviction"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
	"github.com/AleutianAI/AleutianGovernor/services/governor/observability"
	"github.com/AleutianAI/AleutianGovernor/services/governor/ratelimit"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

// newServiceLogger builds the serve logger from the logging section.
// LOG_FILE names the file inside the log directory. Records also go to
// exporter, which may be nil.
func newServiceLogger(cfg config.LoggingConfig, exporter logging.LogExporter) *logging.Logger {
	level, _ := logging.ParseLevel(cfg.Level)
	return logging.New(logging.Config{
		Level:    level,
		LogDir:   cfg.Dir,
		FileName: os.Getenv("LOG_FILE"),
		Service:  "governor",
		JSON:     cfg.JSON,
		Exporter: exporter,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logCounter := telemetry.NewLogCounter()
	logger := newServiceLogger(cfg.Logging, logCounter)
	defer logger.Close()
	logger.SetDefault()
	log := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry := telemetry.NewRegistry()
	sinks := []telemetry.Sink{registry, telemetry.NewOTelSink(otel.Meter(api.ServiceName), log)}
	if cfg.Telemetry.Influx.Enabled() {
		influx := telemetry.NewInfluxSink(cfg.Telemetry.Influx, log)
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	sink := telemetry.NewMulti(sinks...)
	logCounter.Attach(sink)

	active, table, err := cfg.ActivePolicy()
	if err != nil {
		return err
	}
	hk, err := housekeeper.New(active, table, housekeeper.Options{
		Monitor:     hoststats.NewMonitor(hoststats.NewGopsutilProvider(), log),
		Sink:        sink,
		Logger:      log,
		DefaultDirs: eviction.DefaultDirs(cfg.ModelsRootAbs()),
	})
	if err != nil {
		return err
	}

	pool := admission.NewPool(cfg.Concurrency)
	limiter := ratelimit.New(cfg.RateLimit.Limiter(), log)
	metrics := observability.InitMetrics()

	server, err := api.NewServer(cfg.Server, api.Deps{
		Housekeeper:        hk,
		Pool:               pool,
		Limiter:            limiter,
		Registry:           registry,
		Sink:               sink,
		Metrics:            metrics,
		Logger:             log,
		Profile:            cfg.Server.Profile,
		Version:            version,
		HousekeeperEnabled: cfg.Housekeeper.Enabled,
	})
	if err != nil {
		return err
	}

	log.Info("governor starting",
		"version", version,
		"config", path,
		"addr", cfg.Server.Addr,
		"strategy", active.StrategyName,
		"housekeeper_enabled", cfg.Housekeeper.Enabled,
		"actions_enabled", active.ActionsEnabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled)

	if cfg.Housekeeper.Enabled {
		hk.Start()
	}
	defer hk.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		observeSnapshots(gctx, hk, metrics)
		return nil
	})

	reloader := &configReloader{hk: hk, limiter: limiter, logger: log, last: cfg}
	watcher, err := config.NewWatcher(path, reloader.apply, log)
	switch {
	case err == nil:
		g.Go(func() error { return watcher.Run(gctx) })
	case errors.Is(err, fs.ErrNotExist):
		log.Info("config directory absent; hot reload disabled", "config", path)
	default:
		log.Warn("config hot reload disabled", "error", err)
	}

	err = g.Wait()
	log.Info("governor stopped")
	return err
}

// observeSnapshots feeds published snapshots into the Prometheus metrics.
func observeSnapshots(ctx context.Context, hk *housekeeper.Housekeeper, metrics *observability.GovernorMetrics) {
	updates, unsubscribe := hk.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			metrics.ObserveSnapshot(snap)
		}
	}
}

// configReloader applies a reloaded config to the running components.
//
// # Description
//
// The strategy table and rate limits are replaced. The active strategy is
// switched only when default_strategy changed in the file, so a strategy
// chosen through the API survives unrelated edits. Toggling
// housekeeper.enabled starts or stops the loop.
//
// # Thread Safety
//
// apply runs on the watcher goroutine only.
type configReloader struct {
	hk      *housekeeper.Housekeeper
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	last    config.GovernorConfig
}

func (r *configReloader) apply(cfg config.GovernorConfig) {
	log := r.logger
	table, err := cfg.ToPolicies()
	if err != nil {
		log.Warn("reloaded strategies rejected", "error", err)
		return
	}
	if err := r.hk.UpdateStrategies(table); err != nil {
		log.Warn("reloaded strategies rejected", "error", err)
		return
	}
	if cfg.Housekeeper.DefaultStrategy != r.last.Housekeeper.DefaultStrategy {
		if err := r.hk.SwitchStrategy(cfg.Housekeeper.DefaultStrategy); err != nil {
			log.Warn("default strategy switch failed", "strategy", cfg.Housekeeper.DefaultStrategy, "error", err)
		}
	}
	if cfg.Housekeeper.ActionsEnabled != r.last.Housekeeper.ActionsEnabled {
		r.hk.SetActionsEnabled(cfg.Housekeeper.ActionsEnabled)
	}
	switch {
	case cfg.Housekeeper.Enabled && !r.hk.Running():
		r.hk.Start()
	case !cfg.Housekeeper.Enabled && r.hk.Running():
		r.hk.Stop()
	}

	r.limiter.Reconfigure(cfg.RateLimit.Limiter())
	r.last = cfg
}
