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
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGovernor/services/governor/admission"
	"github.com/AleutianAI/AleutianGovernor/services/governor/api"
	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
	"github.com/AleutianAI/AleutianGovernor/services/governor/eviction"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
	"github.com/AleutianAI/AleutianGovernor/services/governor/ratelimit"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const gb = uint64(beacon.GiB)

// newTestGovernor serves the API over a stubbed host.
func newTestGovernor(t *testing.T) (*httptest.Server, *housekeeper.Housekeeper) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ModelsRoot = t.TempDir()
	cfg.Housekeeper.IntervalS = 3600
	pol, table, err := cfg.ActivePolicy()
	require.NoError(t, err)

	stub := hoststats.NewStubProvider(
		hoststats.MemoryStats{Total: 32 * gb, Free: 16 * gb},
		hoststats.DiskStats{Total: 100 * gb, Free: 50 * gb},
	)
	hk, err := housekeeper.New(pol, table, housekeeper.Options{Monitor: hoststats.NewMonitor(stub, nil)})
	require.NoError(t, err)
	t.Cleanup(hk.Stop)

	server, err := api.NewServer(cfg.Server, api.Deps{
		Housekeeper: hk,
		Pool:        admission.NewPool(cfg.Concurrency),
		Profile:     "test",
		Version:     "v1.2.3",
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, hk
}

func TestAPIClient_Info(t *testing.T) {
	ts, hk := newTestGovernor(t)
	_, err := hk.RunOnce(context.Background())
	require.NoError(t, err)

	info, raw, err := newAPIClient(ts.URL + "/").Info(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "balanced", info.Housekeeper.Strategy)
	require.NotNil(t, info.Housekeeper.Snapshot)
	assert.True(t, json.Valid(raw))
}

func TestAPIClient_SwitchStrategy(t *testing.T) {
	ts, hk := newTestGovernor(t)
	client := newAPIClient(ts.URL)

	require.NoError(t, client.SwitchStrategy(context.Background(), "aggressive"))
	assert.Equal(t, "aggressive", hk.Policy().StrategyName)

	err := client.SwitchStrategy(context.Background(), "reckless")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestAPIClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	_, _, err := newAPIClient(url).Info(context.Background())

	assert.ErrorContains(t, err, "contacting governor")
}

func TestRenderStatus(t *testing.T) {
	tests := []struct {
		name     string
		info     api.InfoResponse
		contains []string
	}{
		{
			name: "before first tick",
			info: api.InfoResponse{
				Version: "v1", Profile: "default",
				Housekeeper: api.HousekeeperInfo{
					Enabled:  true,
					Strategy: "balanced",
					Beacons:  housekeeper.Beacons{RAM: beacon.Ok, SSD: beacon.Unknown},
				},
				HousekeeperStrategies: []string{"aggressive", "balanced"},
			},
			contains: []string{"ok", "unknown", "balanced (aggressive, balanced)", "stopped", "no snapshot yet", "dry run"},
		},
		{
			name: "with eviction",
			info: api.InfoResponse{
				Housekeeper: api.HousekeeperInfo{
					Running:        true,
					ActionsEnabled: true,
					Strategy:       "aggressive",
					Beacons:        housekeeper.Beacons{RAM: beacon.Critical, SSD: beacon.Hot},
					Snapshot: &housekeeper.Snapshot{
						Sequence:  7,
						Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
						RAM: housekeeper.RAMSnapshot{
							MemoryStats: hoststats.MemoryStats{Total: 32 * gb, Free: 4 * gb},
							FreeReserve: 8 * gb,
							Headroom:    -4 * int64(gb),
						},
						SSD: housekeeper.SSDSnapshot{
							DiskStats: hoststats.DiskStats{Path: "/models", Total: 100 * gb, Free: 5 * gb, Pressure: 0.95},
						},
						Eviction: housekeeper.EvictionSnapshot{
							Result:      eviction.Result{PlannedFiles: 1, PlannedBytes: 2 * gb},
							TargetBytes: 2 * gb,
							Candidates:  []string{"/models/cache/old.bin"},
						},
					},
				},
				Admission: []admission.RoleStats{{Role: "chat", Limit: 1, InUse: 1, Waiting: 2}},
			},
			contains: []string{
				"critical", "hot", "running", "enabled", "#7 at 03:04:05",
				"headroom -4.0 GB", "95% used", "removed 1 files", "/models/cache/old.bin",
				"1/1 in use, 2 waiting",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderStatus(&buf, &tt.info)
			for _, want := range tt.contains {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestPrintBeacon(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printBeacon(&buf, "ram", "warn", false))
	assert.Equal(t, "warn\n", buf.String())

	buf.Reset()
	require.NoError(t, printBeacon(&buf, "ssd", "hot", true))
	assert.JSONEq(t, `{"resource":"ssd","beacon":"hot"}`, buf.String())
}

func TestConfigReloader_Apply(t *testing.T) {
	_, hk := newTestGovernor(t)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), nil)
	base := config.DefaultConfig()
	base.ModelsRoot = t.TempDir()
	base.Housekeeper.Enabled = false
	r := &configReloader{hk: hk, limiter: limiter, logger: cliLogger().Slog(), last: base}

	// An API switch survives a reload that leaves default_strategy alone.
	require.NoError(t, hk.SwitchStrategy("conservative"))
	next := base
	next.RateLimit.RPS = 5
	next.RateLimit.Burst = 7
	r.apply(next)
	assert.Equal(t, "conservative", hk.Policy().StrategyName)
	assert.Equal(t, 5.0, limiter.Config().RequestsPerSecond)
	assert.Equal(t, 7, limiter.Config().Burst)

	// Changing default_strategy in the file switches.
	next.Housekeeper.DefaultStrategy = "aggressive"
	next.Housekeeper.ActionsEnabled = true
	r.apply(next)
	assert.Equal(t, "aggressive", hk.Policy().StrategyName)
	assert.True(t, hk.Policy().ActionsEnabled)

	// Enabling the loop starts it; disabling stops it.
	next.Housekeeper.Enabled = true
	r.apply(next)
	assert.True(t, hk.Running())
	next.Housekeeper.Enabled = false
	r.apply(next)
	assert.False(t, hk.Running())
}

func TestNewServiceLogger_CountsWarnings(t *testing.T) {
	t.Setenv("LOG_FILE", "")
	counter := telemetry.NewLogCounter()
	registry := telemetry.NewRegistry()
	counter.Attach(registry)

	logger := newServiceLogger(config.LoggingConfig{Level: "error"}, counter)
	logger.Warn("below the level")
	logger.Error("config hot reload disabled")
	require.NoError(t, logger.Close())

	assert.Zero(t, registry.Counter("log_records_total:warn"))
	assert.Equal(t, int64(1), registry.Counter("log_records_total:error"))
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "governor.yaml")
	var out bytes.Buffer
	configInitCmd.SetOut(&out)

	require.NoError(t, runConfigInit(configInitCmd, []string{path}))
	assert.Contains(t, out.String(), path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = runConfigInit(configInitCmd, []string{path})
	assert.ErrorContains(t, err, "already exists")
}

func TestRootCommand_Wiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "strategy", "plan", "beacon", "config"} {
		assert.True(t, names[want], "missing command %q", want)
	}
	assert.Error(t, beaconCmd.Args(beaconCmd, []string{"gpu"}))
	assert.NoError(t, beaconCmd.Args(beaconCmd, []string{"ssd"}))
}
