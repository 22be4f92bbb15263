// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads governor.yaml.
//
// The file mirrors the housekeeper.yaml and limits.yaml layout used by the
// local LLM server: strategies are written in GB and fractions, and are
// converted to byte-based housekeeper policies by ToPolicies.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

// MinInterval is the shortest tick period accepted from configuration.
const MinInterval = time.Second

// GovernorConfig is the root of governor.yaml.
type GovernorConfig struct {
	// Server: HTTP listener
	Server ServerConfig `yaml:"server" json:"server"`

	// ModelsRoot: directory holding model weights; its cache folders are
	// default eviction targets
	ModelsRoot string `yaml:"models_root" json:"models_root"`

	// Housekeeper: strategy table and loop switches
	Housekeeper HousekeeperConfig `yaml:"housekeeper" json:"housekeeper"`

	// RateLimit: per-client token bucket
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Concurrency: admission limits per role, 0 means unbounded
	Concurrency map[string]uint `yaml:"concurrency" json:"concurrency"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	Profile         string        `yaml:"profile" json:"profile"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	// Upstream is the inference backend proxied under /v1 behind the
	// admission gates. Empty disables the proxy routes.
	Upstream string `yaml:"upstream" json:"upstream" validate:"omitempty,url"`
}

type HousekeeperConfig struct {
	// Enabled runs the background loop. When false the API still serves
	// on-demand beacons.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DefaultStrategy is activated at startup.
	DefaultStrategy string `yaml:"default_strategy" json:"default_strategy" validate:"required"`

	// IntervalS overrides every strategy's interval when positive.
	IntervalS float64 `yaml:"interval_s,omitempty" json:"interval_s,omitempty" validate:"gte=0"`

	ActionsEnabled bool `yaml:"actions_enabled" json:"actions_enabled"`

	Strategies map[string]StrategyConfig `yaml:"strategies" json:"strategies" validate:"dive"`
}

type StrategyConfig struct {
	IntervalS   float64           `yaml:"interval_s" json:"interval_s" validate:"gte=0"`
	RAM         WatermarkConfig   `yaml:"ram" json:"ram"`
	SSD         SSDConfig         `yaml:"ssd" json:"ssd"`
	FreeReserve FreeReserveConfig `yaml:"free_reserve" json:"free_reserve"`
}

type WatermarkConfig struct {
	SoftPct float64 `yaml:"soft_pct" json:"soft_pct" validate:"gte=0,lte=1"`
	HardPct float64 `yaml:"hard_pct" json:"hard_pct" validate:"gte=0,lte=1,gtefield=SoftPct"`
}

type SSDConfig struct {
	WatermarkConfig `yaml:",inline"`

	// Path defaults to ModelsRoot.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	MaxEvictPerTickGB float64  `yaml:"max_evict_per_tick_gb" json:"max_evict_per_tick_gb" validate:"gte=0"`
	EvictDirs         []string `yaml:"evict_dirs,omitempty" json:"evict_dirs,omitempty"`
}

type FreeReserveConfig struct {
	MinGB float64 `yaml:"min_gb" json:"min_gb" validate:"gte=0"`
	Pct   float64 `yaml:"pct" json:"pct" validate:"gte=0,lte=1"`
}

type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	RPS        float64       `yaml:"rps" json:"rps" validate:"gte=0"`
	Burst      int           `yaml:"burst" json:"burst" validate:"gte=0"`
	MaxClients int           `yaml:"max_clients" json:"max_clients" validate:"gte=0"`
	ClientTTL  time.Duration `yaml:"client_ttl" json:"client_ttl" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  *bool  `yaml:"json,omitempty" json:"json,omitempty"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// DefaultStrategies returns the three stock strategies.
func DefaultStrategies() map[string]StrategyConfig {
	return map[string]StrategyConfig{
		"balanced": {
			IntervalS:   10,
			RAM:         WatermarkConfig{SoftPct: 0.75, HardPct: 0.85},
			SSD:         SSDConfig{WatermarkConfig: WatermarkConfig{SoftPct: 0.75, HardPct: 0.85}, MaxEvictPerTickGB: 1},
			FreeReserve: FreeReserveConfig{MinGB: 8, Pct: 0.10},
		},
		"conservative": {
			IntervalS:   30,
			RAM:         WatermarkConfig{SoftPct: 0.80, HardPct: 0.90},
			SSD:         SSDConfig{WatermarkConfig: WatermarkConfig{SoftPct: 0.85, HardPct: 0.92}, MaxEvictPerTickGB: 0.5},
			FreeReserve: FreeReserveConfig{MinGB: 8, Pct: 0.10},
		},
		"aggressive": {
			IntervalS:   5,
			RAM:         WatermarkConfig{SoftPct: 0.65, HardPct: 0.80},
			SSD:         SSDConfig{WatermarkConfig: WatermarkConfig{SoftPct: 0.65, HardPct: 0.80}, MaxEvictPerTickGB: 4},
			FreeReserve: FreeReserveConfig{MinGB: 12, Pct: 0.15},
		},
	}
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() GovernorConfig {
	return GovernorConfig{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8081",
			Profile:         "default",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		ModelsRoot: "../models",
		Housekeeper: HousekeeperConfig{
			Enabled:         true,
			DefaultStrategy: housekeeper.DefaultStrategy,
			Strategies:      DefaultStrategies(),
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			RPS:        20,
			Burst:      40,
			MaxClients: 10000,
			ClientTTL:  10 * time.Minute,
		},
		Concurrency: map[string]uint{
			"chat":       1,
			"embeddings": 2,
			"vision":     1,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}
