// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGovernor/pkg/validation"
	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
	"github.com/AleutianAI/AleutianGovernor/services/governor/ratelimit"
)

// ErrInvalidConfig is returned when a loaded file fails validation.
var ErrInvalidConfig = errors.New("invalid governor config")

// DefaultPath is where Load looks when no path is given and
// GOVERNOR_CONFIG is unset.
const DefaultPath = "configs/governor.yaml"

var validate = validator.New()

// ResolvePath returns path, or GOVERNOR_CONFIG, or DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("GOVERNOR_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, defaults, overrides and validates the config at path.
//
// # Description
//
// A missing file is not an error: DefaultConfig is used. When the file
// declares strategies or concurrency limits they replace the built-in
// tables rather than merging with them. Strategy fields left at zero take
// the "balanced" values. Environment overrides are applied last.
//
// # Inputs
//
//   - path: YAML file. Empty means ResolvePath("").
//
// # Outputs
//
//   - GovernorConfig: ready to use.
//   - error: read, parse, or ErrInvalidConfig failures.
func Load(path string) (GovernorConfig, error) {
	path = ResolvePath(path)
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return GovernorConfig{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	default:
		if cfg, err = Parse(data); err != nil {
			return GovernorConfig{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	ApplyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return GovernorConfig{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig without applying the
// environment or validating.
func Parse(data []byte) (GovernorConfig, error) {
	cfg := DefaultConfig()
	cfg.Housekeeper.Strategies = nil
	cfg.Concurrency = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return GovernorConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if len(cfg.Housekeeper.Strategies) == 0 {
		cfg.Housekeeper.Strategies = DefaultStrategies()
	}
	if cfg.Concurrency == nil {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	for name, s := range cfg.Housekeeper.Strategies {
		cfg.Housekeeper.Strategies[name] = s.withDefaults()
	}
	return cfg, nil
}

func (s StrategyConfig) withDefaults() StrategyConfig {
	def := DefaultStrategies()[housekeeper.DefaultStrategy]
	if s.IntervalS == 0 {
		s.IntervalS = def.IntervalS
	}
	if s.RAM == (WatermarkConfig{}) {
		s.RAM = def.RAM
	}
	if s.SSD.WatermarkConfig == (WatermarkConfig{}) {
		s.SSD.WatermarkConfig = def.SSD.WatermarkConfig
	}
	if s.SSD.MaxEvictPerTickGB == 0 {
		s.SSD.MaxEvictPerTickGB = def.SSD.MaxEvictPerTickGB
	}
	if s.FreeReserve == (FreeReserveConfig{}) {
		s.FreeReserve = def.FreeReserve
	}
	return s
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg GovernorConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateNames(cfg.Housekeeper.Strategies); err != nil {
		return fmt.Errorf("%w: housekeeper.strategies: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateNames(cfg.Concurrency); err != nil {
		return fmt.Errorf("%w: concurrency: %v", ErrInvalidConfig, err)
	}
	if _, ok := cfg.Housekeeper.Strategies[cfg.Housekeeper.DefaultStrategy]; !ok {
		return fmt.Errorf("%w: default strategy %q is not defined", ErrInvalidConfig, cfg.Housekeeper.DefaultStrategy)
	}
	return nil
}

// =============================================================================
// Environment
// =============================================================================

// ApplyEnv overrides cfg from the process environment.
//
// # Description
//
//   - HOUSEKEEPER_STRATEGY: active strategy.
//   - HOUSEKEEPER_ENABLED: "0", "false" or "off" disables the loop.
//   - HOUSEKEEPER_INTERVAL_S: tick period for every strategy.
//   - RATE_LIMIT_ENABLED: anything but "1", "true" or "on" disables limiting.
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST: bucket rate and capacity.
//   - GOVERNOR_ADDR: listen address. PORT_LLM_SERVER replaces only the port.
//   - GOVERNOR_UPSTREAM: inference backend URL.
//   - MODELS_ROOT: models directory.
//   - LOG_LEVEL, LOG_DIR: logging.
//
// Unparsable numbers are ignored.
func ApplyEnv(cfg *GovernorConfig) {
	if v, ok := os.LookupEnv("HOUSEKEEPER_STRATEGY"); ok && v != "" {
		cfg.Housekeeper.DefaultStrategy = v
	}
	if v, ok := os.LookupEnv("HOUSEKEEPER_ENABLED"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "off":
			cfg.Housekeeper.Enabled = false
		case "1", "true", "on":
			cfg.Housekeeper.Enabled = true
		}
	}
	if v, ok := envFloat("HOUSEKEEPER_INTERVAL_S"); ok && v > 0 {
		cfg.Housekeeper.IntervalS = v
	}

	if v, ok := os.LookupEnv("RATE_LIMIT_ENABLED"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "on":
			cfg.RateLimit.Enabled = true
		default:
			cfg.RateLimit.Enabled = false
		}
	}
	if v, ok := envFloat("RATE_LIMIT_RPS"); ok {
		cfg.RateLimit.RPS = math.Max(0, v)
	}
	if v, ok := os.LookupEnv("RATE_LIMIT_BURST"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RateLimit.Burst = max(1, n)
		}
	}

	if v, ok := os.LookupEnv("GOVERNOR_ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := os.LookupEnv("GOVERNOR_UPSTREAM"); ok {
		cfg.Server.Upstream = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("PORT_LLM_SERVER"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && port > 0 {
			host, _, err := net.SplitHostPort(cfg.Server.Addr)
			if err != nil {
				host = ""
			}
			cfg.Server.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		}
	}
	if v, ok := os.LookupEnv("MODELS_ROOT"); ok && v != "" {
		cfg.ModelsRoot = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("LOG_DIR"); ok && v != "" {
		cfg.Logging.Dir = v
	}
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// =============================================================================
// Conversions
// =============================================================================

// ToPolicies converts the strategy table into housekeeper policies.
//
// # Description
//
// GB values become bytes (GiB). The SSD path defaults to ModelsRoot and
// is made absolute. The interval comes from Housekeeper.IntervalS when set,
// otherwise from the strategy, and is raised to MinInterval. Every policy
// carries Housekeeper.ActionsEnabled.
func (c GovernorConfig) ToPolicies() (housekeeper.Strategies, error) {
	out := make(housekeeper.Strategies, len(c.Housekeeper.Strategies))
	for name, s := range c.Housekeeper.Strategies {
		intervalS := s.IntervalS
		if c.Housekeeper.IntervalS > 0 {
			intervalS = c.Housekeeper.IntervalS
		}
		interval := time.Duration(intervalS * float64(time.Second))
		if interval < MinInterval {
			interval = MinInterval
		}

		path := s.SSD.Path
		if path == "" {
			path = c.ModelsRoot
		}
		if path == "" {
			path = "."
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: resolving ssd path: %w", name, err)
		}

		p := housekeeper.Policy{
			StrategyName: name,
			Interval:     interval,
			RAM:          housekeeper.RAMPolicy{SoftPct: s.RAM.SoftPct, HardPct: s.RAM.HardPct},
			SSD: housekeeper.SSDPolicy{
				Path:                 abs,
				SoftPct:              s.SSD.SoftPct,
				HardPct:              s.SSD.HardPct,
				MaxEvictPerTickBytes: gbToBytes(s.SSD.MaxEvictPerTickGB),
				EvictDirs:            append([]string(nil), s.SSD.EvictDirs...),
			},
			ActionsEnabled: c.Housekeeper.ActionsEnabled,
			FreeReserve: housekeeper.FreeReserve{
				MinBytes: gbToBytes(s.FreeReserve.MinGB),
				Pct:      s.FreeReserve.Pct,
			},
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// ActivePolicy returns the policy for Housekeeper.DefaultStrategy together
// with the full table.
func (c GovernorConfig) ActivePolicy() (housekeeper.Policy, housekeeper.Strategies, error) {
	table, err := c.ToPolicies()
	if err != nil {
		return housekeeper.Policy{}, nil, err
	}
	p, err := table.Lookup(c.Housekeeper.DefaultStrategy)
	if err != nil {
		return housekeeper.Policy{}, nil, err
	}
	return p, table, nil
}

// Limiter converts the rate limit section.
func (r RateLimitConfig) Limiter() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = r.Enabled
	cfg.RequestsPerSecond = r.RPS
	cfg.Burst = r.Burst
	if r.MaxClients > 0 {
		cfg.MaxClients = r.MaxClients
	}
	if r.ClientTTL > 0 {
		cfg.ClientTTL = r.ClientTTL
	}
	return cfg
}

// ModelsRootAbs returns ModelsRoot as an absolute path, or "" when unset.
func (c GovernorConfig) ModelsRootAbs() string {
	if c.ModelsRoot == "" {
		return ""
	}
	abs, err := filepath.Abs(c.ModelsRoot)
	if err != nil {
		return c.ModelsRoot
	}
	return abs
}

func gbToBytes(gb float64) uint64 {
	if gb <= 0 || math.IsNaN(gb) {
		return 0
	}
	return uint64(gb * float64(beacon.GiB))
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
