// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements per-client token buckets.
//
// # Description
//
// Every client key gets a bucket holding up to Burst tokens that refills at
// RequestsPerSecond. A request takes one token; with less than one token
// available it is denied and the bucket keeps its refilled balance. New
// buckets start full.
//
// Buckets live in a fixed number of shards, each behind its own mutex, so
// requests from unrelated clients rarely contend. Idle buckets are dropped
// after ClientTTL and each shard holds a bounded number of buckets.
package ratelimit

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	shardCount = 16

	defaultMaxClients      = 10000
	defaultClientTTL       = 10 * time.Minute
	defaultCleanupInterval = time.Minute
)

// Config controls a Limiter.
//
// # Fields
//
//   - Enabled: false allows every request.
//   - RequestsPerSecond: refill rate. <= 0 allows every request.
//   - Burst: bucket capacity. Values below 1 are raised to 1.
//   - MaxClients: upper bound on retained buckets across all shards.
//   - ClientTTL: buckets unseen for this long are dropped.
//   - CleanupInterval: how often each shard sweeps idle buckets.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	MaxClients        int
	ClientTTL         time.Duration
	CleanupInterval   time.Duration
}

// DefaultConfig matches the gateway defaults: 20 rps with bursts of 40.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RequestsPerSecond: 20,
		Burst:             40,
		MaxClients:        defaultMaxClients,
		ClientTTL:         defaultClientTTL,
		CleanupInterval:   defaultCleanupInterval,
	}
}

func (c Config) normalized() Config {
	if c.Burst < 1 {
		c.Burst = 1
	}
	if c.MaxClients <= 0 {
		c.MaxClients = defaultMaxClients
	}
	if c.ClientTTL <= 0 {
		c.ClientTTL = defaultClientTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// active reports whether requests are actually limited.
func (c Config) active() bool {
	return c.Enabled && c.RequestsPerSecond > 0
}

// =============================================================================
// Limiter
// =============================================================================

// Limiter is a sharded set of token buckets keyed by client.
//
// # Thread Safety
//
// Safe for concurrent use. Calls for the same key serialize on that key's
// shard; calls for keys in different shards do not contend.
type Limiter struct {
	cfg    atomic.Pointer[versionedConfig]
	shards [shardCount]*shard
	logger *slog.Logger
}

type versionedConfig struct {
	Config
	version uint64
}

type shard struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
	version  uint64
}

// New creates a Limiter. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{logger: logger}
	l.cfg.Store(&versionedConfig{Config: cfg.normalized(), version: 1})
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Config returns the active configuration.
func (l *Limiter) Config() Config {
	return l.cfg.Load().Config
}

// Reconfigure swaps the configuration. Existing buckets adopt the new rate
// and burst on their next request and keep their current balance.
func (l *Limiter) Reconfigure(cfg Config) {
	for {
		old := l.cfg.Load()
		next := &versionedConfig{Config: cfg.normalized(), version: old.version + 1}
		if l.cfg.CompareAndSwap(old, next) {
			return
		}
	}
}

// Allow reports whether key may make a request at now, taking a token if so.
//
// # Inputs
//
//   - key: client identity, usually the remote IP. Empty keys share the
//     bucket "unknown".
//   - now: the request time. Passing the time explicitly keeps tests
//     deterministic.
//
// # Outputs
//
//   - bool: true when the request is within budget or limiting is off.
func (l *Limiter) Allow(key string, now time.Time) bool {
	cfg := l.cfg.Load()
	if !cfg.active() {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	s := l.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	l.cleanupLocked(s, cfg, now)

	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= perShardMax(cfg.MaxClients) {
			l.evictOldestLocked(s)
		}
		b = &bucket{
			lim:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			version: cfg.version,
		}
		s.buckets[key] = b
	} else if b.version != cfg.version {
		b.lim.SetLimitAt(now, rate.Limit(cfg.RequestsPerSecond))
		b.lim.SetBurstAt(now, cfg.Burst)
		b.version = cfg.version
	}

	if now.After(b.lastSeen) {
		b.lastSeen = now
	}
	return b.lim.AllowN(now, 1)
}

// Len returns the number of retained buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) cleanupLocked(s *shard, cfg *versionedConfig, now time.Time) {
	if now.Sub(s.lastCleanup) < cfg.CleanupInterval {
		return
	}
	s.lastCleanup = now
	cutoff := now.Add(-cfg.ClientTTL)
	for key, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
}

func (l *Limiter) evictOldestLocked(s *shard) {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for key, b := range s.buckets {
		if first || b.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = b.lastSeen
			first = false
		}
	}
	if !first {
		l.logger.Debug("rate limiter shard full, evicting oldest bucket", "key", oldestKey)
		delete(s.buckets, oldestKey)
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func perShardMax(maxClients int) int {
	n := (maxClients + shardCount - 1) / shardCount
	if n < 1 {
		return 1
	}
	return n
}
