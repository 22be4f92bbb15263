// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package housekeeper runs the periodic resource governance loop.
//
// Each tick samples host memory and the models filesystem, classifies both
// into beacons, plans oldest-first eviction when the filesystem is above its
// soft watermark, optionally executes the plan, and publishes the result as
// an immutable Snapshot.
package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/eviction"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

// DefaultStopTimeout bounds how long Stop waits for the worker.
const DefaultStopTimeout = 2 * time.Second

// ErrTickPanicked wraps a panic recovered from a tick.
var ErrTickPanicked = errors.New("housekeeper tick panicked")

// ErrTickAbandoned is returned when a tick's context ended before its
// snapshot could be published. A tick that already removed files always
// publishes.
var ErrTickAbandoned = errors.New("housekeeper tick abandoned")

const gib = float64(beacon.GiB)

// Options wires a Housekeeper to its collaborators. Nil fields get
// defaults: a gopsutil monitor, fresh planner and executor, a Nop sink and
// slog.Default().
type Options struct {
	Monitor     *hoststats.Monitor
	Planner     *eviction.Planner
	Executor    *eviction.Executor
	Sink        telemetry.Sink
	Logger      *slog.Logger
	StopTimeout time.Duration

	// DefaultDirs are scanned after a policy's EvictDirs.
	DefaultDirs []string

	Now func() time.Time
}

// Housekeeper is the governance loop.
//
// # Description
//
// The loop moves between stopped and running. While running, one worker
// goroutine ticks every Policy.Interval, starting immediately. Policy
// changes apply on the next tick; an interval change replaces the worker.
// At most one tick runs at a time, whether from the worker or RunOnce, so
// the snapshot slot has a single writer.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Housekeeper struct {
	monitor     *hoststats.Monitor
	planner     *eviction.Planner
	executor    *eviction.Executor
	sink        telemetry.Sink
	logger      *slog.Logger
	stopTimeout time.Duration
	defaultDirs []string
	now         func() time.Time

	policy   atomic.Pointer[Policy]
	snapshot atomic.Pointer[Snapshot]
	seq      atomic.Uint64

	strategiesMu sync.RWMutex
	strategies   Strategies

	// lifeMu serializes Start, Stop and worker replacement.
	lifeMu sync.Mutex
	worker *worker

	tickMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan *Snapshot]struct{}
}

type worker struct {
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// New creates a stopped Housekeeper.
//
// # Inputs
//
//   - initial: the active policy. Must validate.
//   - strategies: named policies for SwitchStrategy. When initial's
//     strategy is not in the table it is added.
//   - opts: collaborators.
//
// # Outputs
//
//   - *Housekeeper: ready to Start.
//   - error: ErrInvalidPolicy wrapped with the reason.
func New(initial Policy, strategies Strategies, opts Options) (*Housekeeper, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "housekeeper")
	if opts.Monitor == nil {
		opts.Monitor = hoststats.NewMonitor(hoststats.NewGopsutilProvider(), logger)
	}
	if opts.Planner == nil {
		opts.Planner = eviction.NewPlanner(logger)
	}
	if opts.Executor == nil {
		opts.Executor = eviction.NewExecutor(logger)
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	table := strategies.clone()
	if _, ok := table[initial.StrategyName]; !ok {
		table[initial.StrategyName] = initial.Clone()
	}

	h := &Housekeeper{
		monitor:     opts.Monitor,
		planner:     opts.Planner,
		executor:    opts.Executor,
		sink:        opts.Sink,
		logger:      logger,
		stopTimeout: opts.StopTimeout,
		defaultDirs: append([]string(nil), opts.DefaultDirs...),
		now:         opts.Now,
		strategies:  table,
		subs:        make(map[chan *Snapshot]struct{}),
	}
	p := initial.Clone()
	h.policy.Store(&p)
	return h, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the worker. Calling Start on a running loop does nothing.
func (h *Housekeeper) Start() {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.worker != nil {
		return
	}
	h.startLocked(h.policy.Load().Interval)
}

// Stop cancels the worker and waits up to the stop timeout for it to exit.
// Stopping a stopped loop does nothing.
func (h *Housekeeper) Stop() {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	h.stopLocked()
}

// Running reports whether the worker is active.
func (h *Housekeeper) Running() bool {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	return h.worker != nil
}

func (h *Housekeeper) startLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{}), interval: interval}
	h.worker = w
	h.logger.Info("housekeeper started",
		"strategy", h.policy.Load().StrategyName,
		"interval", interval)
	go h.run(ctx, w)
}

func (h *Housekeeper) stopLocked() {
	w := h.worker
	if w == nil {
		return
	}
	h.worker = nil
	w.cancel()

	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		h.logger.Info("housekeeper stopped")
	case <-timer.C:
		// tickMu keeps a late tick from overlapping the next instance.
		h.logger.Warn("housekeeper worker did not stop in time", "timeout", h.stopTimeout)
	}
}

func (h *Housekeeper) run(ctx context.Context, w *worker) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	h.executeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.executeTick(ctx)
		}
	}
}

func (h *Housekeeper) executeTick(ctx context.Context) {
	if _, err := h.tick(ctx); err != nil {
		if errors.Is(err, ErrTickAbandoned) {
			h.logger.Debug("housekeeper tick abandoned")
			return
		}
		h.logger.Error("housekeeper tick failed", "error", err)
		h.sink.Increment("housekeeper_tick_failures_total", 1)
	}
}

// RunOnce runs a single tick on the caller's goroutine and returns the
// published snapshot. It waits for any tick already in progress.
func (h *Housekeeper) RunOnce(ctx context.Context) (*Snapshot, error) {
	return h.tick(ctx)
}

// =============================================================================
// Tick
// =============================================================================

func (h *Housekeeper) tick(ctx context.Context) (snap *Snapshot, err error) {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("housekeeper tick panic recovered",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			snap, err = nil, fmt.Errorf("%w: %v", ErrTickPanicked, r)
		}
	}()

	start := time.Now()
	pol := h.policy.Load()

	mem := h.monitor.SampleMemory(ctx)
	disk := h.monitor.SampleDisk(ctx, pol.SSD.Path)
	rss := h.monitor.SampleProcessRSS(ctx)
	ram, ssd := assess(pol, mem, disk, rss)

	var target uint64
	var plan eviction.Plan
	if !disk.Degraded() {
		target = eviction.ComputeTarget(disk, pol.SSD.SoftPct, pol.SSD.MaxEvictPerTickBytes)
	}
	if target > 0 {
		dirs := eviction.ResolveDirs(pol.SSD.EvictDirs, h.defaultDirs)
		plan = h.planner.Plan(ctx, dirs, target)
	}
	result := h.executor.Execute(ctx, plan, pol.ActionsEnabled)
	if result.Err != nil {
		h.logger.Warn("eviction incomplete", "failed_files", result.FailedFiles, "error", result.Err)
	}

	if ctx.Err() != nil && result.RemovedFiles == 0 {
		return nil, fmt.Errorf("%w: %v", ErrTickAbandoned, ctx.Err())
	}

	snap = &Snapshot{
		Sequence:  h.seq.Add(1),
		Timestamp: h.now(),
		Strategy:  pol.StrategyName,
		RAM:       ram,
		SSD:       ssd,
		Eviction: EvictionSnapshot{
			Result:      result,
			TargetBytes: target,
			Candidates:  plan.Paths(),
		},
	}
	h.snapshot.Store(snap)
	h.broadcast(snap)

	h.record(snap, time.Since(start))
	h.logTick(snap)
	return snap, nil
}

// assess derives the RAM and SSD blocks of a snapshot from raw samples.
// Degraded samples yield Unknown beacons.
func assess(pol *Policy, mem hoststats.MemoryStats, disk hoststats.DiskStats, rss uint64) (RAMSnapshot, SSDSnapshot) {
	th := pol.thresholds()

	ram := RAMSnapshot{MemoryStats: mem, ProcessRSS: rss, Beacon: beacon.Unknown}
	if !mem.Degraded() {
		ram.FreeReserve = pol.FreeReserve.Bytes(mem.Total)
		ram.Headroom = int64(mem.Free) - int64(ram.FreeReserve)
		ram.Beacon = th.RAM(ram.Headroom)
		if mem.Used > rss {
			ram.OSAppsRSS = mem.Used - rss
		}
	}

	ssd := SSDSnapshot{DiskStats: disk, Beacon: beacon.Unknown}
	if !disk.Degraded() {
		ssd.Beacon = th.SSD(disk.Pressure, disk.Free, pol.SSD.SoftPct, pol.SSD.HardPct)
	}
	return ram, ssd
}

func (h *Housekeeper) record(s *Snapshot, elapsed time.Duration) {
	h.sink.Observe("ram_free_gb", float64(s.RAM.Free)/gib)
	h.sink.Observe("ram_total_gb", float64(s.RAM.Total)/gib)
	h.sink.Observe("ram_used_gb", float64(s.RAM.Used)/gib)
	h.sink.Observe("ram_pressure", s.RAM.Pressure)
	h.sink.Observe("llm_rss_gb", float64(s.RAM.ProcessRSS)/gib)
	h.sink.Observe("os_apps_rss_gb", float64(s.RAM.OSAppsRSS)/gib)
	h.sink.Observe("ram_free_reserve_gb", float64(s.RAM.FreeReserve)/gib)
	h.sink.Observe("ram_headroom_gb", float64(s.RAM.Headroom)/gib)
	h.sink.Observe("ssd_free_gb", float64(s.SSD.Free)/gib)
	h.sink.Observe("ssd_pressure", s.SSD.Pressure)
	h.sink.Increment("housekeeper_ticks_total", 1)
	h.sink.ObserveDuration("housekeeper_tick", elapsed)

	ev := s.Eviction
	if ev.PlannedFiles > 0 {
		h.sink.Observe("last_evict_planned_bytes", float64(ev.PlannedBytes))
	}
	if ev.RemovedFiles > 0 {
		h.sink.Increment("cache_evictions_total", int64(ev.RemovedFiles))
		h.sink.Observe("last_evict_bytes", float64(ev.DoneBytes))
		h.sink.Increment("housekeeper_bytes_freed_total", int64(ev.DoneBytes))
	}
}

func (h *Housekeeper) logTick(s *Snapshot) {
	attrs := []any{
		"strategy", s.Strategy,
		"ram_beacon", s.RAM.Beacon.String(),
		"ssd_beacon", s.SSD.Beacon.String(),
		"ram_headroom_gb", float64(s.RAM.Headroom) / gib,
		"ssd_pressure", s.SSD.Pressure,
		"evict_planned_bytes", s.Eviction.PlannedBytes,
		"evict_done_bytes", s.Eviction.DoneBytes,
		"dry_run", s.Eviction.DryRun,
	}
	if s.Eviction.RemovedFiles > 0 {
		h.logger.Info("housekeeper tick", attrs...)
		return
	}
	h.logger.Debug("housekeeper tick", attrs...)
}

// =============================================================================
// Snapshot access
// =============================================================================

// Snapshot returns the last published snapshot, or false before the first
// successful tick.
func (h *Housekeeper) Snapshot() (*Snapshot, bool) {
	s := h.snapshot.Load()
	return s, s != nil
}

// Beacons returns the signals of the last snapshot. Before the first tick
// it samples the host on demand without publishing anything.
func (h *Housekeeper) Beacons(ctx context.Context) Beacons {
	if s, ok := h.Snapshot(); ok {
		return s.Beacons()
	}
	pol := h.policy.Load()
	ram, ssd := assess(pol,
		h.monitor.SampleMemory(ctx),
		h.monitor.SampleDisk(ctx, pol.SSD.Path),
		0)
	return Beacons{RAM: ram.Beacon, SSD: ssd.Beacon}
}

// Subscribe returns a channel receiving every snapshot published from now
// on, and a function that ends the subscription. The channel holds only
// the newest snapshot; a slow reader skips intermediate ones.
func (h *Housekeeper) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	h.subsMu.Lock()
	h.subs[ch] = struct{}{}
	h.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subsMu.Lock()
			delete(h.subs, ch)
			h.subsMu.Unlock()
		})
	}
}

func (h *Housekeeper) broadcast(s *Snapshot) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// =============================================================================
// Policy management
// =============================================================================

// Policy returns a copy of the active policy.
func (h *Housekeeper) Policy() Policy {
	return h.policy.Load().Clone()
}

// Strategies returns a copy of the strategy table.
func (h *Housekeeper) Strategies() Strategies {
	h.strategiesMu.RLock()
	defer h.strategiesMu.RUnlock()
	return h.strategies.clone()
}

// SetPolicy replaces the active policy.
//
// # Description
//
// The policy's StrategyName must be registered; otherwise
// ErrUnknownStrategy is returned and the active policy is kept. Threshold
// and flag changes apply on the next tick. When the interval changes and
// the loop is running, the worker is replaced.
func (h *Housekeeper) SetPolicy(p Policy) error {
	h.strategiesMu.RLock()
	_, known := h.strategies[p.StrategyName]
	h.strategiesMu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, p.StrategyName)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	h.apply(p.Clone(), false)
	return nil
}

// SwitchStrategy activates a registered strategy. The current
// ActionsEnabled flag is carried over.
func (h *Housekeeper) SwitchStrategy(name string) error {
	h.strategiesMu.RLock()
	p, err := h.strategies.Lookup(name)
	h.strategiesMu.RUnlock()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	h.apply(p, true)
	h.logger.Info("housekeeper strategy switched", "strategy", name)
	return nil
}

// SetActionsEnabled toggles deletion for subsequent ticks.
func (h *Housekeeper) SetActionsEnabled(enabled bool) {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	p := h.policy.Load().Clone()
	p.ActionsEnabled = enabled
	h.policy.Store(&p)
	h.logger.Info("housekeeper actions toggled", "enabled", enabled)
}

// UpdateStrategies replaces the strategy table. If the active strategy is
// still present its new definition is applied, keeping ActionsEnabled.
// An active strategy missing from the new table stays in effect and is
// kept in the table.
func (h *Housekeeper) UpdateStrategies(strategies Strategies) error {
	table := strategies.clone()
	for name, p := range table {
		p.StrategyName = name
		if err := p.Validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", name, err)
		}
		table[name] = p
	}

	current := h.policy.Load()
	next, ok := table[current.StrategyName]
	if !ok {
		table[current.StrategyName] = current.Clone()
	}

	h.strategiesMu.Lock()
	h.strategies = table
	h.strategiesMu.Unlock()

	if ok {
		next = next.Clone()
		h.apply(next, true)
	}
	return nil
}

// apply stores p as the active policy. With keepActions the current
// ActionsEnabled flag is carried over under lifeMu, so a concurrent
// SetActionsEnabled is never lost.
func (h *Housekeeper) apply(p Policy, keepActions bool) {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()

	old := h.policy.Load()
	if keepActions {
		p.ActionsEnabled = old.ActionsEnabled
	}
	h.policy.Store(&p)
	if h.worker != nil && h.worker.interval != p.Interval {
		h.logger.Info("housekeeper interval changed",
			"from", old.Interval, "to", p.Interval)
		h.stopLocked()
		h.startLocked(p.Interval)
	}
}
