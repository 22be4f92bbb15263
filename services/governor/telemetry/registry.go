// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultDurationWindow is the number of samples kept per duration.
const DefaultDurationWindow = 512

// Registry is an in-process metrics store.
//
// # Description
//
// Counters accumulate, gauges keep their last value and durations keep a
// sliding window of recent samples in milliseconds. Snapshot flattens all
// three into one document:
//
//	{"requests_total": 12, "timing_ram_pressure": 0.41,
//	 "http_request_p50_ms": 3.2, ..., "ts": 1735689600.5}
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	window    int
	counters  map[string]int64
	gauges    map[string]float64
	durations map[string][]float64
	now       func() time.Time
}

// NewRegistry creates a registry with the default window. The standard
// request counters start at zero so they always appear in snapshots.
func NewRegistry() *Registry {
	return NewRegistryWithWindow(DefaultDurationWindow)
}

// NewRegistryWithWindow creates a registry keeping window duration samples
// per name. Values below 1 use DefaultDurationWindow.
func NewRegistryWithWindow(window int) *Registry {
	if window < 1 {
		window = DefaultDurationWindow
	}
	return &Registry{
		window:    window,
		counters:  map[string]int64{"requests_total": 0, "errors_total": 0},
		gauges:    make(map[string]float64),
		durations: make(map[string][]float64),
		now:       time.Now,
	}
}

// Increment implements Sink.
func (r *Registry) Increment(name string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += n
}

// Observe implements Sink.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// ObserveDuration implements Sink.
func (r *Registry) ObserveDuration(name string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	xs := append(r.durations[name], ms)
	if len(xs) > r.window {
		xs = append(xs[:0:0], xs[len(xs)-r.window:]...)
	}
	r.durations[name] = xs
}

// Counter returns a counter's value.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns a gauge's last value and whether it was ever set.
func (r *Registry) Gauge(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	return v, ok
}

// Snapshot returns a flattened copy of every metric.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.counters)+len(r.gauges)+3*len(r.durations)+1)
	for k, v := range r.counters {
		out[k] = float64(v)
	}
	for k, v := range r.gauges {
		out["timing_"+k] = v
	}
	for name, samples := range r.durations {
		if len(samples) == 0 {
			continue
		}
		xs := append([]float64(nil), samples...)
		sort.Float64s(xs)
		out[name+"_p50_ms"] = percentile(xs, 0.50)
		out[name+"_p95_ms"] = percentile(xs, 0.95)
		out[name+"_p99_ms"] = percentile(xs, 0.99)
	}
	out["ts"] = float64(r.now().UnixNano()) / float64(time.Second)
	return out
}

// percentile picks the nearest-rank sample from sorted xs.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	i := int(math.RoundToEven(p * float64(len(xs)-1)))
	if i < 0 {
		i = 0
	}
	if i > len(xs)-1 {
		i = len(xs) - 1
	}
	return xs[i]
}
