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
	"strings"
	"time"
)

// Sink receives metric updates.
//
// Metric names may carry a label after a colon, for example
// "requests_total:GET /info". Sinks that support dimensions split the label
// off; Registry keeps the full name.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use and must not block on
// network I/O.
type Sink interface {
	// Increment adds n to a counter.
	Increment(name string, n int64)

	// Observe records the latest value of a gauge.
	Observe(name string, value float64)

	// ObserveDuration records one timing sample.
	ObserveDuration(name string, d time.Duration)
}

// Nop discards every update.
type Nop struct{}

// Increment implements Sink.
func (Nop) Increment(string, int64) {}

// Observe implements Sink.
func (Nop) Observe(string, float64) {}

// ObserveDuration implements Sink.
func (Nop) ObserveDuration(string, time.Duration) {}

// Multi fans every update out to several sinks in order.
type Multi []Sink

// NewMulti builds a Multi, dropping nil sinks.
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Increment implements Sink.
func (m Multi) Increment(name string, n int64) {
	for _, s := range m {
		s.Increment(name, n)
	}
}

// Observe implements Sink.
func (m Multi) Observe(name string, value float64) {
	for _, s := range m {
		s.Observe(name, value)
	}
}

// ObserveDuration implements Sink.
func (m Multi) ObserveDuration(name string, d time.Duration) {
	for _, s := range m {
		s.ObserveDuration(name, d)
	}
}

// splitName separates "base:label" into its parts.
func splitName(name string) (base, label string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
