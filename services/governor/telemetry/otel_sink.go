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
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used by OTelSink.
const MeterName = "github.com/AleutianAI/AleutianGovernor"

// OTelSink forwards updates to OpenTelemetry instruments.
//
// # Description
//
// Instruments are created on first use and cached by name. Counters become
// Int64Counter, gauges Float64Gauge and durations a Float64Histogram in
// milliseconds. The label part of a "base:label" name is recorded as the
// "key" attribute. Every instrument name is prefixed with "governor_".
//
// # Thread Safety
//
// Safe for concurrent use.
type OTelSink struct {
	meter  otelmetric.Meter
	logger *slog.Logger

	mu         sync.Mutex
	counters   map[string]otelmetric.Int64Counter
	gauges     map[string]otelmetric.Float64Gauge
	histograms map[string]otelmetric.Float64Histogram
	failed     map[string]bool
}

// NewOTelSink creates a sink on meter. A nil meter uses the global
// provider installed by Init.
func NewOTelSink(meter otelmetric.Meter, logger *slog.Logger) *OTelSink {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTelSink{
		meter:      meter,
		logger:     logger,
		counters:   make(map[string]otelmetric.Int64Counter),
		gauges:     make(map[string]otelmetric.Float64Gauge),
		histograms: make(map[string]otelmetric.Float64Histogram),
		failed:     make(map[string]bool),
	}
}

// Increment implements Sink.
func (s *OTelSink) Increment(name string, n int64) {
	base, label := splitName(name)
	c, ok := s.counter(base)
	if !ok {
		return
	}
	c.Add(context.Background(), n, addAttrs(label)...)
}

// Observe implements Sink.
func (s *OTelSink) Observe(name string, value float64) {
	base, label := splitName(name)
	g, ok := s.gauge(base)
	if !ok {
		return
	}
	g.Record(context.Background(), value, recordAttrs(label)...)
}

// ObserveDuration implements Sink.
func (s *OTelSink) ObserveDuration(name string, d time.Duration) {
	base, label := splitName(name)
	h, ok := s.histogram(base)
	if !ok {
		return
	}
	h.Record(context.Background(), float64(d)/float64(time.Millisecond), recordAttrs(label)...)
}

func (s *OTelSink) counter(base string) (otelmetric.Int64Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[base]; ok {
		return c, true
	}
	if s.failed["counter/"+base] {
		return nil, false
	}
	c, err := s.meter.Int64Counter("governor_"+base,
		otelmetric.WithDescription("Governor counter "+base))
	if err != nil {
		s.fail("counter/"+base, err)
		return nil, false
	}
	s.counters[base] = c
	return c, true
}

func (s *OTelSink) gauge(base string) (otelmetric.Float64Gauge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[base]; ok {
		return g, true
	}
	if s.failed["gauge/"+base] {
		return nil, false
	}
	g, err := s.meter.Float64Gauge("governor_"+base,
		otelmetric.WithDescription("Governor gauge "+base))
	if err != nil {
		s.fail("gauge/"+base, err)
		return nil, false
	}
	s.gauges[base] = g
	return g, true
}

func (s *OTelSink) histogram(base string) (otelmetric.Float64Histogram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[base]; ok {
		return h, true
	}
	if s.failed["histogram/"+base] {
		return nil, false
	}
	h, err := s.meter.Float64Histogram("governor_"+base+"_ms",
		otelmetric.WithDescription("Governor duration "+base),
		otelmetric.WithUnit("ms"))
	if err != nil {
		s.fail("histogram/"+base, err)
		return nil, false
	}
	s.histograms[base] = h
	return h, true
}

// fail records an instrument that could not be created so it is not
// retried on every update. Caller holds s.mu.
func (s *OTelSink) fail(key string, err error) {
	s.failed[key] = true
	s.logger.Warn("otel instrument unavailable", "instrument", key, "error", err)
}

func addAttrs(label string) []otelmetric.AddOption {
	if label == "" {
		return nil
	}
	return []otelmetric.AddOption{otelmetric.WithAttributes(attribute.String("key", label))}
}

func recordAttrs(label string) []otelmetric.RecordOption {
	if label == "" {
		return nil
	}
	return []otelmetric.RecordOption{otelmetric.WithAttributes(attribute.String("key", label))}
}
