// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the governor API.
//
// # Description
//
// Metrics include:
//   - HTTP request counters and latency histograms by route
//   - Rate limit rejections by route
//   - Admission wait time, in-flight slots and rejections by role
//   - Beacon levels and evicted bytes from housekeeper snapshots
//
// Housekeeper gauges with the historical names (ram_free_gb and friends)
// are produced by the telemetry package; this package covers the request
// path.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for governor metrics
const governorSubsystem = "governor"

// GovernorMetrics holds the Prometheus metrics of the governor API.
//
// # Fields
//
//   - RequestsTotal: requests by route, method and status code
//   - RequestDurationSeconds: latency by route and method
//   - RateLimitedTotal: 429 responses by route
//   - AdmissionWaitSeconds: time spent waiting for a slot, by role
//   - AdmissionInFlight: slots held, by role
//   - AdmissionRejectedTotal: acquisitions abandoned, by role and reason
//   - BeaconLevel: last beacon per resource as its ordinal (0 unknown .. 4 critical)
//   - EvictedBytesTotal: bytes removed by eviction
type GovernorMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	RateLimitedTotal       *prometheus.CounterVec
	AdmissionWaitSeconds   *prometheus.HistogramVec
	AdmissionInFlight      *prometheus.GaugeVec
	AdmissionRejectedTotal *prometheus.CounterVec
	BeaconLevel            *prometheus.GaugeVec
	EvictedBytesTotal      prometheus.Counter

	lastSequence uint64
}

// DefaultMetrics is the instance registered on the default registry by
// InitMetrics.
var DefaultMetrics *GovernorMetrics

// InitMetrics registers the metrics on the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GovernorMetrics {
	DefaultMetrics = NewGovernorMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewGovernorMetrics creates and registers the metrics on reg.
func NewGovernorMetrics(reg prometheus.Registerer) *GovernorMetrics {
	factory := promauto.With(reg)
	return &GovernorMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"route", "method"},
		),

		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter",
			},
			[]string{"route"},
		),

		AdmissionWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "admission_wait_seconds",
				Help:      "Time spent waiting for an admission slot",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"role"},
		),

		AdmissionInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "admission_in_flight",
				Help:      "Admission slots currently held",
			},
			[]string{"role"},
		),

		AdmissionRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "admission_rejected_total",
				Help:      "Admission attempts abandoned before a slot was granted",
			},
			[]string{"role", "reason"},
		),

		BeaconLevel: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "beacon_level",
				Help:      "Beacon ordinal per resource: 0 unknown, 1 ok, 2 warn, 3 hot, 4 critical",
			},
			[]string{"resource"},
		),

		EvictedBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governorSubsystem,
				Name:      "evicted_bytes_total",
				Help:      "Bytes removed by housekeeper eviction",
			},
		),
	}
}

// =============================================================================
// Rejection Reasons
// =============================================================================

// RejectReason labels abandoned admission attempts.
type RejectReason string

const (
	// RejectTimeout indicates the caller's deadline passed while waiting.
	RejectTimeout RejectReason = "timeout"

	// RejectCanceled indicates the caller went away while waiting.
	RejectCanceled RejectReason = "canceled"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed HTTP request.
func (m *GovernorMetrics) RecordRequest(route, method, status string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecordRateLimited records a 429 response.
func (m *GovernorMetrics) RecordRateLimited(route string) {
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

// AdmissionAcquired records a granted slot and the time spent waiting.
func (m *GovernorMetrics) AdmissionAcquired(role string, waited time.Duration) {
	m.AdmissionWaitSeconds.WithLabelValues(role).Observe(waited.Seconds())
	m.AdmissionInFlight.WithLabelValues(role).Inc()
}

// AdmissionReleased records a returned slot.
func (m *GovernorMetrics) AdmissionReleased(role string) {
	m.AdmissionInFlight.WithLabelValues(role).Dec()
}

// AdmissionRejected records an abandoned acquisition.
func (m *GovernorMetrics) AdmissionRejected(role string, reason RejectReason) {
	m.AdmissionRejectedTotal.WithLabelValues(role, string(reason)).Inc()
}

// ObserveSnapshot updates beacon levels and eviction totals. Snapshots
// already seen (by sequence) are ignored so bytes are not counted twice.
//
// # Thread Safety
//
// Call from a single goroutine, such as a housekeeper subscription.
func (m *GovernorMetrics) ObserveSnapshot(s *housekeeper.Snapshot) {
	if s == nil || s.Sequence <= m.lastSequence {
		return
	}
	m.lastSequence = s.Sequence
	m.BeaconLevel.WithLabelValues("ram").Set(float64(s.RAM.Beacon))
	m.BeaconLevel.WithLabelValues("ssd").Set(float64(s.SSD.Beacon))
	if s.Eviction.DoneBytes > 0 {
		m.EvictedBytesTotal.Add(float64(s.Eviction.DoneBytes))
	}
}
