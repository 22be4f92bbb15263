// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry carries governor metrics to their backends.
//
// # Sinks
//
// The governance loop and HTTP middleware record through the small Sink
// interface: counters (Increment), last-value gauges (Observe) and
// durations (ObserveDuration). Sinks compose with Multi:
//
//   - Registry keeps everything in process and renders the JSON document
//     served at /metrics.json (counters, "timing_" gauges, p50/p95/p99).
//   - OTelSink forwards to an OpenTelemetry meter, which reaches
//     Prometheus, stdout or an OTLP collector depending on Init.
//   - InfluxSink writes points to an InfluxDB v2 bucket.
//   - Nop discards.
//
// # Providers
//
// Init installs the global OpenTelemetry TracerProvider and MeterProvider.
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, otlp, stdout, or none (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - ALEUTIAN_ENV: environment name (default: development)
//
// # Thread Safety
//
// All sinks are safe for concurrent use. Init should be called once.
package telemetry
