// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package beacon classifies resource headroom and pressure into ordinal
// health states.
//
// # Description
//
// A beacon is the single word dashboards and alerts key on: "ok", "warn",
// "hot", "critical", or "unknown". The RAM beacon is derived from headroom
// (free memory minus the configured reserve); the SSD beacon is derived from
// filesystem pressure and absolute free space.
//
// The default thresholds are load-bearing. Existing dashboards compare
// against them exactly, so DefaultThresholds must not drift:
//
//	RAM headroom:   <=0 critical | <=2GiB hot | <=6GiB warn | ok
//	SSD:            free<=2GiB or pressure>=min(0.99, hard+0.07) critical
//	                pressure>=hard hot | pressure>=soft warn | ok
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package beacon

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GiB is one binary gigabyte in bytes.
const GiB = 1 << 30

// Default SSD watermarks, used when a caller supplies malformed values.
const (
	DefaultSoftPct = 0.75
	DefaultHardPct = 0.85
)

// =============================================================================
// Beacon
// =============================================================================

// Beacon is an ordinal health classification.
//
// The zero value is Unknown. Ordering is Ok < Warn < Hot < Critical; Unknown
// sorts below Ok and must be checked explicitly via IsKnown.
type Beacon int

const (
	// Unknown means the underlying signal could not be read.
	Unknown Beacon = iota
	// Ok means comfortable headroom.
	Ok
	// Warn means the soft watermark was crossed.
	Warn
	// Hot means the hard watermark was crossed.
	Hot
	// Critical means the resource is effectively exhausted.
	Critical
)

// String returns the wire name of the beacon.
func (b Beacon) String() string {
	switch b {
	case Ok:
		return "ok"
	case Warn:
		return "warn"
	case Hot:
		return "hot"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsKnown reports whether the beacon came from a successful read.
func (b Beacon) IsKnown() bool {
	return b >= Ok && b <= Critical
}

// Worse returns the more severe of two beacons. Unknown loses to any known
// beacon.
func Worse(a, b Beacon) Beacon {
	if a > b {
		return a
	}
	return b
}

// Parse converts a wire name back to a Beacon. Unrecognised names map to
// Unknown.
func Parse(s string) Beacon {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok":
		return Ok
	case "warn":
		return Warn
	case "hot":
		return Hot
	case "critical":
		return Critical
	default:
		return Unknown
	}
}

// MarshalJSON encodes the beacon as its wire name.
func (b Beacon) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON decodes a wire name.
func (b *Beacon) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("beacon must be a string: %w", err)
	}
	*b = Parse(s)
	return nil
}

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds holds the classifier boundaries.
//
// # Fields
//
//   - RAMHotBytes: headroom at or below this (and above zero) is hot.
//   - RAMWarnBytes: headroom at or below this (and above RAMHotBytes) is warn.
//   - SSDCriticalFreeBytes: free space at or below this is critical.
//   - SSDCriticalMargin: added to the hard watermark to find the critical
//     pressure, capped at SSDCriticalCeiling.
type Thresholds struct {
	RAMHotBytes          int64
	RAMWarnBytes         int64
	SSDCriticalFreeBytes uint64
	SSDCriticalMargin    float64
	SSDCriticalCeiling   float64
}

// DefaultThresholds returns the boundaries the dashboards were built against.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RAMHotBytes:          2 * GiB,
		RAMWarnBytes:         6 * GiB,
		SSDCriticalFreeBytes: 2 * GiB,
		SSDCriticalMargin:    0.07,
		SSDCriticalCeiling:   0.99,
	}
}

// RAM classifies memory headroom with DefaultThresholds.
func RAM(headroomBytes int64) Beacon {
	return DefaultThresholds().RAM(headroomBytes)
}

// SSD classifies disk pressure with DefaultThresholds.
func SSD(pressure float64, freeBytes uint64, softPct, hardPct float64) Beacon {
	return DefaultThresholds().SSD(pressure, freeBytes, softPct, hardPct)
}

// RAM classifies memory headroom.
//
// # Inputs
//
//   - headroomBytes: free memory minus reserve. May be negative.
//
// # Outputs
//
//   - Beacon: Critical, Hot, Warn or Ok. Never Unknown.
func (t Thresholds) RAM(headroomBytes int64) Beacon {
	switch {
	case headroomBytes <= 0:
		return Critical
	case headroomBytes <= t.RAMHotBytes:
		return Hot
	case headroomBytes <= t.RAMWarnBytes:
		return Warn
	default:
		return Ok
	}
}

// SSD classifies filesystem pressure.
//
// # Inputs
//
//   - pressure: used/total in [0,1]. NaN or Inf is treated as 0.
//   - freeBytes: bytes available on the filesystem.
//   - softPct, hardPct: watermarks in [0,1]. NaN or Inf falls back to
//     DefaultSoftPct and DefaultHardPct.
//
// # Outputs
//
//   - Beacon: Critical, Hot, Warn or Ok. Never Unknown.
func (t Thresholds) SSD(pressure float64, freeBytes uint64, softPct, hardPct float64) Beacon {
	p := finiteOr(pressure, 0)
	soft := finiteOr(softPct, DefaultSoftPct)
	hard := finiteOr(hardPct, DefaultHardPct)

	critical := math.Min(t.SSDCriticalCeiling, hard+t.SSDCriticalMargin)
	switch {
	case freeBytes <= t.SSDCriticalFreeBytes || p >= critical:
		return Critical
	case p >= hard:
		return Hot
	case p >= soft:
		return Warn
	default:
		return Ok
	}
}

// =============================================================================
// Input Coercion
// =============================================================================

// ParseFloat parses s as a float, returning fallback when s is empty,
// malformed, NaN or infinite.
//
// Admin payloads and environment overrides pass through here so that the
// classifiers never see a value they cannot order.
func ParseFloat(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fallback
	}
	return finiteOr(v, fallback)
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
