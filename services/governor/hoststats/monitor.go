// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hoststats samples host memory, filesystem usage and process RSS.
//
// # Description
//
// Monitor never returns an error. When the operating system cannot be
// queried the sample is all zeros with pressure 0, which downstream code
// treats as a degraded signal (beacon "unknown"). This keeps the governance
// loop running on hosts where statistics are partially or entirely missing.
package hoststats

import (
	"context"
	"log/slog"
)

// MemoryStats is one sample of host memory, in bytes.
//
// Free is memory available to new allocations. Used is Total-Free.
// Pressure is Used/Total clamped to [0,1], or 0 when Total is 0.
type MemoryStats struct {
	Total    uint64  `json:"total"`
	Free     uint64  `json:"free"`
	Used     uint64  `json:"used"`
	Pressure float64 `json:"pressure"`
}

// Degraded reports whether the sample carries no information.
func (m MemoryStats) Degraded() bool {
	return m.Total == 0
}

// DiskStats is one sample of a filesystem, in bytes.
type DiskStats struct {
	Path     string  `json:"path"`
	Total    uint64  `json:"total"`
	Free     uint64  `json:"free"`
	Used     uint64  `json:"used"`
	Pressure float64 `json:"pressure"`
}

// Degraded reports whether the sample carries no information.
func (d DiskStats) Degraded() bool {
	return d.Total == 0
}

// Monitor samples a Provider and normalizes the results.
//
// # Thread Safety
//
// Safe for concurrent use if the Provider is.
type Monitor struct {
	provider Provider
	logger   *slog.Logger
}

// NewMonitor creates a Monitor. A nil logger uses slog.Default().
func NewMonitor(provider Provider, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{provider: provider, logger: logger}
}

// SampleMemory returns current memory stats, or zeros on failure.
func (m *Monitor) SampleMemory(ctx context.Context) MemoryStats {
	raw, err := m.provider.Memory(ctx)
	if err != nil {
		m.logger.Debug("memory sample unavailable", "error", err)
		return MemoryStats{}
	}
	total, free := raw.Total, raw.Free
	if free > total {
		free = total
	}
	used := total - free
	return MemoryStats{
		Total:    total,
		Free:     free,
		Used:     used,
		Pressure: pressure(used, total),
	}
}

// SampleDisk returns usage for the filesystem holding path, or zeros on
// failure. Path is always echoed back.
func (m *Monitor) SampleDisk(ctx context.Context, path string) DiskStats {
	raw, err := m.provider.Disk(ctx, path)
	if err != nil {
		m.logger.Debug("disk sample unavailable", "path", path, "error", err)
		return DiskStats{Path: path}
	}
	total, free := raw.Total, raw.Free
	if free > total {
		free = total
	}
	used := total - free
	return DiskStats{
		Path:     path,
		Total:    total,
		Free:     free,
		Used:     used,
		Pressure: pressure(used, total),
	}
}

// SampleProcessRSS returns the RSS of this process tree, or 0 on failure.
func (m *Monitor) SampleProcessRSS(ctx context.Context) uint64 {
	rss, err := m.provider.ProcessRSS(ctx)
	if err != nil {
		m.logger.Debug("process rss unavailable", "error", err)
		return 0
	}
	return rss
}

func pressure(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	p := float64(used) / float64(total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
