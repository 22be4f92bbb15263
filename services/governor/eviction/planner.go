// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eviction selects and removes cached files to relieve disk pressure.
//
// # Description
//
// Planning and execution are separate steps. A Planner only lists and stats
// files; it never modifies the filesystem. An Executor removes the files a
// Plan names, or reports what it would have removed when actions are
// disabled. Dry-run results are first-class: they carry the same planned
// totals as a real run.
package eviction

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
)

// =============================================================================
// Types
// =============================================================================

// Candidate is one file eligible for eviction.
type Candidate struct {
	Path    string    `json:"path"`
	Size    uint64    `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Plan is an ordered list of files to evict, oldest first.
//
// # Fields
//
//   - Candidates: files in eviction order. No path appears twice.
//   - TargetBytes: the byte goal the plan was built for.
//   - PlannedBytes: sum of candidate sizes. May exceed TargetBytes by at
//     most the size of the last candidate, since files are evicted whole.
type Plan struct {
	Candidates   []Candidate `json:"candidates"`
	TargetBytes  uint64      `json:"target_bytes"`
	PlannedBytes uint64      `json:"planned_bytes"`
}

// Files returns the number of planned files.
func (p Plan) Files() int {
	return len(p.Candidates)
}

// Paths returns the candidate paths in eviction order, or nil when empty.
func (p Plan) Paths() []string {
	if len(p.Candidates) == 0 {
		return nil
	}
	out := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		out[i] = c.Path
	}
	return out
}

// Empty reports whether the plan removes nothing.
func (p Plan) Empty() bool {
	return len(p.Candidates) == 0
}

// =============================================================================
// Target
// =============================================================================

// ComputeTarget returns how many bytes one tick should try to free.
//
// # Description
//
// Below the soft watermark no eviction is needed. Above it the target is
// the space required to bring usage back to the watermark, capped by
// maxEvictPerTick so a single tick never removes more than that.
//
// # Inputs
//
//   - disk: current filesystem sample.
//   - softPct: soft watermark in [0,1]. NaN or Inf uses beacon.DefaultSoftPct.
//   - maxEvictPerTick: cap in bytes.
//
// # Outputs
//
//   - uint64: bytes to free, 0 when none.
//
// # Examples
//
//	// 100GiB disk, 10GiB free, soft 0.75: required 25GiB, deficit 15GiB.
//	ComputeTarget(d, 0.75, 2<<30) // 2GiB (capped)
func ComputeTarget(disk hoststats.DiskStats, softPct float64, maxEvictPerTick uint64) uint64 {
	if math.IsNaN(softPct) || math.IsInf(softPct, 0) {
		softPct = beacon.DefaultSoftPct
	}
	if disk.Pressure < softPct {
		return 0
	}
	required := float64(disk.Total) * (1 - softPct)
	deficit := required - float64(disk.Free)
	if deficit <= 0 {
		return 0
	}
	if deficit >= float64(maxEvictPerTick) {
		return maxEvictPerTick
	}
	return uint64(deficit)
}

// =============================================================================
// Planner
// =============================================================================

// Planner builds eviction plans from directory listings.
//
// # Thread Safety
//
// Safe for concurrent use.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner. A nil logger uses slog.Default().
func NewPlanner(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger}
}

// Plan selects the oldest files under dirs until their combined size
// reaches targetBytes.
//
// # Description
//
// A zero target yields an empty plan without touching the filesystem.
// Otherwise every regular file under dirs is listed, sorted by
// modification time (path breaks ties), and accumulated greedily.
//
// # Inputs
//
//   - ctx: cancels the directory walk. A cancelled walk plans from what was
//     listed so far.
//   - dirs: roots to scan. Missing roots are skipped.
//   - targetBytes: byte goal.
//
// # Outputs
//
//   - Plan: possibly empty.
func (p *Planner) Plan(ctx context.Context, dirs []string, targetBytes uint64) Plan {
	plan := Plan{TargetBytes: targetBytes}
	if targetBytes == 0 {
		return plan
	}
	for _, c := range p.List(ctx, dirs) {
		plan.Candidates = append(plan.Candidates, c)
		plan.PlannedBytes += c.Size
		if plan.PlannedBytes >= targetBytes {
			break
		}
	}
	return plan
}

// List returns every regular file under dirs, oldest first.
//
// # Description
//
// Hidden directories below each root (names starting with ".", including
// ".git") are not descended into. Symlinks are not followed. Files reached
// through overlapping roots are listed once.
func (p *Planner) List(ctx context.Context, dirs []string) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate

	for _, root := range dirs {
		if root == "" {
			continue
		}
		root = absClean(root)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// Unreadable entry; keep walking siblings.
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if _, dup := seen[path]; dup {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				// Vanished between listing and stat.
				return nil
			}
			seen[path] = struct{}{}
			out = append(out, Candidate{
				Path:    path,
				Size:    uint64(fi.Size()),
				ModTime: fi.ModTime(),
			})
			return nil
		})
		if walkErr != nil {
			if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
				p.logger.Warn("eviction listing interrupted", "root", root, "error", walkErr)
				break
			}
			p.logger.Debug("eviction listing incomplete", "root", root, "error", walkErr)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func absClean(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
