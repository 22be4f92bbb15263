// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hoststats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnavailable is returned by a StubProvider configured to fail.
var ErrUnavailable = errors.New("host statistics unavailable")

// Provider reads raw host statistics.
//
// # Description
//
// Providers may fail; Monitor is responsible for turning failures into
// degraded, zero-valued stats. Implementations report Free as the memory
// available to new allocations, not the kernel's "free" column.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Memory returns host memory totals.
	Memory(ctx context.Context) (MemoryStats, error)

	// Disk returns usage for the filesystem containing path.
	Disk(ctx context.Context, path string) (DiskStats, error)

	// ProcessRSS returns the resident set size of this process and all of
	// its descendants, in bytes.
	ProcessRSS(ctx context.Context) (uint64, error)
}

// =============================================================================
// GopsutilProvider
// =============================================================================

// GopsutilProvider queries the operating system through gopsutil.
type GopsutilProvider struct {
	pid int32
}

// NewGopsutilProvider creates a provider rooted at the current process.
func NewGopsutilProvider() *GopsutilProvider {
	return &GopsutilProvider{pid: int32(os.Getpid())}
}

// Memory implements Provider.
func (p *GopsutilProvider) Memory(ctx context.Context) (MemoryStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("virtual memory: %w", err)
	}
	if vm == nil {
		return MemoryStats{}, fmt.Errorf("virtual memory: %w", ErrUnavailable)
	}
	return MemoryStats{Total: vm.Total, Free: vm.Available}, nil
}

// Disk implements Provider.
func (p *GopsutilProvider) Disk(ctx context.Context, path string) (DiskStats, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskStats{Path: path}, fmt.Errorf("disk usage %s: %w", path, err)
	}
	if usage == nil {
		return DiskStats{Path: path}, fmt.Errorf("disk usage %s: %w", path, ErrUnavailable)
	}
	return DiskStats{Path: path, Total: usage.Total, Free: usage.Free}, nil
}

// ProcessRSS implements Provider.
//
// Children that exit during the walk are ignored. Only a failure to read
// the root process is reported.
func (p *GopsutilProvider) ProcessRSS(ctx context.Context) (uint64, error) {
	root, err := process.NewProcessWithContext(ctx, p.pid)
	if err != nil {
		return 0, fmt.Errorf("process %d: %w", p.pid, err)
	}
	info, err := root.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("process %d memory: %w", p.pid, err)
	}
	total := info.RSS

	seen := map[int32]bool{root.Pid: true}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return total, nil
		}
		next := queue[0]
		queue = queue[1:]
		children, err := next.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, child := range children {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			if ci, err := child.MemoryInfoWithContext(ctx); err == nil && ci != nil {
				total += ci.RSS
			}
			queue = append(queue, child)
		}
	}
	return total, nil
}

// =============================================================================
// StubProvider
// =============================================================================

// StubProvider returns fixed values. The zero value reports all-zero stats,
// which is what a host without statistics support looks like.
//
// # Thread Safety
//
// Safe for concurrent use; setters may be called while a Monitor is sampling.
type StubProvider struct {
	mu    sync.RWMutex
	mem   MemoryStats
	disks map[string]DiskStats
	disk  DiskStats
	rss   uint64
	err   error
}

// NewStubProvider creates a stub reporting m for memory and d for every
// path.
func NewStubProvider(m MemoryStats, d DiskStats) *StubProvider {
	return &StubProvider{mem: m, disk: d}
}

// SetMemory replaces the reported memory stats.
func (s *StubProvider) SetMemory(m MemoryStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = m
}

// SetDisk replaces the stats reported for path. An empty path sets the
// fallback used for paths without their own entry.
func (s *StubProvider) SetDisk(path string, d DiskStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		s.disk = d
		return
	}
	if s.disks == nil {
		s.disks = make(map[string]DiskStats)
	}
	s.disks[path] = d
}

// SetProcessRSS replaces the reported process tree RSS.
func (s *StubProvider) SetProcessRSS(rss uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rss = rss
}

// SetError makes every read fail with err. Pass nil to recover.
func (s *StubProvider) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Memory implements Provider.
func (s *StubProvider) Memory(_ context.Context) (MemoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return MemoryStats{}, s.err
	}
	return s.mem, nil
}

// Disk implements Provider.
func (s *StubProvider) Disk(_ context.Context, path string) (DiskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return DiskStats{Path: path}, s.err
	}
	d, ok := s.disks[path]
	if !ok {
		d = s.disk
	}
	d.Path = path
	return d, nil
}

// ProcessRSS implements Provider.
func (s *StubProvider) ProcessRSS(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.rss, nil
}
