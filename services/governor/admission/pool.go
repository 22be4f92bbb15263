// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission bounds how many heavy operations of each role run at
// once.
//
// # Description
//
// Each role (for example "coder" or "analysis") has its own counting gate.
// Exhausting one role never blocks another. A role with limit 0 is
// unbounded. Roles that were never configured are created on first use
// with DefaultLimit.
//
// Waiters are not served in FIFO order.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit applies to roles without a configured limit.
const DefaultLimit = 1

// ErrAlreadyReleased is returned when a Handle is released twice.
var ErrAlreadyReleased = errors.New("admission handle already released")

// =============================================================================
// Pool
// =============================================================================

// Pool holds one gate per role.
//
// # Thread Safety
//
// Safe for concurrent use. Gates are created under a mutex; acquiring and
// releasing a slot does not take the pool lock.
type Pool struct {
	mu     sync.RWMutex
	limits map[string]uint
	roles  map[string]*gate
}

// gate is the per-role admission state. sem is nil for unbounded roles.
type gate struct {
	limit   uint
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	waiting atomic.Int64
}

// NewPool creates a pool with the given per-role limits. Roles not in
// limits get DefaultLimit when first used.
func NewPool(limits map[string]uint) *Pool {
	copied := make(map[string]uint, len(limits))
	for role, limit := range limits {
		copied[role] = limit
	}
	return &Pool{
		limits: copied,
		roles:  make(map[string]*gate),
	}
}

// LimitFor returns the limit a role has or would get. 0 means unbounded.
func (p *Pool) LimitFor(role string) uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if limit, ok := p.limits[role]; ok {
		return limit
	}
	return DefaultLimit
}

func (p *Pool) gateFor(role string) *gate {
	p.mu.RLock()
	g, ok := p.roles[role]
	p.mu.RUnlock()
	if ok {
		return g
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.roles[role]; ok {
		return g
	}
	limit, ok := p.limits[role]
	if !ok {
		limit = DefaultLimit
	}
	g = &gate{limit: limit}
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	p.roles[role] = g
	return g
}

// Acquire blocks until a slot for role is free or ctx ends.
//
// # Inputs
//
//   - ctx: bounds the wait. Callers wanting a timeout use
//     context.WithTimeout.
//   - role: the role to admit.
//
// # Outputs
//
//   - *Handle: must be released exactly once.
//   - error: ctx.Err() wrapped with the role name if the wait was abandoned.
func (p *Pool) Acquire(ctx context.Context, role string) (*Handle, error) {
	g := p.gateFor(role)
	if g.sem != nil {
		g.waiting.Add(1)
		err := g.sem.Acquire(ctx, 1)
		g.waiting.Add(-1)
		if err != nil {
			return nil, fmt.Errorf("admission %q: %w", role, err)
		}
	}
	g.inUse.Add(1)
	return &Handle{role: role, gate: g}, nil
}

// TryAcquire takes a slot without waiting. It reports false when the role
// is at its limit.
func (p *Pool) TryAcquire(role string) (*Handle, bool) {
	g := p.gateFor(role)
	if g.sem != nil && !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.inUse.Add(1)
	return &Handle{role: role, gate: g}, true
}

// Do runs fn while holding a slot for role. The slot is released on every
// exit path, including a panic in fn, which is re-raised.
func (p *Pool) Do(ctx context.Context, role string, fn func(context.Context) error) error {
	h, err := p.Acquire(ctx, role)
	if err != nil {
		return err
	}
	defer func() { _ = h.Release() }()
	return fn(ctx)
}

// =============================================================================
// Handle
// =============================================================================

// Handle is one admitted slot.
type Handle struct {
	role     string
	gate     *gate
	released atomic.Bool
}

// Role returns the role the slot belongs to.
func (h *Handle) Role() string {
	return h.role
}

// Release returns the slot. A second call returns ErrAlreadyReleased and
// has no effect.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	h.gate.inUse.Add(-1)
	if h.gate.sem != nil {
		h.gate.sem.Release(1)
	}
	return nil
}

// =============================================================================
// Stats
// =============================================================================

// RoleStats describes one role's gate.
type RoleStats struct {
	Role    string `json:"role"`
	Limit   uint   `json:"limit"`
	InUse   int64  `json:"in_use"`
	Waiting int64  `json:"waiting"`
}

// Stats returns a point-in-time view of every role that has been used or
// configured, sorted by role name.
func (p *Pool) Stats() []RoleStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make(map[string]struct{}, len(p.limits)+len(p.roles))
	for role := range p.limits {
		names[role] = struct{}{}
	}
	for role := range p.roles {
		names[role] = struct{}{}
	}

	out := make([]RoleStats, 0, len(names))
	for role := range names {
		st := RoleStats{Role: role}
		if g, ok := p.roles[role]; ok {
			st.Limit = g.limit
			st.InUse = g.inUse.Load()
			st.Waiting = g.waiting.Load()
		} else {
			st.Limit = p.limits[role]
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
