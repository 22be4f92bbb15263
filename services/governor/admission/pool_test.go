// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_LimitBlocksNPlusOne(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 2})
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, "coder")
	require.NoError(t, err)
	h2, err := pool.Acquire(ctx, "coder")
	require.NoError(t, err)

	acquired := make(chan *Handle)
	go func() {
		h, err := pool.Acquire(ctx, "coder")
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while two slots are held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h1.Release())

	select {
	case h3 := <-acquired:
		require.NoError(t, h3.Release())
	case <-time.After(2 * time.Second):
		t.Fatal("third acquire should succeed after a release")
	}
	require.NoError(t, h2.Release())
}

func TestPool_UnboundedRole(t *testing.T) {
	pool := NewPool(map[string]uint{"embed": 0})
	handles := make([]*Handle, 0, 100)
	for i := 0; i < 100; i++ {
		h, ok := pool.TryAcquire("embed")
		require.True(t, ok)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Release())
	}
	assert.Equal(t, uint(0), pool.LimitFor("embed"))
}

func TestPool_RolesAreIndependent(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 1, "analysis": 1})

	h, ok := pool.TryAcquire("coder")
	require.True(t, ok)
	_, ok = pool.TryAcquire("coder")
	assert.False(t, ok)

	other, ok := pool.TryAcquire("analysis")
	require.True(t, ok, "exhausted coder must not block analysis")

	require.NoError(t, other.Release())
	require.NoError(t, h.Release())
}

func TestPool_UnseenRoleGetsDefaultLimit(t *testing.T) {
	pool := NewPool(nil)

	assert.Equal(t, uint(DefaultLimit), pool.LimitFor("vision"))
	h, ok := pool.TryAcquire("vision")
	require.True(t, ok)
	_, ok = pool.TryAcquire("vision")
	assert.False(t, ok)
	require.NoError(t, h.Release())
}

func TestHandle_DoubleRelease(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 1})
	h, err := pool.Acquire(context.Background(), "coder")
	require.NoError(t, err)

	require.NoError(t, h.Release())
	assert.ErrorIs(t, h.Release(), ErrAlreadyReleased)

	// The second release must not have freed an extra slot.
	h1, ok := pool.TryAcquire("coder")
	require.True(t, ok)
	_, ok = pool.TryAcquire("coder")
	assert.False(t, ok)
	require.NoError(t, h1.Release())
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 1})
	h, ok := pool.TryAcquire("coder")
	require.True(t, ok)
	defer func() { _ = h.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(ctx, "coder")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_DoReleasesOnError(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 1})
	boom := errors.New("boom")

	err := pool.Do(context.Background(), "coder", func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	h, ok := pool.TryAcquire("coder")
	require.True(t, ok, "slot must be free after Do returns an error")
	require.NoError(t, h.Release())
}

func TestPool_DoReleasesOnPanic(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 1})

	assert.Panics(t, func() {
		_ = pool.Do(context.Background(), "coder", func(context.Context) error { panic("kaboom") })
	})

	h, ok := pool.TryAcquire("coder")
	require.True(t, ok, "slot must be free after Do panics")
	require.NoError(t, h.Release())
}

func TestPool_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 3
	pool := NewPool(map[string]uint{"coder": limit})

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), "coder", func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, limit)
	assert.Greater(t, peak, 0)
}

func TestPool_Stats(t *testing.T) {
	pool := NewPool(map[string]uint{"coder": 2, "analysis": 1})
	h, ok := pool.TryAcquire("coder")
	require.True(t, ok)
	defer func() { _ = h.Release() }()
	v, ok := pool.TryAcquire("vision")
	require.True(t, ok)
	defer func() { _ = v.Release() }()

	stats := pool.Stats()

	require.Len(t, stats, 3)
	assert.Equal(t, RoleStats{Role: "analysis", Limit: 1}, stats[0])
	assert.Equal(t, RoleStats{Role: "coder", Limit: 2, InUse: 1}, stats[1])
	assert.Equal(t, RoleStats{Role: "vision", Limit: 1, InUse: 1}, stats[2])
}
