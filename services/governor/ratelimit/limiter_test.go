// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func cfg(rps float64, burst int) Config {
	c := DefaultConfig()
	c.RequestsPerSecond = rps
	c.Burst = burst
	return c
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := New(cfg(3, 3), nil)

	allowed, denied := 0, 0
	for i := 0; i < 8; i++ {
		if l.Allow("10.0.0.1", epoch) {
			allowed++
		} else {
			denied++
		}
	}

	assert.Equal(t, 3, allowed)
	assert.Equal(t, 5, denied)
}

func TestLimiter_Refill(t *testing.T) {
	l := New(cfg(3, 3), nil)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k", epoch))
	}
	require.False(t, l.Allow("k", epoch))

	// Less than one token has accrued.
	assert.False(t, l.Allow("k", epoch.Add(200*time.Millisecond)))
	// 1/rps seconds after the burst one token is back.
	assert.True(t, l.Allow("k", epoch.Add(time.Second/3+time.Millisecond)))
	assert.False(t, l.Allow("k", epoch.Add(time.Second/3+2*time.Millisecond)))
}

func TestLimiter_DeniedRequestsKeepRefill(t *testing.T) {
	l := New(cfg(1, 1), nil)
	require.True(t, l.Allow("k", epoch))

	// Repeated denials must not reset accrual.
	for ms := 100; ms < 1000; ms += 100 {
		require.False(t, l.Allow("k", epoch.Add(time.Duration(ms)*time.Millisecond)))
	}
	assert.True(t, l.Allow("k", epoch.Add(1100*time.Millisecond)))
}

func TestLimiter_CapacityClamp(t *testing.T) {
	l := New(cfg(10, 2), nil)
	require.True(t, l.Allow("k", epoch))

	// A long idle period refills to capacity, not beyond.
	later := epoch.Add(time.Hour)
	assert.True(t, l.Allow("k", later))
	assert.True(t, l.Allow("k", later))
	assert.False(t, l.Allow("k", later))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(cfg(1, 1), nil)

	assert.True(t, l.Allow("a", epoch))
	assert.False(t, l.Allow("a", epoch))
	assert.True(t, l.Allow("b", epoch))
	assert.True(t, l.Allow("", epoch), "empty key uses its own bucket")
	assert.False(t, l.Allow("", epoch))
}

func TestLimiter_Disabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"enabled false", Config{Enabled: false, RequestsPerSecond: 1, Burst: 1}},
		{"zero rps", Config{Enabled: true, RequestsPerSecond: 0, Burst: 1}},
		{"negative rps", Config{Enabled: true, RequestsPerSecond: -5, Burst: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.cfg, nil)
			for i := 0; i < 100; i++ {
				require.True(t, l.Allow("k", epoch))
			}
			assert.Zero(t, l.Len(), "disabled limiter keeps no state")
		})
	}
}

func TestLimiter_BurstBelowOneIsRaised(t *testing.T) {
	l := New(cfg(1, 0), nil)

	assert.Equal(t, 1, l.Config().Burst)
	assert.True(t, l.Allow("k", epoch))
	assert.False(t, l.Allow("k", epoch))
}

func TestLimiter_IdleBucketsExpire(t *testing.T) {
	c := cfg(1, 1)
	c.ClientTTL = time.Minute
	c.CleanupInterval = time.Second
	l := New(c, nil)

	for i := 0; i < 20; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), epoch)
	}
	require.Equal(t, 20, l.Len())

	// Touch every shard after the TTL so each one sweeps.
	later := epoch.Add(2 * time.Minute)
	for i := 0; i < 20; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), later)
	}
	assert.Equal(t, 20, l.Len(), "revisited clients get fresh buckets")
	assert.True(t, l.Allow("client-0", later.Add(time.Second)))
}

func TestLimiter_MaxClientsBounded(t *testing.T) {
	c := cfg(1, 1)
	c.MaxClients = shardCount
	l := New(c, nil)

	for i := 0; i < 500; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), epoch.Add(time.Duration(i)*time.Millisecond))
	}

	assert.LessOrEqual(t, l.Len(), shardCount)
}

func TestLimiter_Reconfigure(t *testing.T) {
	l := New(cfg(1, 1), nil)
	require.True(t, l.Allow("k", epoch))
	require.False(t, l.Allow("k", epoch))

	l.Reconfigure(cfg(100, 5))

	assert.Equal(t, 5, l.Config().Burst)
	l.Allow("k", epoch.Add(10*time.Millisecond))

	// 50ms at 100 rps refills the new burst of 5.
	at := epoch.Add(60 * time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k", at), "request %d", i)
	}
	assert.False(t, l.Allow("k", at))

	l.Reconfigure(Config{Enabled: false})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("k", epoch.Add(20*time.Millisecond)))
	}
}

func TestLimiter_ConcurrentSameKey(t *testing.T) {
	l := New(cfg(1, 50), nil)
	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared", epoch) {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), ok.Load())
}
