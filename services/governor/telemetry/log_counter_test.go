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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGovernor/pkg/logging"
)

func TestLogCounter_CountsWarnAndError(t *testing.T) {
	counter := NewLogCounter()
	logger := logging.New(logging.Config{
		Level:    logging.LevelDebug,
		Output:   io.Discard,
		Service:  "governor",
		Exporter: counter,
	})

	logger.Warn("before attach")
	registry := NewRegistry()
	counter.Attach(registry)

	logger.Debug("ignored")
	logger.Info("ignored")
	logger.Warn("eviction failed", "path", "/models/cache/a.bin")
	logger.With("component", "api").Error("upstream request failed")
	require.NoError(t, logger.Close())

	assert.Equal(t, int64(2), registry.Counter("log_records_total:warn"))
	assert.Equal(t, int64(1), registry.Counter("log_records_total:error"))
	assert.Zero(t, registry.Counter("log_records_total:info"))
	assert.Zero(t, registry.Counter("log_records_total:debug"))
}

func TestLogCounter_PendingReplayedOnAttach(t *testing.T) {
	counter := NewLogCounter()
	ctx := context.Background()
	warn := logging.LogEntry{Timestamp: time.Now(), Level: logging.LevelWarn, Message: "w"}

	require.NoError(t, counter.Export(ctx, warn))
	require.NoError(t, counter.Export(ctx, warn))

	registry := NewRegistry()
	counter.Attach(registry)
	assert.Equal(t, int64(2), registry.Counter("log_records_total:warn"))

	other := NewRegistry()
	counter.Attach(other)
	assert.Zero(t, other.Counter("log_records_total:warn"), "pending counts replay once")
}

func TestLogCounter_IgnoresAfterClose(t *testing.T) {
	counter := NewLogCounter()
	registry := NewRegistry()
	counter.Attach(registry)

	require.NoError(t, counter.Flush(context.Background()))
	require.NoError(t, counter.Close())
	require.NoError(t, counter.Export(context.Background(), logging.LogEntry{Level: logging.LevelError}))

	assert.Zero(t, registry.Counter("log_records_total:error"))
}
