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
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianGovernor/pkg/logging"
)

// LogRecordsMetric counts warn and error log records, labelled by level.
const LogRecordsMetric = "log_records_total"

// LogCounter is a logging.LogExporter that counts warn and error records
// into a Sink, as log_records_total:warn and log_records_total:error.
//
// # Description
//
// The logger is built before the sinks, which log through it, so the sink
// is attached later. Records seen before Attach are held as counts and
// replayed on Attach. Records after Close are ignored.
//
// # Thread Safety
//
// Safe for concurrent use.
type LogCounter struct {
	mu      sync.Mutex
	sink    Sink
	pending map[string]int64
	closed  bool
}

// NewLogCounter creates a LogCounter with no sink attached.
func NewLogCounter() *LogCounter {
	return &LogCounter{pending: make(map[string]int64)}
}

// Attach sets the sink and flushes counts gathered so far into it.
func (c *LogCounter) Attach(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	for name, n := range c.pending {
		sink.Increment(name, n)
	}
	c.pending = make(map[string]int64)
}

// Export implements logging.LogExporter.
func (c *LogCounter) Export(_ context.Context, entry logging.LogEntry) error {
	if entry.Level < logging.LevelWarn {
		return nil
	}
	name := LogRecordsMetric + ":" + strings.ToLower(entry.Level.String())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	sink := c.sink
	if sink == nil {
		c.pending[name]++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sink.Increment(name, 1)
	return nil
}

// Flush implements logging.LogExporter. Counts are never buffered once a
// sink is attached.
func (c *LogCounter) Flush(context.Context) error {
	return nil
}

// Close implements logging.LogExporter.
func (c *LogCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
