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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig configures InfluxSink.
type InfluxConfig struct {
	// URL of the InfluxDB v2 server. Empty disables the sink.
	URL string `yaml:"url" json:"url"`

	// Token authenticates writes.
	Token string `yaml:"token" json:"-"`

	// Org and Bucket select the write destination.
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`

	// Measurement names the points. Default "aleutian_governor".
	Measurement string `yaml:"measurement" json:"measurement"`

	// FlushInterval bounds how long a point waits before being written.
	// Default 5s.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// BatchSize is the number of points written per request. Default 100.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// QueueSize bounds the points buffered between writes. When full, new
	// points are dropped. Default 1000.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

func (c InfluxConfig) withDefaults() InfluxConfig {
	if c.Measurement == "" {
		c.Measurement = "aleutian_governor"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	return c
}

// InfluxSink writes metric updates to InfluxDB as points.
//
// # Description
//
// Each update becomes one point in Measurement tagged with "metric" (and
// "key" for labelled names) and a single "value" field. Counters are
// written as running totals so the series can be graphed without a
// cumulative sum. Points are queued and written in batches by a background
// goroutine, so recording never waits on the network.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called to flush and release the
// writer goroutine.
type InfluxSink struct {
	cfg    InfluxConfig
	writer api.WriteAPIBlocking
	client influxdb2.Client
	logger *slog.Logger

	mu       sync.RWMutex
	closed   bool
	points   chan *write.Point
	done     chan struct{}
	totalsMu sync.Mutex
	totals   map[string]int64
	dropped  atomic.Int64
	written  atomic.Int64
	now      func() time.Time
}

// NewInfluxSink connects to the server named in cfg.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewInfluxSinkWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, logger)
	s.client = client
	return s
}

// NewInfluxSinkWithWriter creates a sink on an existing writer.
func NewInfluxSinkWithWriter(writer api.WriteAPIBlocking, cfg InfluxConfig, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &InfluxSink{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		points: make(chan *write.Point, cfg.QueueSize),
		done:   make(chan struct{}),
		totals: make(map[string]int64),
		now:    time.Now,
	}
	go s.run()
	return s
}

// Increment implements Sink.
func (s *InfluxSink) Increment(name string, n int64) {
	s.totalsMu.Lock()
	s.totals[name] += n
	total := s.totals[name]
	s.totalsMu.Unlock()
	s.enqueue(name, total)
}

// Observe implements Sink.
func (s *InfluxSink) Observe(name string, value float64) {
	s.enqueue(name, value)
}

// ObserveDuration implements Sink. The _ms suffix goes on the metric,
// never on the key.
func (s *InfluxSink) ObserveDuration(name string, d time.Duration) {
	base, label := splitName(name)
	s.enqueuePoint(base+"_ms", label, float64(d)/float64(time.Millisecond))
}

// Dropped returns the number of points discarded because the queue was
// full or the sink was closed.
func (s *InfluxSink) Dropped() int64 {
	return s.dropped.Load()
}

// Written returns the number of points the server accepted.
func (s *InfluxSink) Written() int64 {
	return s.written.Load()
}

// Close flushes queued points and stops the writer goroutine.
func (s *InfluxSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.points)
	s.mu.Unlock()

	<-s.done
	if s.client != nil {
		s.client.Close()
	}
}

func (s *InfluxSink) enqueue(name string, value interface{}) {
	base, label := splitName(name)
	s.enqueuePoint(base, label, value)
}

func (s *InfluxSink) enqueuePoint(base, label string, value interface{}) {
	tags := map[string]string{"metric": base}
	if label != "" {
		tags["key"] = label
	}
	p := influxdb2.NewPoint(s.cfg.Measurement, tags, map[string]interface{}{"value": value}, s.now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.points <- p:
	default:
		s.dropped.Add(1)
	}
}

func (s *InfluxSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.writer.WritePoint(ctx, batch...)
		cancel()
		if err != nil {
			s.logger.Warn("influx write failed", "points", len(batch), "error", err)
		} else {
			s.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case p, ok := <-s.points:
			if !ok {
				flush()
				return
			}
			batch = append(batch, p)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
