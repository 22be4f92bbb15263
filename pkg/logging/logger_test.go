// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{" warn ", LevelWarn, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"verbose", LevelInfo, false},
		{"", LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if got := Level(42).toSlogLevel(); got != slog.LevelInfo {
		t.Errorf("unknown level maps to %v, want Info", got)
	}
	if got := LevelWarn.toSlogLevel(); got != slog.LevelWarn {
		t.Errorf("LevelWarn maps to %v", got)
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: boolPtr(false), Service: "governor"})
	defer logger.Close()

	logger.Info("tick", "strategy", "balanced")

	out := buf.String()
	if !strings.Contains(out, "msg=tick") || !strings.Contains(out, "strategy=balanced") {
		t.Errorf("text output missing fields: %q", out)
	}
	if !strings.Contains(out, "service=governor") {
		t.Errorf("service attribute missing: %q", out)
	}
}

func TestNew_NonTerminalDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	defer logger.Close()

	logger.Info("request", "status", 200)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "request" || rec["status"] != float64(200) {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf, JSON: boolPtr(true)})
	defer logger.Close()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	if strings.Contains(out, `"msg":"debug"`) || strings.Contains(out, `"msg":"info"`) {
		t.Errorf("records below Warn leaked: %q", out)
	}
	if !strings.Contains(out, `"msg":"warn"`) || !strings.Contains(out, `"msg":"error"`) {
		t.Errorf("records at or above Warn missing: %q", out)
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Error("dropped")

	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestLogger_WithAndSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: boolPtr(true)})
	defer logger.Close()

	child := logger.With("component", "housekeeper")
	child.Slog().Info("tick")

	if !strings.Contains(buf.String(), `"component":"housekeeper"`) {
		t.Errorf("child attribute missing: %q", buf.String())
	}
	if child.FilePath() != logger.FilePath() {
		t.Error("child should share the parent's file")
	}
}

func TestLogger_SetDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: boolPtr(true)})
	defer logger.Close()
	logger.SetDefault()

	slog.Info("via default")

	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("slog.Default not replaced: %q", buf.String())
	}
}

// =============================================================================
// File Tests
// =============================================================================

func TestNew_WithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: dir, Service: "governor", JSON: boolPtr(false)})

	logger.Info("hello", "k", "v")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := logger.FilePath()
	if filepath.Dir(path) != dir || !strings.HasPrefix(filepath.Base(path), "governor_") {
		t.Errorf("unexpected file path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file output is not JSON: %q", data)
	}
	if rec["msg"] != "hello" || rec["service"] != "governor" {
		t.Errorf("unexpected file record: %v", rec)
	}
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("stderr copy missing: %q", buf.String())
	}
}

func TestNew_WithFileName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, FileName: "governor-test.log"})
	logger.Info("x")
	_ = logger.Close()

	if logger.FilePath() != filepath.Join(dir, "governor-test.log") {
		t.Errorf("FilePath() = %q", logger.FilePath())
	}
}

func TestNew_WithLogDir_Unwritable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: filepath.Join(blocker, "logs")})
	defer logger.Close()

	logger.Info("still works")

	if logger.FilePath() != "" {
		t.Errorf("file logging should be disabled, got %q", logger.FilePath())
	}
	if !strings.Contains(buf.String(), "still works") {
		t.Error("stderr output lost when file logging failed")
	}
}

func TestLogger_CloseTwice(t *testing.T) {
	logger := New(Config{Quiet: true, LogDir: t.TempDir()})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.aleutian/logs"); got != filepath.Join(home, ".aleutian/logs") {
		t.Errorf("expandPath(~) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestExporter_ReceivesEntries(t *testing.T) {
	exp := newBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelInfo, Service: "governor", Exporter: exp})

	logger.With("component", "api").Info("request", "status", 429)
	logger.Debug("filtered")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Message != "request" || e.Level != LevelInfo || e.Service != "governor" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Attrs["component"] != "api" || e.Attrs["status"] != int64(429) {
		t.Errorf("unexpected attrs: %v", e.Attrs)
	}
	if !exp.Closed() {
		t.Error("exporter not flushed and closed")
	}
}

type failingExporter struct {
	*bufferedExporter
}

func (f *failingExporter) Flush(context.Context) error { return errors.New("flush failed") }
func (f *failingExporter) Close() error                { return errors.New("close failed") }

func TestLogger_Close_CollectsErrors(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{newBufferedExporter()}})

	err := logger.Close()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "flush failed") || !strings.Contains(err.Error(), "close failed") {
		t.Errorf("both failures should be reported: %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := newBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Info("tick", "worker", n)
			}
		}(i)
	}
	wg.Wait()
	_ = logger.Close()

	if got := len(exp.Entries()); got != 200 {
		t.Errorf("exported %d entries, want 200", got)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Enabled(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}

	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be enabled by the second handler")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be disabled everywhere")
	}

	slog.New(h).WithGroup("g").With("k", "v").Info("only b")
	if a.Len() != 0 || !strings.Contains(b.String(), "g.k=v") {
		t.Errorf("a=%q b=%q", a.String(), b.String())
	}
}

// bufferedExporter keeps entries in memory.
type bufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func newBufferedExporter() *bufferedExporter {
	return &bufferedExporter{entries: make([]LogEntry, 0, 64)}
}

// Export appends the entry.
func (e *bufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush marks the exporter flushed.
func (e *bufferedExporter) Flush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushed = true
	return nil
}

// Close marks the exporter closed.
func (e *bufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Entries returns a copy of the collected entries.
func (e *bufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.entries...)
}

// Closed reports whether Flush and Close were both called.
func (e *bufferedExporter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushed && e.closed
}
