// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by the governor.
//
// # Description
//
// A Logger writes to stderr and, when LogDir is set, to a daily JSON file
// in that directory. Stderr output is human-readable text on a terminal
// and JSON otherwise, unless Config.JSON forces a format. An optional
// LogExporter receives every entry for shipping elsewhere.
//
// Components receive the *slog.Logger from Slog() so they depend only on
// the standard interface:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/logs",
//	    Service: "governor",
//	})
//	defer logger.Close()
//	hk, err := housekeeper.New(pol, table, housekeeper.Options{Logger: logger.Slog()})
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// Nothing is redacted. Do not log tokens or credentials.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" (any case)
// to a Level. Anything else is LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to
// stderr.
//
// # Fields
//
//   - Level: minimum level.
//   - LogDir: enables file logging. "~" is expanded. Created with 0750.
//   - FileName: file inside LogDir. Default "{Service}_{YYYY-MM-DD}.log".
//   - Service: added to every record as "service".
//   - JSON: forces the stderr format. Nil picks text on a terminal and
//     JSON otherwise. Files are always JSON.
//   - Quiet: disables stderr.
//   - Output: replaces stderr. Used by tests.
//   - Exporter: optional extra destination.
type Config struct {
	Level    Level
	LogDir   string
	FileName string
	Service  string
	JSON     *bool
	Quiet    bool
	Output   io.Writer
	Exporter LogExporter
}

// =============================================================================
// Export
// =============================================================================

// LogExporter ships entries to an external system.
//
// # Description
//
// Export is called on its own goroutine per entry and must not block for
// long. Flush and Close are called once, in that order, from
// Logger.Close.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one record handed to a LogExporter.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and open file behind a *slog.Logger.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	filePath string
	exporter LogExporter
	exports  *sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a Logger from config.
//
// # Description
//
// A log directory that cannot be created or a file that cannot be opened
// is reported on stderr and file logging is skipped; New never fails.
//
// # Outputs
//
//   - *Logger: must be closed to flush the file and the exporter.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
		exports:  &sync.WaitGroup{},
	}

	var handlers []slog.Handler
	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if useJSON(config.JSON, out) {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		if file, path, err := openLogFile(config); err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			logger.file = file
			logger.filePath = path
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	if config.Exporter != nil {
		handler = &exportHandler{
			next:     handler,
			exporter: config.Exporter,
			service:  config.Service,
			level:    config.Level,
			wg:       logger.exports,
		}
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default logs Info and above to stderr as service "aleutian".
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "aleutian"})
}

func useJSON(forced *bool, out io.Writer) bool {
	if forced != nil {
		return *forced
	}
	f, ok := out.(*os.File)
	if !ok {
		return true
	}
	fd := f.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func openLogFile(config Config) (*os.File, string, error) {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("creating %s: %w", dir, err)
	}
	name := config.FileName
	if name == "" {
		service := config.Service
		if service == "" {
			service = "aleutian"
		}
		name = fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", path, err)
	}
	return file, path, nil
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child sharing this Logger's file and exporter. Only the
// root Logger should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		filePath: l.filePath,
		exporter: l.exporter,
		exports:  l.exports,
	}
}

// Slog returns the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the open log file, or "" when file logging is off.
func (l *Logger) FilePath() string {
	return l.filePath
}

// SetDefault installs this Logger as slog's default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.slog)
}

// Close waits for pending exports, flushes and closes the exporter, then
// syncs and closes the log file. Every failure is returned. Calling Close
// twice is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var result *multierror.Error
	if l.exporter != nil {
		l.exports.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close exporter: %w", err))
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close log file: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var result *multierror.Error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler passes records on and copies them to a LogExporter.
// Attributes added through With are carried in attrs.
type exportHandler struct {
	next     slog.Handler
	exporter LogExporter
	service  string
	level    Level
	attrs    []slog.Attr
	wg       *sync.WaitGroup
}

func (h *exportHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.toSlogLevel() || h.next.Enabled(ctx, level)
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level < h.level.toSlogLevel() {
		return err
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	entry := LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		exportCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.exporter.Export(exportCtx, entry)
	}()
	return err
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.next = h.next.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.next = h.next.WithGroup(name)
	return &next
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
