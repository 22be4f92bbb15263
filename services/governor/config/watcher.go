// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by writing a temporary file and renaming it over the original are
// seen. Bursts of events are debounced. A file that fails to load is
// logged and ignored; the callback only ever sees valid configs.
//
// # Thread Safety
//
// Run must be called once. The callback runs on the Run goroutine.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(GovernorConfig)
	logger   *slog.Logger
	debounce time.Duration

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewWatcher starts watching path's directory.
//
// # Inputs
//
//   - path: config file. Must be inside an existing directory.
//   - onChange: receives each successfully reloaded config.
//   - logger: nil uses slog.Default().
func NewWatcher(path string, onChange func(GovernorConfig), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		fsw:      fsw,
		onChange: onChange,
		logger:   logger.With("component", "config_watcher", "path", abs),
		debounce: defaultDebounce,
	}, nil
}

// Run processes events until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Failures returns the number of reloads rejected as invalid.
func (w *Watcher) Failures() int64 {
	return w.failures.Load()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("config reload rejected", "error", err)
		return
	}
	w.reloads.Add(1)
	w.logger.Info("config reloaded",
		"default_strategy", cfg.Housekeeper.DefaultStrategy,
		"strategies", len(cfg.Housekeeper.Strategies))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
