// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eviction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
)

// Result summarizes one execution of a Plan.
//
// # Fields
//
//   - PlannedBytes, PlannedFiles: totals of the plan, reported in dry runs too.
//   - DoneBytes: planned size of files actually removed. Always <= PlannedBytes.
//   - RemovedFiles: number of files actually removed.
//   - FailedFiles: removals that failed for reasons other than the file
//     having already vanished.
//   - DryRun: true when actions were disabled and nothing was touched.
//   - Err: aggregated removal failures, nil when none.
type Result struct {
	PlannedBytes uint64 `json:"planned_bytes"`
	DoneBytes    uint64 `json:"done_bytes"`
	PlannedFiles int    `json:"planned_files"`
	RemovedFiles int    `json:"removed_files"`
	FailedFiles  int    `json:"failed_files"`
	DryRun       bool   `json:"dry_run"`
	Err          error  `json:"-"`
}

// RemoveFunc deletes one file.
type RemoveFunc func(path string) error

// Executor carries out eviction plans.
//
// # Thread Safety
//
// Safe for concurrent use, although two executors racing on the same plan
// will see each other's removals as vanished files.
type Executor struct {
	remove RemoveFunc
	logger *slog.Logger
}

// NewExecutor creates an Executor that deletes with os.Remove.
func NewExecutor(logger *slog.Logger) *Executor {
	return NewExecutorWithRemover(os.Remove, logger)
}

// NewExecutorWithRemover creates an Executor with a custom delete function.
// A nil remove uses os.Remove; a nil logger uses slog.Default().
func NewExecutorWithRemover(remove RemoveFunc, logger *slog.Logger) *Executor {
	if remove == nil {
		remove = os.Remove
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{remove: remove, logger: logger}
}

// Execute removes the plan's files in order.
//
// # Description
//
// With actionsEnabled false nothing is touched and the result is a dry run
// reporting the plan's totals with DoneBytes 0. Otherwise each file is
// removed in plan order. A failure on one file is logged and the rest of
// the plan continues. A file that has already vanished is skipped without
// counting as done or failed.
//
// # Inputs
//
//   - ctx: checked between removals. Cancellation stops the run early and is
//     recorded in Result.Err.
//   - plan: files to remove.
//   - actionsEnabled: global kill switch for destructive work.
//
// # Outputs
//
//   - Result: never nil-valued; Err aggregates per-file failures.
func (e *Executor) Execute(ctx context.Context, plan Plan, actionsEnabled bool) Result {
	res := Result{
		PlannedBytes: plan.PlannedBytes,
		PlannedFiles: plan.Files(),
		DryRun:       !actionsEnabled,
	}
	if !actionsEnabled || plan.Empty() {
		return res
	}

	var errs *multierror.Error
	for _, c := range plan.Candidates {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("eviction stopped: %w", err))
			break
		}
		if err := e.remove(c.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				e.logger.Debug("eviction candidate vanished", "path", c.Path)
				continue
			}
			res.FailedFiles++
			errs = multierror.Append(errs, fmt.Errorf("remove %s: %w", c.Path, err))
			e.logger.Warn("eviction failed", "path", c.Path, "error", err)
			continue
		}
		res.RemovedFiles++
		res.DoneBytes += c.Size
	}
	res.Err = errs.ErrorOrNil()
	return res
}
