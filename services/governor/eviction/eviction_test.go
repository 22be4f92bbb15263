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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kib = uint64(1 << 10)
	mib = uint64(1 << 20)
	gib = uint64(1 << 30)
)

// writeFile creates a file of size bytes with the given age.
func writeFile(t *testing.T, path string, size uint64, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o640))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

// =============================================================================
// ComputeTarget Tests
// =============================================================================

func TestComputeTarget(t *testing.T) {
	tests := []struct {
		name string
		disk hoststats.DiskStats
		soft float64
		max  uint64
		want uint64
	}{
		{
			name: "below soft watermark",
			disk: hoststats.DiskStats{Total: 100 * gib, Free: 50 * gib, Pressure: 0.5},
			soft: 0.75, max: 10 * gib, want: 0,
		},
		{
			name: "capped by max per tick",
			disk: hoststats.DiskStats{Total: 100 * gib, Free: 10 * gib, Pressure: 0.9},
			soft: 0.75, max: 2 * gib, want: 2 * gib,
		},
		{
			name: "deficit below cap",
			disk: hoststats.DiskStats{Total: 100 * gib, Free: 20 * gib, Pressure: 0.8},
			soft: 0.75, max: 10 * gib, want: 5 * gib,
		},
		{
			name: "at watermark with no deficit",
			disk: hoststats.DiskStats{Total: 100 * gib, Free: 25 * gib, Pressure: 0.75},
			soft: 0.75, max: 10 * gib, want: 0,
		},
		{
			name: "degraded sample",
			disk: hoststats.DiskStats{},
			soft: 0.75, max: 10 * gib, want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTarget(tt.disk, tt.soft, tt.max))
		})
	}
}

// =============================================================================
// Planner Tests
// =============================================================================

func TestPlanner_ZeroTargetIsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), kib, time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(), []string{dir}, 0)

	assert.True(t, plan.Empty())
	assert.Zero(t, plan.PlannedBytes)
}

func TestPlanner_OldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "newest.bin"), 100*kib, 1*time.Hour)
	writeFile(t, filepath.Join(dir, "middle.bin"), 100*kib, 2*time.Hour)
	writeFile(t, filepath.Join(dir, "sub", "oldest.bin"), 100*kib, 3*time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(), []string{dir}, 150*kib)

	require.Equal(t, 2, plan.Files())
	assert.Equal(t, "oldest.bin", filepath.Base(plan.Candidates[0].Path))
	assert.Equal(t, "middle.bin", filepath.Base(plan.Candidates[1].Path))
	assert.Equal(t, 200*kib, plan.PlannedBytes)
	assert.Equal(t, 150*kib, plan.TargetBytes)
}

func TestPlanner_ExhaustsCandidates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), 10*kib, time.Hour)
	writeFile(t, filepath.Join(dir, "b.bin"), 10*kib, 2*time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(), []string{dir}, gib)

	assert.Equal(t, 2, plan.Files())
	assert.Equal(t, 20*kib, plan.PlannedBytes)
}

func TestPlanner_SkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".git", "objects", "pack"), kib, 10*time.Hour)
	writeFile(t, filepath.Join(dir, ".hidden", "old.bin"), kib, 9*time.Hour)
	writeFile(t, filepath.Join(dir, "visible.bin"), kib, time.Hour)
	writeFile(t, filepath.Join(dir, ".dotfile"), kib, 2*time.Hour)

	files := NewPlanner(nil).List(context.Background(), []string{dir})

	require.Len(t, files, 2)
	assert.Equal(t, ".dotfile", filepath.Base(files[0].Path))
	assert.Equal(t, "visible.bin", filepath.Base(files[1].Path))
}

func TestPlanner_HiddenRootIsScanned(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".cache")
	writeFile(t, filepath.Join(dir, "blob"), kib, time.Hour)

	files := NewPlanner(nil).List(context.Background(), []string{dir})

	assert.Len(t, files, 1)
}

func TestPlanner_MissingDirsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), kib, time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(),
		[]string{filepath.Join(dir, "nope"), "", dir}, kib)

	assert.Equal(t, 1, plan.Files())
}

func TestPlanner_OverlappingRootsNoDuplicates(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	writeFile(t, filepath.Join(nested, "a.bin"), kib, 2*time.Hour)
	writeFile(t, filepath.Join(dir, "b.bin"), kib, time.Hour)

	files := NewPlanner(nil).List(context.Background(), []string{dir, nested, dir + "/"})

	require.Len(t, files, 2)
	seen := map[string]bool{}
	for _, f := range files {
		assert.False(t, seen[f.Path], "duplicate %s", f.Path)
		seen[f.Path] = true
	}
}

func TestPlanner_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), kib, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := NewPlanner(nil).Plan(ctx, []string{dir}, gib)

	assert.True(t, plan.Empty())
}

// =============================================================================
// Executor Tests
// =============================================================================

func TestExecutor_DryRunNeverRemoves(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), 700*kib, 3*time.Hour)
	writeFile(t, filepath.Join(dir, "b.bin"), 500*kib, 2*time.Hour)
	writeFile(t, filepath.Join(dir, "c.bin"), 300*kib, 1*time.Hour)

	planner := NewPlanner(nil)
	exec := NewExecutor(nil)

	for i := 0; i < 3; i++ {
		plan := planner.Plan(context.Background(), []string{dir}, 2*mib)
		res := exec.Execute(context.Background(), plan, false)

		assert.True(t, res.DryRun)
		assert.Zero(t, res.DoneBytes)
		assert.Zero(t, res.RemovedFiles)
		assert.Equal(t, 3, res.PlannedFiles)
		assert.Equal(t, 1500*kib, res.PlannedBytes)
		assert.Equal(t, 3, countFiles(t, dir))
	}
}

func TestExecutor_RemovesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), 700*kib, 3*time.Hour)
	writeFile(t, filepath.Join(dir, "b.bin"), 500*kib, 2*time.Hour)
	writeFile(t, filepath.Join(dir, "c.bin"), 300*kib, 1*time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(), []string{dir}, 1*mib)
	res := NewExecutor(nil).Execute(context.Background(), plan, true)

	require.NoError(t, res.Err)
	assert.False(t, res.DryRun)
	assert.Equal(t, 2, res.RemovedFiles)
	assert.Equal(t, 1200*kib, res.DoneBytes)
	assert.LessOrEqual(t, res.DoneBytes, res.PlannedBytes)
	assert.NoFileExists(t, filepath.Join(dir, "a.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "b.bin"))
	assert.FileExists(t, filepath.Join(dir, "c.bin"))
}

func TestExecutor_VanishedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), 100*kib, 2*time.Hour)
	writeFile(t, filepath.Join(dir, "b.bin"), 100*kib, 1*time.Hour)

	plan := NewPlanner(nil).Plan(context.Background(), []string{dir}, gib)
	require.NoError(t, os.Remove(filepath.Join(dir, "a.bin")))

	res := NewExecutor(nil).Execute(context.Background(), plan, true)

	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.RemovedFiles)
	assert.Zero(t, res.FailedFiles)
	assert.Equal(t, 100*kib, res.DoneBytes)
	assert.Equal(t, 200*kib, res.PlannedBytes)
}

func TestExecutor_FailureDoesNotAbort(t *testing.T) {
	plan := Plan{
		Candidates: []Candidate{
			{Path: "/x/one", Size: 10},
			{Path: "/x/two", Size: 20},
			{Path: "/x/three", Size: 30},
		},
		PlannedBytes: 60,
	}
	denied := errors.New("permission denied")
	var removed []string
	remove := func(path string) error {
		if path == "/x/two" {
			return denied
		}
		removed = append(removed, path)
		return nil
	}

	res := NewExecutorWithRemover(remove, nil).Execute(context.Background(), plan, true)

	assert.Equal(t, []string{"/x/one", "/x/three"}, removed)
	assert.Equal(t, uint64(40), res.DoneBytes)
	assert.Equal(t, 1, res.FailedFiles)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, denied)
}

func TestExecutor_ContextCancelledStops(t *testing.T) {
	plan := Plan{Candidates: []Candidate{{Path: "/x/one", Size: 1}}, PlannedBytes: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false

	res := NewExecutorWithRemover(func(string) error {
		called = true
		return nil
	}, nil).Execute(ctx, plan, true)

	assert.False(t, called)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, res.DoneBytes)
}

// =============================================================================
// ResolveDirs Tests
// =============================================================================

func TestResolveDirs(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	b := filepath.Join(base, "b")

	got := ResolveDirs([]string{a, "", a + "/", b}, []string{b, filepath.Join(base, "c")})

	assert.Equal(t, []string{a, b, filepath.Join(base, "c")}, got)
}

func TestDefaultDirs(t *testing.T) {
	dirs := DefaultDirs("/srv/models")
	assert.Equal(t, []string{
		"logs",
		filepath.Join("runtime", "agents"),
		"/srv/models/_cache",
		"/srv/models/cache",
	}, dirs)

	assert.Len(t, DefaultDirs(""), 2)
}
