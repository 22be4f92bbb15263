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

import "path/filepath"

// DefaultDirs returns the directories that always hold regenerable data:
// server logs, agent runtime scratch space and the model caches.
func DefaultDirs(modelsRoot string) []string {
	dirs := []string{"logs", filepath.Join("runtime", "agents")}
	if modelsRoot != "" {
		dirs = append(dirs,
			filepath.Join(modelsRoot, "_cache"),
			filepath.Join(modelsRoot, "cache"),
		)
	}
	return dirs
}

// ResolveDirs merges configured directories with defaults.
//
// Configured entries come first. Every entry is made absolute and cleaned,
// empty entries are dropped, and duplicates keep their first position.
func ResolveDirs(configured, defaults []string) []string {
	seen := make(map[string]struct{}, len(configured)+len(defaults))
	out := make([]string, 0, len(configured)+len(defaults))
	for _, group := range [][]string{configured, defaults} {
		for _, d := range group {
			if d == "" {
				continue
			}
			abs := absClean(d)
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	return out
}
