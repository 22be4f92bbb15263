// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks operator-supplied identifiers before they reach
// metric labels, InfluxDB tags, log keys or URL paths.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// namePattern matches strategy and role names: a lowercase letter followed
// by up to 31 lowercase letters, digits, underscores or hyphens.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,31}$`)

// ValidateName checks a single strategy or role name.
//
// # Examples
//
//	if err := validation.ValidateName(name); err != nil {
//	    return fmt.Errorf("strategy: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q (must be 1-32 lowercase alphanumeric chars, underscores or hyphens, starting with a letter)", name)
	}
	return nil
}

// ValidateNames checks every key of a name-keyed table.
// The error lists all invalid keys in sorted order.
func ValidateNames[V any](table map[string]V) error {
	var invalid []string
	for name := range table {
		if ValidateName(name) != nil {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid names: %q", invalid)
	}
	return nil
}

// SanitizeName lowercases and trims a name, then validates it.
func SanitizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
