// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "balanced", false},
		{"single char", "a", false},
		{"with digit", "tier2", false},
		{"underscore", "low_mem", false},
		{"hyphen", "night-shift", false},
		{"max length", strings.Repeat("a", 32), false},

		// Invalid names
		{"empty", "", true},
		{"uppercase", "Balanced", true},
		{"too long", strings.Repeat("a", 33), true},
		{"starts with digit", "2fast", true},
		{"starts with hyphen", "-x", true},
		{"space", "low mem", true},
		{"path", "../etc", true},
		{"label injection", `chat",role="x`, true},
		{"newline", "chat\nvision", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNames(t *testing.T) {
	if err := ValidateNames(map[string]uint{"chat": 1, "embeddings": 2}); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}
	if err := ValidateNames(map[string]int{}); err != nil {
		t.Errorf("empty table rejected: %v", err)
	}

	err := ValidateNames(map[string]int{"ok": 1, "Zeta": 2, "Alpha": 3})
	if err == nil {
		t.Fatal("expected error for invalid keys")
	}
	if !strings.Contains(err.Error(), `["Alpha" "Zeta"]`) {
		t.Errorf("error should list invalid keys in order, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	got, err := SanitizeName("  Aggressive ")
	if err != nil {
		t.Fatalf("SanitizeName: %v", err)
	}
	if got != "aggressive" {
		t.Errorf("SanitizeName = %q, want aggressive", got)
	}
	if _, err := SanitizeName("bad name"); err == nil {
		t.Error("expected error for name with a space")
	}
}
