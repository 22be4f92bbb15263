// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package housekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
)

// ErrUnknownStrategy is returned when a strategy name is not registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// DefaultStrategy is the strategy used when none is configured.
const DefaultStrategy = "balanced"

// DefaultInterval is the tick period of DefaultPolicy.
const DefaultInterval = 10 * time.Second

// RAMPolicy holds the memory watermarks.
type RAMPolicy struct {
	SoftPct float64 `json:"soft_pct"`
	HardPct float64 `json:"hard_pct"`
}

// SSDPolicy holds the filesystem watermarks and eviction limits.
type SSDPolicy struct {
	// Path is any path on the filesystem to watch.
	Path string `json:"path"`

	SoftPct float64 `json:"soft_pct"`
	HardPct float64 `json:"hard_pct"`

	// MaxEvictPerTickBytes caps the eviction target of a single tick.
	MaxEvictPerTickBytes uint64 `json:"max_evict_per_tick_bytes"`

	// EvictDirs are scanned before the default directories.
	EvictDirs []string `json:"evict_dirs,omitempty"`
}

// FreeReserve is the memory kept back from headroom:
// max(MinBytes, total*Pct).
type FreeReserve struct {
	MinBytes uint64  `json:"min_bytes"`
	Pct      float64 `json:"pct"`
}

// Bytes returns the reserve for a host with total bytes of memory.
func (r FreeReserve) Bytes(total uint64) uint64 {
	pct := r.Pct
	if math.IsNaN(pct) || pct < 0 {
		pct = 0
	}
	byPct := uint64(float64(total) * pct)
	if byPct > r.MinBytes {
		return byPct
	}
	return r.MinBytes
}

// Policy is the complete set of knobs for one governance strategy.
//
// # Description
//
// A Policy is a value. The Housekeeper stores it behind an atomic pointer
// and replaces it wholesale, so a tick always sees one consistent policy.
// Thresholds is optional; the zero value means beacon.DefaultThresholds.
//
// # JSON
//
// Interval is encoded as "interval_s" in seconds.
type Policy struct {
	StrategyName   string            `json:"strategy"`
	Interval       time.Duration     `json:"-"`
	RAM            RAMPolicy         `json:"ram"`
	SSD            SSDPolicy         `json:"ssd"`
	ActionsEnabled bool              `json:"actions_enabled"`
	FreeReserve    FreeReserve       `json:"free_reserve"`
	Thresholds     beacon.Thresholds `json:"-"`
}

// DefaultPolicy returns the "balanced" strategy.
func DefaultPolicy() Policy {
	return Policy{
		StrategyName: DefaultStrategy,
		Interval:     DefaultInterval,
		RAM:          RAMPolicy{SoftPct: beacon.DefaultSoftPct, HardPct: beacon.DefaultHardPct},
		SSD: SSDPolicy{
			Path:                 ".",
			SoftPct:              beacon.DefaultSoftPct,
			HardPct:              beacon.DefaultHardPct,
			MaxEvictPerTickBytes: 1 * beacon.GiB,
		},
		FreeReserve: FreeReserve{MinBytes: 8 * beacon.GiB, Pct: 0.10},
	}
}

// MarshalJSON implements json.Marshaler.
func (p Policy) MarshalJSON() ([]byte, error) {
	type plain Policy
	return json.Marshal(struct {
		plain
		IntervalS float64 `json:"interval_s"`
	}{plain(p), p.Interval.Seconds()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type plain Policy
	aux := struct {
		plain
		IntervalS float64 `json:"interval_s"`
	}{plain(*p), p.Interval.Seconds()}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Policy(aux.plain)
	p.Interval = time.Duration(aux.IntervalS * float64(time.Second))
	return nil
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	if p.SSD.EvictDirs != nil {
		p.SSD.EvictDirs = append([]string(nil), p.SSD.EvictDirs...)
	}
	return p
}

// Validate checks the policy for values the loop cannot run with.
func (p Policy) Validate() error {
	switch {
	case p.StrategyName == "":
		return fmt.Errorf("%w: strategy name is empty", ErrInvalidPolicy)
	case p.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidPolicy, p.Interval)
	case !validPct(p.RAM.SoftPct) || !validPct(p.RAM.HardPct):
		return fmt.Errorf("%w: ram watermarks must be within [0,1]", ErrInvalidPolicy)
	case p.RAM.SoftPct > p.RAM.HardPct:
		return fmt.Errorf("%w: ram soft_pct %.2f exceeds hard_pct %.2f", ErrInvalidPolicy, p.RAM.SoftPct, p.RAM.HardPct)
	case !validPct(p.SSD.SoftPct) || !validPct(p.SSD.HardPct):
		return fmt.Errorf("%w: ssd watermarks must be within [0,1]", ErrInvalidPolicy)
	case p.SSD.SoftPct > p.SSD.HardPct:
		return fmt.Errorf("%w: ssd soft_pct %.2f exceeds hard_pct %.2f", ErrInvalidPolicy, p.SSD.SoftPct, p.SSD.HardPct)
	case p.SSD.Path == "":
		return fmt.Errorf("%w: ssd path is empty", ErrInvalidPolicy)
	case !validPct(p.FreeReserve.Pct):
		return fmt.Errorf("%w: free_reserve pct must be within [0,1]", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) thresholds() beacon.Thresholds {
	if p.Thresholds == (beacon.Thresholds{}) {
		return beacon.DefaultThresholds()
	}
	return p.Thresholds
}

func validPct(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Strategies maps strategy names to policies.
type Strategies map[string]Policy

// Names returns the registered names in sorted order.
func (s Strategies) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named policy with StrategyName set to name.
func (s Strategies) Lookup(name string) (Policy, error) {
	p, ok := s[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	p = p.Clone()
	p.StrategyName = name
	return p, nil
}

func (s Strategies) clone() Strategies {
	out := make(Strategies, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}
