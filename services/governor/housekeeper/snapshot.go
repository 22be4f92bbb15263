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
	"time"

	"github.com/AleutianAI/AleutianGovernor/services/governor/beacon"
	"github.com/AleutianAI/AleutianGovernor/services/governor/eviction"
	"github.com/AleutianAI/AleutianGovernor/services/governor/hoststats"
)

// RAMSnapshot is the memory block of a Snapshot.
type RAMSnapshot struct {
	hoststats.MemoryStats

	FreeReserve uint64        `json:"free_reserve"`
	Headroom    int64         `json:"headroom"`
	ProcessRSS  uint64        `json:"llm_rss"`
	OSAppsRSS   uint64        `json:"os_apps_rss"`
	Beacon      beacon.Beacon `json:"beacon"`
}

// SSDSnapshot is the filesystem block of a Snapshot.
type SSDSnapshot struct {
	hoststats.DiskStats

	Beacon beacon.Beacon `json:"beacon"`
}

// EvictionSnapshot is the eviction block of a Snapshot.
type EvictionSnapshot struct {
	eviction.Result

	TargetBytes uint64   `json:"target_bytes"`
	Candidates  []string `json:"candidates,omitempty"`
}

// Snapshot is the published result of one tick.
//
// # Description
//
// Snapshots are immutable once published. Readers receive the pointer that
// was current at the time of the call and never observe a partially
// written tick.
type Snapshot struct {
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	Strategy  string           `json:"strategy"`
	RAM       RAMSnapshot      `json:"ram"`
	SSD       SSDSnapshot      `json:"ssd"`
	Eviction  EvictionSnapshot `json:"eviction"`
}

// Beacons is the pair of signals shown on dashboards.
type Beacons struct {
	RAM beacon.Beacon `json:"ram"`
	SSD beacon.Beacon `json:"ssd"`
}

// Beacons returns the snapshot's signals.
func (s *Snapshot) Beacons() Beacons {
	return Beacons{RAM: s.RAM.Beacon, SSD: s.SSD.Beacon}
}
