// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package trust

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// FloodCounter counts joins per room within the current window. Thread-safe.
type FloodCounter struct {
	mu        sync.Mutex
	threshold int
	joins     map[id.RoomID]int
}

// NewFloodCounter creates a counter that trips at threshold joins.
func NewFloodCounter(threshold int) *FloodCounter {
	if threshold <= 0 {
		threshold = 10
	}
	return &FloodCounter{threshold: threshold, joins: make(map[id.RoomID]int)}
}

// Join records one join in roomID. tripped is true exactly once per
// window, on the join that reaches the threshold.
func (f *FloodCounter) Join(roomID id.RoomID) (count int, tripped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[roomID]++
	count = f.joins[roomID]
	return count, count == f.threshold
}

// Count returns the joins recorded in roomID this window.
func (f *FloodCounter) Count(roomID id.RoomID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[roomID]
}

// Reset starts a new window.
func (f *FloodCounter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.joins)
}
