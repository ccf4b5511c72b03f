// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package trust scores users from their activity ledger and decides what
// happens to them when they join a managed room.
package trust

import (
	"fmt"
	"math"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

// Score is the derived trust of a user. It is never stored.
type Score struct {
	// Trust is the tier (0-4) plus, at tier 4, a fractional bonus.
	Trust     float64
	Tier      int
	Points    int
	Reactions int
	Days      float64
	// Msg summarizes the bonus components, e.g. "0.1a 0.3r 0.4d".
	Msg string
}

var tiers = []struct {
	tier     int
	days     float64
	activity int
}{
	{4, 14, 100},
	{3, 7, 50},
	{2, 1, 10},
	{1, 0, 1},
}

// Calc computes the score of rec at now. A nil record scores zero.
func Calc(rec *store.UserRecord, now time.Time) Score {
	if rec == nil {
		return Score{Msg: "0.0a 0.0r 0.0d"}
	}
	var s Score
	for _, r := range rec.Rooms {
		s.Points += r.Events[event.EventMessage.Type] + r.Events[event.EventReaction.Type]
		for _, n := range r.Reactions.Recv {
			s.Reactions += n
		}
	}
	s.Days = max(now.Sub(rec.FirstSeen.Time).Hours()/24, 0)
	activity := s.Points + s.Reactions

	for _, t := range tiers {
		if s.Days >= t.days && activity >= t.activity {
			s.Tier = t.tier
			break
		}
	}

	r := math.Sqrt(float64(s.Reactions)) / 10
	a := math.Sqrt(float64(activity)) / 100
	d := min(math.Sqrt(s.Days)/10, a+r)
	s.Trust = float64(s.Tier)
	if s.Tier >= 4 {
		s.Trust += r + a + d
	}
	s.Msg = fmt.Sprintf("%.1fa %.1fr %.1fd", a, r, d)
	return s
}
