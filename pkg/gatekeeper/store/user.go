// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// OnJoin is the per-user policy tag applied when the user joins a
// managed room.
type OnJoin string

const (
	OnJoinNone      OnJoin = ""
	OnJoinMute      OnJoin = "mute"
	OnJoinBan       OnJoin = "ban"
	OnJoinWhitelist OnJoin = "whitelist"
)

// Tally counts by key, split by who acted on whom.
type Tally struct {
	Self map[string]int `json:"self"`
	Sent map[string]int `json:"sent"`
	Recv map[string]int `json:"recv"`
}

func newTally() Tally {
	return Tally{
		Self: make(map[string]int),
		Sent: make(map[string]int),
		Recv: make(map[string]int),
	}
}

func (t *Tally) fill() {
	if t.Self == nil {
		t.Self = make(map[string]int)
	}
	if t.Sent == nil {
		t.Sent = make(map[string]int)
	}
	if t.Recv == nil {
		t.Recv = make(map[string]int)
	}
}

// RoomLedger is the activity of one user in one room.
type RoomLedger struct {
	// Events counts events sent by type.
	Events    map[string]int `json:"events"`
	// Redacted counts redactions by the type of the redacted event.
	Redacted  Tally          `json:"redacted"`
	// Reactions counts reactions by key.
	Reactions Tally          `json:"reactions"`
}

// UserRecord is the persisted document for one user.
type UserRecord struct {
	ID        id.UserID                 `json:"_id"`
	FirstSeen jsontime.UnixMilli        `json:"first_seen"`
	Rooms     map[id.RoomID]*RoomLedger `json:"rooms"`
	OnJoin    OnJoin                    `json:"onjoin,omitempty"`
	Version   uint64                    `json:"_v"`
}

// NewUserRecord creates an empty record first seen at now.
func NewUserRecord(userID id.UserID, now time.Time) *UserRecord {
	return &UserRecord{
		ID:        userID,
		FirstSeen: jsontime.UM(now),
		Rooms:     make(map[id.RoomID]*RoomLedger),
	}
}

// Room returns the ledger for roomID, creating it when missing.
func (u *UserRecord) Room(roomID id.RoomID) *RoomLedger {
	if u.Rooms == nil {
		u.Rooms = make(map[id.RoomID]*RoomLedger)
	}
	rl := u.Rooms[roomID]
	if rl == nil {
		rl = &RoomLedger{
			Events:    make(map[string]int),
			Redacted:  newTally(),
			Reactions: newTally(),
		}
		u.Rooms[roomID] = rl
		return rl
	}
	if rl.Events == nil {
		rl.Events = make(map[string]int)
	}
	rl.Redacted.fill()
	rl.Reactions.fill()
	return rl
}

// Seen lowers FirstSeen to t if t is earlier. It never moves it forward.
func (u *UserRecord) Seen(t time.Time) {
	if t.IsZero() {
		return
	}
	if u.FirstSeen.IsZero() || t.Before(u.FirstSeen.Time) {
		u.FirstSeen = jsontime.UM(t)
	}
}

// EventCount sums the events of type across rooms.
func (u *UserRecord) EventCount(eventType string) int {
	n := 0
	for _, rl := range u.Rooms {
		n += rl.Events[eventType]
	}
	return n
}

// ReactionsReceived sums received reactions across rooms and keys.
func (u *UserRecord) ReactionsReceived() int {
	n := 0
	for _, rl := range u.Rooms {
		for _, c := range rl.Reactions.Recv {
			n += c
		}
	}
	return n
}
