// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package roomstate mirrors the current state of every joined room: the
// latest event for each (type, state key) slot and the latest membership
// event for each user.
package roomstate

import (
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
)

type room struct {
	state   map[evt.StateKey]*evt.Event
	members map[id.UserID]*evt.Event
}

func newRoom() *room {
	return &room{
		state:   make(map[evt.StateKey]*evt.Event),
		members: make(map[id.UserID]*evt.Event),
	}
}

// Cache holds the state of all rooms. Thread-safe.
type Cache struct {
	mu    sync.RWMutex
	rooms map[id.RoomID]*room
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{rooms: make(map[id.RoomID]*room)}
}

// Apply stores e in its state slot, replacing what was there. Events
// without a state key are ignored. The last applied event wins.
func (c *Cache) Apply(e *evt.Event) {
	if e == nil || !e.IsState() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rooms[e.RoomID]
	if r == nil {
		r = newRoom()
		c.rooms[e.RoomID] = r
		metrics.LiveRooms.Set(float64(len(c.rooms)))
	}
	if _, ok := e.Payload.(evt.Membership); ok {
		r.members[id.UserID(*e.StateKey)] = e
		return
	}
	r.state[e.Key()] = e
}

// Ensure registers roomID so it is listed even before any state arrives.
func (c *Cache) Ensure(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = newRoom()
		metrics.LiveRooms.Set(float64(len(c.rooms)))
	}
}

// Has reports whether roomID is cached.
func (c *Cache) Has(roomID id.RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID] != nil
}

// Rooms lists the cached room ids in sorted order.
func (c *Cache) Rooms() []id.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]id.RoomID, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	slices.Sort(out)
	return out
}

// State returns the event in a state slot, or nil.
func (c *Cache) State(roomID id.RoomID, eventType, stateKey string) *evt.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.rooms[roomID]
	if r == nil {
		return nil
	}
	if eventType == event.StateMember.Type {
		return r.members[id.UserID(stateKey)]
	}
	return r.state[evt.StateKey{Type: eventType, StateKey: stateKey}]
}

// Member returns the latest membership event of userID, or nil.
func (c *Cache) Member(roomID id.RoomID, userID id.UserID) *evt.Event {
	return c.State(roomID, event.StateMember.Type, string(userID))
}

func membershipOf(e *evt.Event) (evt.Membership, bool) {
	if e == nil {
		return evt.Membership{}, false
	}
	m, ok := e.Payload.(evt.Membership)
	return m, ok && m.MemberEventContent != nil
}

// Membership returns the current membership of userID, empty if unknown.
func (c *Cache) Membership(roomID id.RoomID, userID id.UserID) event.Membership {
	m, ok := membershipOf(c.Member(roomID, userID))
	if !ok {
		return ""
	}
	return m.Membership
}

// DisplayName returns the member's display name, falling back to the
// localpart of the user id.
func (c *Cache) DisplayName(roomID id.RoomID, userID id.UserID) string {
	if m, ok := membershipOf(c.Member(roomID, userID)); ok && m.Displayname != "" {
		return m.Displayname
	}
	if local := userID.Localpart(); local != "" {
		return local
	}
	return string(userID)
}

// PowerLevels returns the room's power levels content, or nil.
func (c *Cache) PowerLevels(roomID id.RoomID) *event.PowerLevelsEventContent {
	e := c.State(roomID, event.StatePowerLevels.Type, "")
	if e == nil {
		return nil
	}
	pl, ok := e.Payload.(evt.PowerLevels)
	if !ok {
		return nil
	}
	return pl.PowerLevelsEventContent
}

// PowerLevel returns the level of userID: the explicit entry if any, else
// users_default, else 0.
func (c *Cache) PowerLevel(roomID id.RoomID, userID id.UserID) int {
	pl := c.PowerLevels(roomID)
	if pl == nil {
		return 0
	}
	return pl.GetUserLevel(userID)
}

// Members returns the users whose current membership is m, sorted.
func (c *Cache) Members(roomID id.RoomID, m event.Membership) []id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.rooms[roomID]
	if r == nil {
		return nil
	}
	var out []id.UserID
	for userID, e := range r.members {
		if mm, ok := membershipOf(e); ok && mm.Membership == m {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out
}

// MembersAtLevel returns the joined members whose power level is level.
func (c *Cache) MembersAtLevel(roomID id.RoomID, level int) []id.UserID {
	joined := c.Members(roomID, event.MembershipJoin)
	pl := c.PowerLevels(roomID)
	var out []id.UserID
	for _, userID := range joined {
		lvl := 0
		if pl != nil {
			lvl = pl.GetUserLevel(userID)
		}
		if lvl == level {
			out = append(out, userID)
		}
	}
	return out
}

// ResolveAlias finds the room whose canonical alias or alt aliases
// include alias.
func (c *Cache) ResolveAlias(alias id.RoomAlias) (id.RoomID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for roomID, r := range c.rooms {
		e := r.state[evt.StateKey{Type: event.StateCanonicalAlias.Type}]
		if e == nil {
			continue
		}
		ca, ok := e.Payload.(evt.CanonicalAlias)
		if !ok || ca.CanonicalAliasEventContent == nil {
			continue
		}
		if ca.Alias == alias || slices.Contains(ca.AltAliases, alias) {
			return roomID, true
		}
	}
	return "", false
}

// Name returns a display name for the room: its m.room.name, else its
// canonical alias, else its creator. Spaces get a suffix.
func (c *Cache) Name(roomID id.RoomID) string {
	var name string
	if e := c.State(roomID, event.StateRoomName.Type, ""); e != nil {
		if n, ok := e.Payload.(evt.RoomName); ok && n.RoomNameEventContent != nil {
			name = strings.TrimSpace(n.Name)
		}
	}
	if name == "" {
		if e := c.State(roomID, event.StateCanonicalAlias.Type, ""); e != nil {
			if a, ok := e.Payload.(evt.CanonicalAlias); ok && a.CanonicalAliasEventContent != nil {
				name = string(a.Alias)
			}
		}
	}
	create := c.State(roomID, event.StateCreate.Type, "")
	if name == "" && create != nil {
		name = string(create.Sender)
	}
	if name == "" {
		name = string(roomID)
	}
	if create != nil {
		if cr, ok := create.Payload.(evt.Create); ok && cr.CreateEventContent != nil && cr.Type == event.RoomTypeSpace {
			name += " (Space)"
		}
	}
	return name
}

// Stats returns the number of cached rooms and joined members.
func (c *Cache) Stats() (rooms, joined int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rooms {
		for _, e := range r.members {
			if m, ok := membershipOf(e); ok && m.Membership == event.MembershipJoin {
				joined++
			}
		}
	}
	return len(c.rooms), joined
}
