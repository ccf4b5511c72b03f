// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"slices"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

const (
	// MacroAllRooms expands to every managed room.
	MacroAllRooms = "#*"
	// MacroBanned expands to the banned members of each target room.
	MacroBanned = "@banned"
	// MacroLevelPrefix followed by a number expands to the joined members
	// at that power level in each target room.
	MacroLevelPrefix = "@level="
)

// RoomView is the room information target resolution needs.
type RoomView interface {
	ResolveAlias(alias id.RoomAlias) (id.RoomID, bool)
	Members(roomID id.RoomID, m event.Membership) []id.UserID
	MembersAtLevel(roomID id.RoomID, level int) []id.UserID
}

// RoomTarget is one resolved room with the users selected in it.
type RoomTarget struct {
	RoomID id.RoomID
	Users  []id.UserID
}

// Targets is the resolved target set of an invocation.
type Targets struct {
	Rooms []RoomTarget
	// Users is every selected user once, in first-seen order.
	Users []id.UserID
}

// RoomIDs lists the target rooms.
func (t *Targets) RoomIDs() []id.RoomID {
	out := make([]id.RoomID, len(t.Rooms))
	for i, r := range t.Rooms {
		out[i] = r.RoomID
	}
	return out
}

// Resolve expands the target words of inv. managed lists the rooms #*
// stands for. Without any room word, the target is defaultRoom (the
// invoking room); console invocations pass an empty defaultRoom.
func Resolve(inv *Invocation, defaultRoom id.RoomID, managed []id.RoomID, view RoomView) (*Targets, error) {
	var rooms []id.RoomID
	addRoom := func(roomID id.RoomID) {
		if !slices.Contains(rooms, roomID) {
			rooms = append(rooms, roomID)
		}
	}
	for _, word := range inv.Rooms {
		switch {
		case word == MacroAllRooms:
			for _, roomID := range managed {
				addRoom(roomID)
			}
		case strings.HasPrefix(word, "!"):
			if len(word) < 2 || strings.ContainsAny(word, " /") {
				return nil, gkerr.Newf(gkerr.KindInvalidArgument, "resolve targets", "invalid room id %q", word)
			}
			addRoom(id.RoomID(word))
		default:
			roomID, ok := view.ResolveAlias(id.RoomAlias(word))
			if !ok {
				return nil, gkerr.Newf(gkerr.KindNotFound, "resolve targets", "unknown room alias %s", word)
			}
			addRoom(roomID)
		}
	}
	if len(inv.Rooms) == 0 && defaultRoom != "" {
		addRoom(defaultRoom)
	}

	var literal []id.UserID
	var macros []string
	for _, word := range inv.Users {
		switch {
		case word == MacroBanned:
			macros = append(macros, word)
		case strings.HasPrefix(word, MacroLevelPrefix):
			if _, err := strconv.Atoi(word[len(MacroLevelPrefix):]); err != nil {
				return nil, gkerr.Newf(gkerr.KindInvalidArgument, "resolve targets", "invalid level in %q", word)
			}
			macros = append(macros, word)
		default:
			userID := id.UserID(word)
			if _, _, err := userID.Parse(); err != nil {
				return nil, gkerr.New(gkerr.KindInvalidArgument, "resolve targets", err)
			}
			literal = append(literal, userID)
		}
	}

	t := &Targets{}
	addUser := func(list []id.UserID, userID id.UserID) []id.UserID {
		if !slices.Contains(t.Users, userID) {
			t.Users = append(t.Users, userID)
		}
		if slices.Contains(list, userID) {
			return list
		}
		return append(list, userID)
	}
	for _, userID := range literal {
		if !slices.Contains(t.Users, userID) {
			t.Users = append(t.Users, userID)
		}
	}
	for _, roomID := range rooms {
		rt := RoomTarget{RoomID: roomID}
		for _, userID := range literal {
			rt.Users = addUser(rt.Users, userID)
		}
		for _, macro := range macros {
			var expanded []id.UserID
			if macro == MacroBanned {
				expanded = view.Members(roomID, event.MembershipBan)
			} else {
				level, _ := strconv.Atoi(macro[len(MacroLevelPrefix):])
				expanded = view.MembersAtLevel(roomID, level)
			}
			for _, userID := range expanded {
				rt.Users = addUser(rt.Users, userID)
			}
		}
		t.Rooms = append(t.Rooms, rt)
	}
	return t, nil
}
