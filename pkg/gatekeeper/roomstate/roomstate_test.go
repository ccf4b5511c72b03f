// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package roomstate

import (
	"encoding/json"
	"slices"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
)

const testRoom = id.RoomID("!room:example.org")

var counter int

func state(t *testing.T, eventType, stateKey string, sender id.UserID, content string) *evt.Event {
	t.Helper()
	counter++
	sk := stateKey
	e, err := evt.Parse(testRoom, &evt.Raw{
		EventID:  id.EventID("$s" + string(rune('a'+counter%26))),
		Type:     eventType,
		StateKey: &sk,
		Sender:   sender,
		Content:  json.RawMessage(content),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestApply_LastWins(t *testing.T) {
	for _, tc := range []struct {
		order []string
		want  string
	}{
		{[]string{"A", "B"}, "B"},
		{[]string{"B", "A"}, "A"},
	} {
		c := New()
		for _, name := range tc.order {
			c.Apply(state(t, "m.room.name", "", "@a:x", `{"name":"`+name+`"}`))
		}
		if got := c.Name(testRoom); got != tc.want {
			t.Errorf("Name after %v = %q, want %s", tc.order, got, tc.want)
		}
	}

	c := New()
	c.Apply(state(t, "m.room.member", "@bob:x", "@bob:x", `{"membership":"join","displayname":"Bob"}`))
	c.Apply(state(t, "m.room.member", "@bob:x", "@mod:x", `{"membership":"ban"}`))
	if got := c.Membership(testRoom, "@bob:x"); got != "ban" {
		t.Errorf("Membership = %q, want ban", got)
	}
	if got := c.Members(testRoom, "ban"); !slices.Equal(got, []id.UserID{"@bob:x"}) {
		t.Errorf("banned = %v", got)
	}
}

func TestPowerLevels(t *testing.T) {
	c := New()
	if c.PowerLevel(testRoom, "@a:x") != 0 {
		t.Error("missing power levels should read as 0")
	}
	c.Apply(state(t, "m.room.power_levels", "", "@a:x", `{"users":{"@a:x":100,"@b:x":50},"users_default":0}`))
	for _, m := range []string{"@a:x", "@b:x", "@c:x", "@d:x"} {
		c.Apply(state(t, "m.room.member", m, id.UserID(m), `{"membership":"join"}`))
	}
	c.Apply(state(t, "m.room.member", "@d:x", "@d:x", `{"membership":"leave"}`))

	if c.PowerLevel(testRoom, "@b:x") != 50 {
		t.Errorf("PowerLevel(@b) = %d", c.PowerLevel(testRoom, "@b:x"))
	}
	if got := c.MembersAtLevel(testRoom, 0); !slices.Equal(got, []id.UserID{"@c:x"}) {
		t.Errorf("level 0 = %v, want only joined @c", got)
	}
	if got := c.MembersAtLevel(testRoom, 50); !slices.Equal(got, []id.UserID{"@b:x"}) {
		t.Errorf("level 50 = %v", got)
	}
}

func TestNameFallbacks(t *testing.T) {
	c := New()
	c.Apply(state(t, "m.room.create", "", "@creator:x", `{"type":"m.space"}`))
	if got := c.Name(testRoom); got != "@creator:x (Space)" {
		t.Errorf("Name = %q", got)
	}
	c.Apply(state(t, "m.room.canonical_alias", "", "@a:x", `{"alias":"#hq:x","alt_aliases":["#old:x"]}`))
	if got := c.Name(testRoom); got != "#hq:x (Space)" {
		t.Errorf("Name = %q", got)
	}
	for _, alias := range []id.RoomAlias{"#hq:x", "#old:x"} {
		if got, ok := c.ResolveAlias(alias); !ok || got != testRoom {
			t.Errorf("ResolveAlias(%s) = %s, %v", alias, got, ok)
		}
	}
	if _, ok := c.ResolveAlias("#nope:x"); ok {
		t.Error("unknown alias resolved")
	}
}

func TestDisplayName(t *testing.T) {
	c := New()
	c.Apply(state(t, "m.room.member", "@bob:x", "@bob:x", `{"membership":"join","displayname":"Bobby"}`))
	if got := c.DisplayName(testRoom, "@bob:x"); got != "Bobby" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := c.DisplayName(testRoom, "@eve:x"); got != "eve" {
		t.Errorf("fallback DisplayName = %q", got)
	}
}

func TestNonStateIgnored(t *testing.T) {
	c := New()
	e := evt.MustParse(testRoom, &evt.Raw{EventID: "$m", Type: "m.room.message", Sender: "@a:x", Content: json.RawMessage(`{"body":"hi"}`)})
	c.Apply(e)
	if c.Has(testRoom) {
		t.Error("timeline event created a room entry")
	}
}
