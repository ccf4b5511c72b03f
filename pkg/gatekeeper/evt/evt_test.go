// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package evt

import (
	"encoding/json"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

const room = id.RoomID("!room:example.org")

func decodeRaw(t testing.TB, data string) *Raw {
	t.Helper()
	var raw Raw
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		t.Fatal(err)
	}
	return &raw
}

func TestParse_Payloads(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		event string
		check func(t *testing.T, p Payload)
	}{
		{
			name:  "message",
			event: `{"event_id":"$1","type":"m.room.message","sender":"@a:b","content":{"msgtype":"m.text","body":"hi"}}`,
			check: func(t *testing.T, p Payload) {
				m, ok := p.(Message)
				if !ok || m.Body != "hi" || m.MsgType != event.MsgText {
					t.Errorf("payload = %#v", p)
				}
			},
		},
		{
			name: "membership with previous content",
			event: `{"event_id":"$1","type":"m.room.member","state_key":"@a:b","sender":"@a:b",
				"content":{"membership":"join","displayname":"A"},
				"unsigned":{"prev_content":{"membership":"invite"}}}`,
			check: func(t *testing.T, p Payload) {
				m, ok := p.(Membership)
				if !ok || m.Membership != event.MembershipJoin || m.Prev == nil || m.Prev.Membership != event.MembershipInvite {
					t.Errorf("payload = %#v", p)
				}
			},
		},
		{
			name:  "redaction with top-level target",
			event: `{"event_id":"$1","type":"m.room.redaction","sender":"@a:b","redacts":"$old","content":{"reason":"spam"}}`,
			check: func(t *testing.T, p Payload) {
				r, ok := p.(Redaction)
				if !ok || r.Redacts != "$old" || r.Reason != "spam" {
					t.Errorf("payload = %#v", p)
				}
			},
		},
		{
			name:  "redaction with content target",
			event: `{"event_id":"$1","type":"m.room.redaction","sender":"@a:b","content":{"redacts":"$new"}}`,
			check: func(t *testing.T, p Payload) {
				if r, ok := p.(Redaction); !ok || r.Redacts != "$new" {
					t.Errorf("payload = %#v", p)
				}
			},
		},
		{
			name:  "power levels",
			event: `{"event_id":"$1","type":"m.room.power_levels","state_key":"","sender":"@a:b","content":{"users":{"@a:b":100}}}`,
			check: func(t *testing.T, p Payload) {
				pl, ok := p.(PowerLevels)
				if !ok || pl.GetUserLevel("@a:b") != 100 {
					t.Errorf("payload = %#v", p)
				}
			},
		},
		{
			name:  "unknown type keeps content",
			event: `{"event_id":"$1","type":"org.example.custom","sender":"@a:b","content":{"x":1}}`,
			check: func(t *testing.T, p Payload) {
				u, ok := p.(Unknown)
				if !ok || string(u.Content) != `{"x":1}` {
					t.Errorf("payload = %#v", p)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := Parse(room, decodeRaw(t, tt.event))
			if err != nil {
				t.Fatal(err)
			}
			if e.RoomID != room {
				t.Errorf("room = %s", e.RoomID)
			}
			tt.check(t, e.Payload)
		})
	}
}

func TestParse_Redacted(t *testing.T) {
	t.Parallel()
	e, err := Parse(room, decodeRaw(t, `{"event_id":"$1","type":"m.room.message","sender":"@a:b","content":{},
		"unsigned":{"redacted_because":{"type":"m.room.redaction"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Redacted {
		t.Error("redacted_because not detected")
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()
	for name, data := range map[string]string{
		"no sender":               `{"event_id":"$1","type":"m.room.message","content":{}}`,
		"no event id":             `{"type":"m.room.message","sender":"@a:b"}`,
		"no type":                 `{"event_id":"$1","sender":"@a:b"}`,
		"member without state":    `{"event_id":"$1","type":"m.room.member","sender":"@a:b","content":{"membership":"join"}}`,
		"content of wrong shape":  `{"event_id":"$1","type":"m.room.message","sender":"@a:b","content":{"body":5}}`,
		"unsigned of wrong shape": `{"event_id":"$1","type":"m.room.message","sender":"@a:b","content":{},"unsigned":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(room, decodeRaw(t, data))
			if !gkerr.Is(err, gkerr.KindInvalidArgument) {
				t.Errorf("err = %v, want invalid argument", err)
			}
		})
	}
	if _, err := Parse(room, nil); !gkerr.Is(err, gkerr.KindInvalidArgument) {
		t.Errorf("nil event: err = %v", err)
	}
}

func TestEvent_Key(t *testing.T) {
	t.Parallel()
	e := MustParse(room, decodeRaw(t, `{"event_id":"$1","type":"m.room.name","state_key":"","sender":"@a:b","content":{"name":"Lobby"}}`))
	if got := e.Key(); got != (StateKey{Type: "m.room.name"}) {
		t.Errorf("key = %+v", got)
	}
	if !e.IsState() {
		t.Error("state event not detected")
	}
}

// ---------------------------------------------------------------------------
// FuzzParse feeds arbitrary JSON through Parse. It must never panic, and
// every accepted event must carry the room, id, sender and a payload.
// ---------------------------------------------------------------------------

func FuzzParse(f *testing.F) {
	f.Add(`{"event_id":"$1","type":"m.room.message","sender":"@a:b","content":{"msgtype":"m.text","body":"hi"}}`)
	f.Add(`{"event_id":"$1","type":"m.room.member","state_key":"@a:b","sender":"@a:b","content":{"membership":"join"}}`)
	f.Add(`{"event_id":"$1","type":"m.room.redaction","sender":"@a:b","redacts":"$x"}`)
	f.Add(`{"event_id":"$1","type":"m.room.power_levels","state_key":"","sender":"@a:b","content":{"users":{"@a:b":"x"}}}`)
	f.Add(`{}`)
	f.Add(`null`)

	f.Fuzz(func(t *testing.T, data string) {
		var raw Raw
		if json.Unmarshal([]byte(data), &raw) != nil {
			return
		}
		e, err := Parse(room, &raw)
		if err != nil {
			if gkerr.KindOf(err) != gkerr.KindInvalidArgument {
				t.Errorf("unexpected error kind for %q: %v", data, err)
			}
			return
		}
		if e.RoomID == "" || e.EventID == "" || e.Sender == "" || e.Payload == nil {
			t.Errorf("accepted incomplete event %q: %+v", data, e)
		}
	})
}
