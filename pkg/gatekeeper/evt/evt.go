// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package evt decodes raw Matrix events into a closed set of payload
// variants. Consumers switch on [Event.Payload] instead of inspecting the
// type string and JSON content themselves.
package evt

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// Raw is an event as delivered by the homeserver. It is persisted
// verbatim, so no field is ever rewritten except a missing RoomID, which
// sync responses omit for timeline events.
type Raw struct {
	RoomID    id.RoomID          `json:"room_id,omitempty"`
	EventID   id.EventID         `json:"event_id"`
	Type      string             `json:"type"`
	StateKey  *string            `json:"state_key,omitempty"`
	Sender    id.UserID          `json:"sender"`
	Timestamp jsontime.UnixMilli `json:"origin_server_ts"`
	Content   json.RawMessage    `json:"content,omitempty"`
	Unsigned  json.RawMessage    `json:"unsigned,omitempty"`
	// Redacts is the top-level redaction target used by room versions
	// before v11.
	Redacts id.EventID `json:"redacts,omitempty"`
}

// IsState reports whether the event carries a state key.
func (r *Raw) IsState() bool {
	return r.StateKey != nil
}

// Unsigned is the subset of the unsigned block the gatekeeper reads.
type Unsigned struct {
	PrevContent     json.RawMessage `json:"prev_content,omitempty"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// Payload is implemented by every content variant. The set is closed.
type Payload interface {
	isPayload()
}

type Membership struct {
	*event.MemberEventContent
	// Prev is the membership this event replaced, nil when unknown.
	Prev *event.MemberEventContent
}

type Message struct {
	*event.MessageEventContent
}

type Reaction struct {
	*event.ReactionEventContent
}

type Redaction struct {
	Redacts id.EventID
	Reason  string
}

type PowerLevels struct {
	*event.PowerLevelsEventContent
}

type RoomName struct {
	*event.RoomNameEventContent
}

type CanonicalAlias struct {
	*event.CanonicalAliasEventContent
}

type JoinRules struct {
	*event.JoinRulesEventContent
}

type Create struct {
	*event.CreateEventContent
}

// Unknown carries the content of any type not listed above.
type Unknown struct {
	Content json.RawMessage
}

func (Membership) isPayload()     {}
func (Message) isPayload()        {}
func (Reaction) isPayload()       {}
func (Redaction) isPayload()      {}
func (PowerLevels) isPayload()    {}
func (RoomName) isPayload()       {}
func (CanonicalAlias) isPayload() {}
func (JoinRules) isPayload()      {}
func (Create) isPayload()         {}
func (Unknown) isPayload()        {}

// Event is a validated event with its decoded payload.
type Event struct {
	*Raw
	Payload  Payload
	Redacted bool
}

// Time returns the origin server timestamp.
func (e *Event) Time() time.Time {
	return e.Timestamp.Time
}

// Key returns the (type, state key) slot of a state event.
func (e *Event) Key() StateKey {
	if e.StateKey == nil {
		return StateKey{Type: e.Type}
	}
	return StateKey{Type: e.Type, StateKey: *e.StateKey}
}

// StateKey addresses one slot of room state.
type StateKey struct {
	Type     string
	StateKey string
}

// Parse validates raw and decodes its content. roomID fills in a missing
// room id. Events without an id, room or sender, and events whose content
// does not decode into their declared type, are rejected with
// [gkerr.KindInvalidArgument].
func Parse(roomID id.RoomID, raw *Raw) (*Event, error) {
	if raw == nil {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "parse event", "nil event")
	}
	if raw.RoomID == "" {
		raw.RoomID = roomID
	}
	if raw.RoomID == "" || raw.EventID == "" || raw.Sender == "" || raw.Type == "" {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "parse event",
			"malformed event %q in %q (sender %q, type %q)", raw.EventID, raw.RoomID, raw.Sender, raw.Type)
	}
	var unsigned Unsigned
	if len(raw.Unsigned) > 0 {
		if err := json.Unmarshal(raw.Unsigned, &unsigned); err != nil {
			return nil, gkerr.New(gkerr.KindInvalidArgument, "parse unsigned "+string(raw.EventID), err)
		}
	}
	payload, err := decode(raw, &unsigned)
	if err != nil {
		return nil, gkerr.New(gkerr.KindInvalidArgument, "parse "+raw.Type+" "+string(raw.EventID), err)
	}
	return &Event{
		Raw:      raw,
		Payload:  payload,
		Redacted: len(unsigned.RedactedBecause) > 0,
	}, nil
}

func decode(raw *Raw, unsigned *Unsigned) (Payload, error) {
	content := raw.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	switch raw.Type {
	case event.StateMember.Type:
		if raw.StateKey == nil {
			return nil, fmt.Errorf("membership event without state key")
		}
		var m Membership
		if err := unmarshal(content, &m.MemberEventContent); err != nil {
			return nil, err
		}
		if len(unsigned.PrevContent) > 0 {
			if err := unmarshal(unsigned.PrevContent, &m.Prev); err != nil {
				return nil, err
			}
		}
		return m, nil
	case event.EventMessage.Type:
		var m Message
		if err := unmarshal(content, &m.MessageEventContent); err != nil {
			return nil, err
		}
		return m, nil
	case event.EventReaction.Type:
		var r Reaction
		if err := unmarshal(content, &r.ReactionEventContent); err != nil {
			return nil, err
		}
		return r, nil
	case event.EventRedaction.Type:
		var c event.RedactionEventContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, err
		}
		r := Redaction{Redacts: c.Redacts, Reason: c.Reason}
		if r.Redacts == "" {
			r.Redacts = raw.Redacts
		}
		return r, nil
	case event.StatePowerLevels.Type:
		var p PowerLevels
		if err := unmarshal(content, &p.PowerLevelsEventContent); err != nil {
			return nil, err
		}
		return p, nil
	case event.StateRoomName.Type:
		var n RoomName
		if err := unmarshal(content, &n.RoomNameEventContent); err != nil {
			return nil, err
		}
		return n, nil
	case event.StateCanonicalAlias.Type:
		var a CanonicalAlias
		if err := unmarshal(content, &a.CanonicalAliasEventContent); err != nil {
			return nil, err
		}
		return a, nil
	case event.StateJoinRules.Type:
		var j JoinRules
		if err := unmarshal(content, &j.JoinRulesEventContent); err != nil {
			return nil, err
		}
		return j, nil
	case event.StateCreate.Type:
		var c Create
		if err := unmarshal(content, &c.CreateEventContent); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return Unknown{Content: raw.Content}, nil
	}
}

func unmarshal[T any](data json.RawMessage, into **T) error {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	*into = v
	return nil
}

// MustParse is Parse for tests and fixtures. It panics on error.
func MustParse(roomID id.RoomID, raw *Raw) *Event {
	e, err := Parse(roomID, raw)
	if err != nil {
		panic(err)
	}
	return e
}
