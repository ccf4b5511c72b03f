// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

const room = id.RoomID("!room:example.org")

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, zerolog.Nop()), s
}

func raw(eventID id.EventID, eventType string, sender id.UserID, ts int64, content string) *evt.Raw {
	return &evt.Raw{
		RoomID:    room,
		EventID:   eventID,
		Type:      eventType,
		Sender:    sender,
		Timestamp: jsontime.UM(time.UnixMilli(ts)),
		Content:   json.RawMessage(content),
	}
}

// feed persists and applies events the way the processor does.
func feed(t *testing.T, l *Ledger, s *store.Store, raws ...*evt.Raw) {
	t.Helper()
	for _, r := range raws {
		inserted, err := s.PutEvent(r)
		if err != nil {
			t.Fatal(err)
		}
		if !inserted {
			continue
		}
		if err := l.Apply(context.Background(), evt.MustParse(room, r)); err != nil {
			t.Fatalf("Apply %s: %v", r.EventID, err)
		}
	}
}

func user(t *testing.T, s *store.Store, userID id.UserID) *store.UserRecord {
	t.Helper()
	u, err := s.GetUser(userID)
	if err != nil {
		t.Fatalf("GetUser %s: %v", userID, err)
	}
	return u
}

func TestApply_CountsAndFirstSeen(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 5000, `{"msgtype":"m.text","body":"a"}`),
		raw("$m2", "m.room.message", alice, 2000, `{"msgtype":"m.text","body":"b"}`),
		raw("$m1", "m.room.message", alice, 5000, `{"msgtype":"m.text","body":"a"}`),
	)
	u := user(t, s, alice)
	if got := u.Rooms[room].Events["m.room.message"]; got != 2 {
		t.Errorf("messages = %d, want 2 (duplicate must not count)", got)
	}
	if u.FirstSeen.UnixMilli() != 2000 {
		t.Errorf("first seen = %d, want 2000", u.FirstSeen.UnixMilli())
	}
}

func TestApply_ReactionTallies(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 1000, `{"msgtype":"m.text","body":"hi"}`),
		raw("$r1", "m.reaction", bob, 2000, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"👍"}}`),
		raw("$r2", "m.reaction", alice, 3000, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"🎉"}}`),
	)
	a := user(t, s, alice)
	b := user(t, s, bob)
	if a.Rooms[room].Reactions.Recv["👍"] != 1 {
		t.Errorf("alice recv = %v", a.Rooms[room].Reactions.Recv)
	}
	if b.Rooms[room].Reactions.Sent["👍"] != 1 {
		t.Errorf("bob sent = %v", b.Rooms[room].Reactions.Sent)
	}
	if a.Rooms[room].Reactions.Self["🎉"] != 1 {
		t.Errorf("alice self = %v", a.Rooms[room].Reactions.Self)
	}
	if a.ReactionsReceived() != 1 {
		t.Errorf("ReactionsReceived = %d, want 1", a.ReactionsReceived())
	}
}

func TestApply_RedactionOfReactionDecrements(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 1000, `{"msgtype":"m.text","body":"hi"}`),
		raw("$r1", "m.reaction", bob, 2000, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"👍"}}`),
		raw("$x1", "m.room.redaction", bob, 3000, `{"redacts":"$r1"}`),
	)
	a := user(t, s, alice)
	b := user(t, s, bob)
	if a.Rooms[room].Reactions.Recv["👍"] != 0 {
		t.Errorf("alice recv = %d, want 0", a.Rooms[room].Reactions.Recv["👍"])
	}
	if b.Rooms[room].Reactions.Sent["👍"] != 0 {
		t.Errorf("bob sent = %d, want 0", b.Rooms[room].Reactions.Sent["👍"])
	}
	if b.Rooms[room].Redacted.Self["m.reaction"] != 1 {
		t.Errorf("bob self redactions = %v", b.Rooms[room].Redacted.Self)
	}
	if b.Rooms[room].Events["m.reaction"] != 1 {
		t.Error("event counters must not decrease")
	}
}

func TestApply_RepeatedRedactionCountsOnce(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 1000, `{"msgtype":"m.text","body":"hi"}`),
		raw("$r1", "m.reaction", bob, 2000, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"👍"}}`),
		raw("$x1", "m.room.redaction", bob, 3000, `{"redacts":"$r1"}`),
		raw("$x2", "m.room.redaction", alice, 4000, `{"redacts":"$r1"}`),
	)
	check := func(when string) {
		a := user(t, s, alice)
		b := user(t, s, bob)
		if got := a.Rooms[room].Reactions.Recv["👍"]; got != 0 {
			t.Errorf("%s: alice recv = %d, want 0", when, got)
		}
		if got := b.Rooms[room].Reactions.Sent["👍"]; got != 0 {
			t.Errorf("%s: bob sent = %d, want 0", when, got)
		}
		if got := b.Rooms[room].Redacted.Self["m.reaction"]; got != 1 {
			t.Errorf("%s: bob self redactions = %d, want 1", when, got)
		}
		if got := a.Rooms[room].Redacted.Sent["m.reaction"]; got != 0 {
			t.Errorf("%s: alice sent redactions = %d, want 0", when, got)
		}
		if got := a.Rooms[room].Events["m.room.redaction"]; got != 1 {
			t.Errorf("%s: alice redaction events = %d, want 1", when, got)
		}
	}
	check("live")
	if _, err := l.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	check("rebuilt")
}

func TestApply_ModeratorRedaction(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 1000, `{"msgtype":"m.text","body":"spam"}`),
		raw("$x1", "m.room.redaction", bob, 2000, `{}`),
	)
	// Pre-v11 rooms carry redacts at the top level.
	r := raw("$x2", "m.room.redaction", bob, 3000, `{}`)
	r.Redacts = "$m1"
	feed(t, l, s, r)

	a := user(t, s, alice)
	b := user(t, s, bob)
	if b.Rooms[room].Redacted.Sent["m.room.message"] != 1 {
		t.Errorf("bob sent = %v", b.Rooms[room].Redacted.Sent)
	}
	if a.Rooms[room].Redacted.Recv["m.room.message"] != 1 {
		t.Errorf("alice recv = %v", a.Rooms[room].Redacted.Recv)
	}
}

func TestRebuild_ReplaysAndKeepsOnJoin(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	feed(t, l, s,
		raw("$m1", "m.room.message", alice, 1000, `{"msgtype":"m.text","body":"a"}`),
		raw("$m2", "m.room.message", bob, 2000, `{"msgtype":"m.text","body":"b"}`),
		raw("$r1", "m.reaction", bob, 3000, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"👍"}}`),
	)
	if err := s.RunTxn(context.Background(), func(txn *store.Txn) error {
		u, err := txn.User(bob)
		if err != nil {
			return err
		}
		u.OnJoin = store.OnJoinMute
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	before := user(t, s, alice)

	n, err := l.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("replayed = %d, want 3", n)
	}
	after := user(t, s, alice)
	if after.Rooms[room].Reactions.Recv["👍"] != before.Rooms[room].Reactions.Recv["👍"] {
		t.Error("rebuild changed reaction tallies")
	}
	if after.Rooms[room].Events["m.room.message"] != 1 {
		t.Errorf("messages = %d, want 1", after.Rooms[room].Events["m.room.message"])
	}
	if user(t, s, bob).OnJoin != store.OnJoinMute {
		t.Error("onjoin tag lost in rebuild")
	}
}
