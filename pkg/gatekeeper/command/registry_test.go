// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

var nop = HandlerFunc(func(context.Context, *Call) error { return nil })

func TestAllowed(t *testing.T) {
	t.Parallel()
	denied := id.RoomID("!denied:x")
	listed := id.RoomID("!listed:x")
	other := id.RoomID("!other:x")

	anyRoom := &Command{Name: "a", MinLevel: 50, AnyRoom: true, Rooms: map[id.RoomID]bool{denied: false}, Handler: nop}
	onlyListed := &Command{Name: "b", Rooms: map[id.RoomID]bool{listed: true}, Console: true, Handler: nop}

	tests := []struct {
		name string
		cmd  *Command
		o    Origin
		ok   bool
	}{
		{"any room, enough level", anyRoom, Origin{RoomID: other, Level: 50}, true},
		{"any room, low level", anyRoom, Origin{RoomID: other, Level: 49}, false},
		{"explicit deny beats any", anyRoom, Origin{RoomID: denied, Level: 100}, false},
		{"console not allowed", anyRoom, Origin{Console: true}, false},
		{"listed room", onlyListed, Origin{RoomID: listed}, true},
		{"unlisted room", onlyListed, Origin{RoomID: other, Level: 100}, false},
		{"console allowed", onlyListed, Origin{Console: true}, true},
	}
	for _, tt := range tests {
		err := tt.cmd.Allowed(tt.o)
		if (err == nil) != tt.ok {
			t.Errorf("%s: Allowed = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !gkerr.Is(err, gkerr.KindForbidden) {
			t.Errorf("%s: kind = %s", tt.name, gkerr.KindOf(err))
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(&Command{Name: "ping", Description: "Check the bot is alive", AnyRoom: true, Handler: nop}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Command{Name: "ban", Usage: "[duration]", MinLevel: 50, AnyRoom: true, Handler: nop}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Command{Name: "ping", Handler: nop}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register(&Command{Name: "nohandler"}); err == nil {
		t.Error("command without handler accepted")
	}

	_, err := r.Get("nope")
	if !gkerr.Is(err, gkerr.KindNotFound) || !strings.Contains(err.Error(), "no such command") {
		t.Errorf("Get(nope) = %v", err)
	}

	help := r.Help(Origin{RoomID: "!r:x", Level: 0}, "!")
	if !strings.Contains(help, "!ping") || strings.Contains(help, "!ban") {
		t.Errorf("help for level 0:\n%s", help)
	}
	md := r.Markdown("!")
	if !strings.Contains(md, "| `!ban [duration]` | 50 | no | any |") {
		t.Errorf("markdown:\n%s", md)
	}

	r.Unregister("ping")
	if _, err := r.Get("ping"); err == nil {
		t.Error("ping still registered")
	}
}

func TestFormatError(t *testing.T) {
	t.Parallel()
	err := gkerr.New(gkerr.KindForbidden, "kick", errors.New("M_FORBIDDEN"))
	out := FormatError("kick", err)
	if !strings.Contains(out, "**kick** failed (forbidden)") || !strings.Contains(out, "```\nkick: forbidden: M_FORBIDDEN\n```") {
		t.Errorf("FormatError = %q", out)
	}
}
