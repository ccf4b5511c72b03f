// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"context"
	"fmt"
	"html"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/command"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixfmt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

// invocation is a command line and where it came from.
type invocation struct {
	line    string
	origin  command.Origin
	sender  id.UserID
	eventID id.EventID
	// defaultRoom is the target when the line names no room.
	defaultRoom id.RoomID
	reply       func(markdown string)
}

// prepare parses the line, checks the command filter and resolves the
// targets. Nothing has run when it returns an error.
func (g *Gatekeeper) prepare(inv invocation) (*command.Command, *command.Call, error) {
	parsed, err := command.Parse(inv.line)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := g.Commands.Get(parsed.Name())
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Allowed(inv.origin); err != nil {
		return cmd, nil, err
	}
	targets, err := command.Resolve(parsed, inv.defaultRoom, g.Config.ManagedRooms(), g.Rooms)
	if err != nil {
		return cmd, nil, err
	}
	return cmd, &command.Call{
		Inv:     parsed,
		Targets: targets,
		RoomID:  inv.origin.RoomID,
		Sender:  inv.sender,
		EventID: inv.eventID,
		Console: inv.origin.Console,
		Reply:   inv.reply,
	}, nil
}

// execute runs a prepared call. Handler errors and panics are reported to
// the invoker and returned.
func (g *Gatekeeper) execute(ctx context.Context, cmd *command.Command, call *command.Call) (err error) {
	log := g.Log.With().Str("command", cmd.Name).Stringer("room_id", call.RoomID).Stringer("sender", call.Sender).Logger()
	defer func() {
		if r := recover(); r != nil {
			err = gkerr.Newf(gkerr.KindUnknown, "run "+cmd.Name, "panic: %v", r)
		}
		result := "ok"
		if err != nil {
			result = gkerr.KindOf(err).String()
			log.Warn().Err(err).Msg("Command failed")
			call.Reply(command.FormatError(cmd.Name, err))
		} else {
			log.Debug().Msg("Command done")
		}
		metrics.Commands.WithLabelValues(cmd.Name, result).Inc()
	}()
	log.Info().Strs("args", call.Inv.Args()).Msg("Running command")
	return cmd.Handler.Run(ctx, call)
}

// commandFromRoom dispatches a command typed in a room. The handler runs
// on its own goroutine. Lookup and filter failures are only logged, so
// users without access learn nothing about the command surface.
func (g *Gatekeeper) commandFromRoom(e *evt.Event, line string) {
	inv := invocation{
		line:        line,
		origin:      command.Origin{RoomID: e.RoomID, Level: g.Rooms.PowerLevel(e.RoomID, e.Sender)},
		sender:      e.Sender,
		eventID:     e.EventID,
		defaultRoom: e.RoomID,
	}
	inv.reply = func(md string) {
		if err := g.reply(g.context(), e.RoomID, e.Sender, md); err != nil {
			g.Log.Err(err).Stringer("room_id", e.RoomID).Msg("Failed to send command reply")
		}
	}
	log := g.Log.With().Stringer("room_id", e.RoomID).Stringer("sender", e.Sender).Str("line", line).Logger()
	cmd, call, err := g.prepare(inv)
	switch {
	case err == nil:
	case cmd == nil, gkerr.Is(err, gkerr.KindForbidden):
		metrics.Commands.WithLabelValues(commandLabel(cmd), gkerr.KindOf(err).String()).Inc()
		log.Debug().Err(err).Msg("Ignoring command")
		return
	default:
		metrics.Commands.WithLabelValues(cmd.Name, gkerr.KindOf(err).String()).Inc()
		inv.reply(command.FormatError(cmd.Name, err))
		return
	}
	g.spawn("command "+cmd.Name, func() {
		_ = g.execute(g.context(), cmd, call)
	})
}

func commandLabel(cmd *command.Command) string {
	if cmd == nil {
		return "unknown"
	}
	return cmd.Name
}

// RunConsole runs a command with the console origin and waits for it.
// Replies go to reply. Every failure, including an unknown command, is
// returned.
func (g *Gatekeeper) RunConsole(ctx context.Context, line string, reply func(markdown string)) error {
	return g.runConsole(ctx, line, "", reply)
}

func (g *Gatekeeper) runConsole(ctx context.Context, line string, defaultRoom id.RoomID, reply func(string)) error {
	cmd, call, err := g.prepare(invocation{
		line:        line,
		origin:      command.Origin{Console: true},
		defaultRoom: defaultRoom,
		reply:       reply,
	})
	if err != nil {
		metrics.Commands.WithLabelValues(commandLabel(cmd), gkerr.KindOf(err).String()).Inc()
		return err
	}
	return g.execute(ctx, cmd, call)
}

// RunScheduled replays a due action as a console command targeting the
// room it was scheduled in. Replies are sent to that room.
func (g *Gatekeeper) RunScheduled(ctx context.Context, a *store.ScheduledAction) error {
	reply := func(md string) {
		g.Log.Info().Str("action_id", a.ID).Str("reply", md).Msg("Scheduled command reply")
	}
	if a.RoomID != "" {
		reply = func(md string) {
			if err := g.reply(ctx, a.RoomID, "", md); err != nil {
				g.Log.Err(err).Str("action_id", a.ID).Msg("Failed to send scheduled command reply")
			}
		}
	}
	if err := g.runConsole(ctx, a.Command, a.RoomID, reply); err != nil {
		return fmt.Errorf("scheduled %q: %w", a.Command, err)
	}
	return nil
}

// reply renders markdown as a notice, addressed to sender when set.
func (g *Gatekeeper) reply(ctx context.Context, roomID id.RoomID, sender id.UserID, md string) error {
	content := format.RenderMarkdown(md, true, false)
	content.MsgType = event.MsgNotice
	if content.FormattedBody == "" {
		content.FormattedBody = html.EscapeString(content.Body)
	}
	content.Format = event.FormatHTML
	if sender != "" {
		name := g.Rooms.DisplayName(roomID, sender)
		content.Body = name + ": " + content.Body
		content.FormattedBody = matrixfmt.Pill(sender, name) + ": " + content.FormattedBody
		content.Mentions = &event.Mentions{UserIDs: []id.UserID{sender}}
	}
	_, err := g.Client.SendMessage(ctx, roomID, &content)
	return err
}
