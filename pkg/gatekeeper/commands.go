// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/command"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/trust"
)

const (
	// levelAdmin is the default minimum level of moderation commands.
	levelAdmin  = 100
	maxSetLevel = 50
	fanOutLimit = 4
	defaultTopN = 20
	flagReason  = "reason"
)

func (g *Gatekeeper) registerBuiltins() error {
	builtins := []*command.Command{
		{
			Name: "ping", Description: "Check that the bot is alive",
			MinLevel: 1, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(func(_ context.Context, call *command.Call) error {
				call.Reply("Pong!")
				return nil
			}),
		},
		{
			Name: "help", Description: "List the commands you can run here",
			AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdHelp),
		},
		{
			Name: "rooms", Description: "List joined rooms and whether they are managed",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdRooms),
		},
		{
			Name: "level.get", Usage: "[@user..]", Description: "Show power levels",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdLevelGet),
		},
		{
			Name: "level.set", Usage: "@user.. <level>", Description: "Set power levels (-50 to 50, 0 removes the entry)",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdLevelSet),
		},
		{
			Name: "trust.get", Usage: "[@user]", Description: "Show the trust score of a user",
			MinLevel: 1, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdTrustGet),
		},
		{
			Name: "trust.top", Usage: "[--limit=N]", Description: "Rank users by trust",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdTrustTop),
		},
		{
			Name: "activity.top", Usage: "[--limit=N]", Description: "Rank users by events per day in a room",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdActivityTop),
		},
		{
			Name: "db.get_user", Usage: "@user", Description: "Dump the stored record of a user",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdGetUser),
		},
		{
			Name: "db.forget_user", Usage: "@user..", Description: "Delete the stored records of users",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdForgetUser),
		},
		{
			Name: "redact", Usage: "@user.. [--reason=text]", Description: "Redact the membership event of users",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdRedact),
		},
		{
			Name: "kick", Usage: "@user.. [--reason=text]", Description: "Kick users",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdKick),
		},
		{
			Name: "ban", Usage: "@user.. [duration] [--reason=text]", Description: "Ban users, for a while if a duration is given, else also on every future join",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdBan),
		},
		{
			Name: "unban", Usage: "@user..", Description: "Unban users and clear their ban tag",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdUnban),
		},
		{
			Name: "mute", Usage: "@user..", Description: "Mute users now and on every future join",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdMute),
		},
		{
			Name: "whitelist", Usage: "@user..", Description: "Promote users now and on every future join",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdWhitelist),
		},
		{
			Name: "schedule", Usage: `<duration> "<command>"`, Description: "Run a command later in this room",
			MinLevel: levelAdmin, AnyRoom: true, Console: true,
			Handler: command.HandlerFunc(g.cmdSchedule),
		},
		{
			Name: "ledger.rebuild", Description: "Recompute every user record from the stored events",
			MinLevel: levelAdmin, Console: true,
			Handler: command.HandlerFunc(g.cmdLedgerRebuild),
		},
	}
	for _, c := range builtins {
		if err := g.Commands.Register(c); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.Name, err)
		}
	}
	return nil
}

// CommandDocs renders the built-in command reference as markdown without
// connecting anywhere.
func CommandDocs(prefix string) (string, error) {
	g := &Gatekeeper{Commands: command.NewRegistry()}
	if err := g.registerBuiltins(); err != nil {
		return "", err
	}
	return g.Commands.Markdown(prefix), nil
}

func invalid(op, format string, args ...any) error {
	return gkerr.Newf(gkerr.KindInvalidArgument, op, format, args...)
}

func requireRooms(call *command.Call) error {
	if len(call.Targets.Rooms) == 0 {
		return invalid(call.Inv.Name(), "no room given, use #room or #*")
	}
	return nil
}

func requireUsers(call *command.Call) error {
	if len(call.Targets.Users) == 0 {
		return invalid(call.Inv.Name(), "no user given")
	}
	return requireRooms(call)
}

func reasonOf(call *command.Call) string {
	reason, _ := call.Inv.Flag(flagReason)
	if reason == "true" {
		return ""
	}
	return reason
}

// fanOut calls fn for every (room, user) target. A failing target does
// not stop the others; the failures are joined into the returned error.
func (g *Gatekeeper) fanOut(ctx context.Context, call *command.Call, fn func(ctx context.Context, roomID id.RoomID, userID id.UserID) error) (int, error) {
	var eg errgroup.Group
	eg.SetLimit(fanOutLimit)
	var mu sync.Mutex
	var errs []error
	total := 0
	for _, rt := range call.Targets.Rooms {
		for _, userID := range rt.Users {
			total++
			eg.Go(func() error {
				if err := fn(ctx, rt.RoomID, userID); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s in %s: %w", userID, rt.RoomID, err))
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = eg.Wait()
	return total - len(errs), errors.Join(errs...)
}

// setOnJoin tags users, creating records for users never seen. Clearing
// the tag of an unknown user writes nothing.
func (g *Gatekeeper) setOnJoin(ctx context.Context, users []id.UserID, tag store.OnJoin) error {
	return g.Store.RunTxn(ctx, func(txn *store.Txn) error {
		for _, userID := range users {
			rec, err := txn.User(userID)
			if err != nil {
				return err
			}
			rec.OnJoin = tag
		}
		return nil
	})
}

func (g *Gatekeeper) cmdHelp(_ context.Context, call *command.Call) error {
	origin := command.Origin{Console: call.Console, RoomID: call.RoomID}
	if !call.Console {
		origin.Level = g.Rooms.PowerLevel(call.RoomID, call.Sender)
	}
	call.Reply(g.Commands.Help(origin, g.Config.CommandPrefix))
	return nil
}

func (g *Gatekeeper) cmdRooms(_ context.Context, call *command.Call) error {
	var b strings.Builder
	b.WriteString("| Room | Name | Managed | Joined |\n|---|---|---|---|\n")
	for _, roomID := range g.Rooms.Rooms() {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %d |\n", roomID, g.Rooms.Name(roomID),
			yesNo(g.Config.Room(roomID).Manage), len(g.Rooms.Members(roomID, event.MembershipJoin)))
	}
	call.Reply(b.String())
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (g *Gatekeeper) cmdLevelGet(_ context.Context, call *command.Call) error {
	if err := requireRooms(call); err != nil {
		return err
	}
	var b strings.Builder
	for _, rt := range call.Targets.Rooms {
		users := rt.Users
		if len(users) == 0 && call.Sender != "" {
			users = []id.UserID{call.Sender}
		}
		for _, userID := range users {
			fmt.Fprintf(&b, "- `%s` in %s: %d\n", userID, g.Rooms.Name(rt.RoomID), g.Rooms.PowerLevel(rt.RoomID, userID))
		}
	}
	if b.Len() == 0 {
		return invalid("level.get", "no user given")
	}
	call.Reply(b.String())
	return nil
}

func (g *Gatekeeper) cmdLevelSet(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	level, err := strconv.Atoi(call.Inv.Arg(0))
	if err != nil || level > maxSetLevel || level < -maxSetLevel {
		return invalid("level.set", "level must be a number from %d to %d, got %q", -maxSetLevel, maxSetLevel, call.Inv.Arg(0))
	}
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		return g.Client.SetUserPowerLevel(ctx, roomID, userID, level)
	})
	call.Replyf("Set level %d for %d target(s)", level, n)
	return err
}

func (g *Gatekeeper) cmdTrustGet(_ context.Context, call *command.Call) error {
	userID := call.Sender
	if len(call.Targets.Users) > 0 {
		userID = call.Targets.Users[0]
	}
	if userID == "" {
		return invalid("trust.get", "no user given")
	}
	rec, err := g.Store.GetUser(userID)
	if errors.Is(err, store.ErrNotFound) {
		return gkerr.Newf(gkerr.KindNotFound, "trust.get", "no record for %s", userID)
	} else if err != nil {
		return err
	}
	s := trust.Calc(rec, g.Now())
	call.Replyf("`%s` trust **%.1f** (tier %d, %d points, %d reactions received, first seen %s, %s)",
		userID, s.Trust, s.Tier, s.Points, s.Reactions, humanize.Time(rec.FirstSeen.Time), s.Msg)
	return nil
}

func limitOf(call *command.Call) (int, error) {
	v, ok := call.Inv.Flag("limit")
	if !ok {
		return defaultTopN, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, invalid(call.Inv.Name(), "invalid limit %q", v)
	}
	return n, nil
}

func (g *Gatekeeper) cmdTrustTop(_ context.Context, call *command.Call) error {
	limit, err := limitOf(call)
	if err != nil {
		return err
	}
	type ranked struct {
		rec   *store.UserRecord
		score trust.Score
	}
	now := g.Now()
	var users []ranked
	if err := g.Store.ForEachUser(func(rec *store.UserRecord) error {
		users = append(users, ranked{rec: rec, score: trust.Calc(rec, now)})
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read users: %w", err)
	}
	slices.SortStableFunc(users, func(a, b ranked) int {
		return cmp.Or(cmp.Compare(b.score.Trust, a.score.Trust), strings.Compare(string(a.rec.ID), string(b.rec.ID)))
	})
	var b strings.Builder
	fmt.Fprintf(&b, "%d users\n\n| User | Trust | Seen since | Bonus |\n|---|---|---|---|\n", len(users))
	for _, u := range users[:min(limit, len(users))] {
		fmt.Fprintf(&b, "| `%s` | %.1f | %s | %s |\n", u.rec.ID, u.score.Trust,
			humanize.RelTime(u.rec.FirstSeen.Time, now, "", ""), u.score.Msg)
	}
	call.Reply(b.String())
	return nil
}

func (g *Gatekeeper) cmdActivityTop(_ context.Context, call *command.Call) error {
	if err := requireRooms(call); err != nil {
		return err
	}
	limit, err := limitOf(call)
	if err != nil {
		return err
	}
	type ranked struct {
		userID id.UserID
		perDay float64
		events int
	}
	now := g.Now()
	var b strings.Builder
	for _, roomID := range call.Targets.RoomIDs() {
		var users []ranked
		if err := g.Store.ForEachUser(func(rec *store.UserRecord) error {
			rl := rec.Rooms[roomID]
			if rl == nil {
				return nil
			}
			n := 0
			for _, c := range rl.Events {
				n += c
			}
			days := max(now.Sub(rec.FirstSeen.Time).Hours()/24, 1)
			users = append(users, ranked{userID: rec.ID, perDay: float64(n) / days, events: n})
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read users: %w", err)
		}
		slices.SortStableFunc(users, func(a, b ranked) int {
			return cmp.Or(cmp.Compare(b.perDay, a.perDay), strings.Compare(string(a.userID), string(b.userID)))
		})
		fmt.Fprintf(&b, "**%s**\n\n| User | Events/day | Events |\n|---|---|---|\n", g.Rooms.Name(roomID))
		for _, u := range users[:min(limit, len(users))] {
			fmt.Fprintf(&b, "| `%s` | %.1f | %s |\n", u.userID, u.perDay, humanize.Comma(int64(u.events)))
		}
		b.WriteByte('\n')
	}
	call.Reply(b.String())
	return nil
}

func (g *Gatekeeper) cmdGetUser(_ context.Context, call *command.Call) error {
	if len(call.Targets.Users) == 0 {
		return invalid("db.get_user", "no user given")
	}
	for _, userID := range call.Targets.Users {
		rec, err := g.Store.GetUser(userID)
		if errors.Is(err, store.ErrNotFound) {
			return gkerr.Newf(gkerr.KindNotFound, "db.get_user", "no record for %s", userID)
		} else if err != nil {
			return err
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		call.Reply("```json\n" + string(data) + "\n```")
	}
	return nil
}

func (g *Gatekeeper) cmdForgetUser(_ context.Context, call *command.Call) error {
	if len(call.Targets.Users) == 0 {
		return invalid("db.forget_user", "no user given")
	}
	for _, userID := range call.Targets.Users {
		if err := g.Store.DeleteUser(userID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", userID, err)
		}
	}
	call.Replyf("Dropped %d user record(s)", len(call.Targets.Users))
	return nil
}

func (g *Gatekeeper) cmdRedact(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	reason := reasonOf(call)
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		member := g.Rooms.Member(roomID, userID)
		if member == nil {
			return gkerr.Newf(gkerr.KindNotFound, "redact", "not a member")
		}
		_, err := g.Client.Redact(ctx, roomID, member.EventID, reason)
		return err
	})
	call.Replyf("Redacted %d membership event(s)", n)
	return err
}

func (g *Gatekeeper) cmdKick(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	reason := reasonOf(call)
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		return g.Client.Kick(ctx, roomID, userID, reason)
	})
	call.Replyf("Kicked %d target(s)", n)
	return err
}

func (g *Gatekeeper) cmdBan(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	var d time.Duration
	if arg := call.Inv.Arg(0); arg != "" {
		var err error
		if d, err = command.ParseDuration(arg); err != nil {
			return err
		}
	} else if err := g.setOnJoin(ctx, call.Targets.Users, store.OnJoinBan); err != nil {
		return fmt.Errorf("failed to tag users: %w", err)
	}
	reason := reasonOf(call)
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		if err := g.tempBan(ctx, roomID, userID, d, reason); err != nil {
			return err
		}
		if g.Rooms.PowerLevel(roomID, userID) != 0 {
			return g.Client.SetUserPowerLevel(ctx, roomID, userID, 0)
		}
		return nil
	})
	if d > 0 {
		call.Replyf("Banned %d target(s) for %s", n, d)
	} else {
		call.Replyf("Banned %d target(s)", n)
	}
	return err
}

func (g *Gatekeeper) cmdUnban(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	var tagged []id.UserID
	for _, userID := range call.Targets.Users {
		rec, err := g.Store.GetUser(userID)
		if err == nil && rec.OnJoin == store.OnJoinBan {
			tagged = append(tagged, userID)
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := g.Store.RunTxn(ctx, func(txn *store.Txn) error {
		for _, userID := range tagged {
			rec, err := txn.User(userID)
			if err != nil {
				return err
			}
			if rec.OnJoin == store.OnJoinBan {
				rec.OnJoin = store.OnJoinNone
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to clear ban tags: %w", err)
	}
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		return g.Client.Unban(ctx, roomID, userID, "")
	})
	call.Replyf("Unbanned %d target(s)", n)
	return err
}

func (g *Gatekeeper) cmdMute(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	if err := g.setOnJoin(ctx, call.Targets.Users, store.OnJoinMute); err != nil {
		return fmt.Errorf("failed to tag users: %w", err)
	}
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		if g.Rooms.Membership(roomID, userID) != event.MembershipJoin {
			return nil
		}
		return g.Client.SetUserPowerLevel(ctx, roomID, userID, levelMuted)
	})
	call.Replyf("Muted %d target(s)", n)
	return err
}

func (g *Gatekeeper) cmdWhitelist(ctx context.Context, call *command.Call) error {
	if err := requireUsers(call); err != nil {
		return err
	}
	if err := g.setOnJoin(ctx, call.Targets.Users, store.OnJoinWhitelist); err != nil {
		return fmt.Errorf("failed to tag users: %w", err)
	}
	n, err := g.fanOut(ctx, call, func(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
		if g.Rooms.Membership(roomID, userID) != event.MembershipJoin || g.Rooms.PowerLevel(roomID, userID) > 0 {
			return nil
		}
		return g.Client.SetUserPowerLevel(ctx, roomID, userID, levelPromoted)
	})
	call.Replyf("Whitelisted %d target(s)", n)
	return err
}

func (g *Gatekeeper) cmdSchedule(_ context.Context, call *command.Call) error {
	d, err := command.ParseDuration(call.Inv.Arg(0))
	if err != nil {
		return err
	}
	line := strings.TrimPrefix(call.Inv.Arg(1), g.Config.CommandPrefix)
	if line == "" {
		return invalid("schedule", "no command given")
	}
	parsed, err := command.Parse(line)
	if err != nil {
		return err
	}
	cmd, err := g.Commands.Get(parsed.Name())
	if err != nil {
		return err
	}
	if !cmd.Console {
		return gkerr.Newf(gkerr.KindForbidden, "schedule", "%s cannot run unattended", cmd.Name)
	}
	// The line is replayed with console rights, so a room invoker must
	// already be allowed to run it where they are.
	if !call.Console {
		origin := command.Origin{RoomID: call.RoomID, Level: g.Rooms.PowerLevel(call.RoomID, call.Sender)}
		if err := cmd.Allowed(origin); err != nil {
			return err
		}
	}
	roomID := call.RoomID
	if rooms := call.Targets.RoomIDs(); len(rooms) > 0 {
		roomID = rooms[0]
	}
	a, err := g.Scheduler.Add(line, roomID, d)
	if err != nil {
		return err
	}
	call.Replyf("Scheduled `%s` %s (id `%s`)", line, humanize.Time(a.Due.Time), a.ID)
	return nil
}

func (g *Gatekeeper) cmdLedgerRebuild(ctx context.Context, call *command.Call) error {
	start := time.Now()
	n, err := g.Ledger.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild stopped after %d events: %w", n, err)
	}
	call.Replyf("Rebuilt user records from %s events in %s", humanize.Comma(int64(n)), time.Since(start).Round(time.Millisecond))
	return nil
}
