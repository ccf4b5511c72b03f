// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixfmt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/trust"
)

const (
	levelMuted    = -1
	levelPromoted = 1
)

// joinAlert applies the join policy to a member who just joined.
func (g *Gatekeeper) joinAlert(ctx context.Context, e *evt.Event, m evt.Membership) {
	if !trust.IsGenuineJoin(m) || e.StateKey == nil {
		return
	}
	userID := id.UserID(*e.StateKey)
	roomID := e.RoomID
	if userID == g.botID {
		return
	}
	log := g.Log.With().Str("component", "joinalert").Stringer("room_id", roomID).Stringer("user_id", userID).Logger()

	if count, tripped := g.Flood.Join(roomID); tripped {
		g.floodAlert(ctx, roomID, count, log)
	}

	rec, err := g.Store.GetUser(userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Err(err).Msg("Failed to read user record, skipping join policy")
		return
	}
	d := g.Policy.Decide(trust.Join{
		UserID:      userID,
		DisplayName: m.Displayname,
		AvatarURL:   m.AvatarURL,
		Level:       g.Rooms.PowerLevel(roomID, userID),
		Record:      rec,
		TrustedOnly: g.Config.Room(roomID).TrustedOnly,
		Now:         g.Now(),
	})
	metrics.JoinDecisions.WithLabelValues(string(d.Action)).Inc()
	log.Info().
		Str("action", string(d.Action)).
		Str("reason", d.Reason).
		Float64("trust", d.Score.Trust).
		Int("tier", d.Score.Tier).
		Msg("Join decision")

	banReason := g.Config.FormatMessage("gatekeep_ban", MessageParams{User: userID, Room: g.Rooms.Name(roomID)})
	switch d.Action {
	case trust.ActionMute:
		err = g.Client.SetUserPowerLevel(ctx, roomID, userID, levelMuted)
	case trust.ActionBan:
		err = g.Client.Ban(ctx, roomID, userID, banReason)
	case trust.ActionBotBan:
		err = g.tempBan(ctx, roomID, userID, g.Config.BotHeuristic.BanDuration, banReason)
	case trust.ActionTempBan:
		err = g.tempBan(ctx, roomID, userID, g.Config.TrustedOnlyBanDuration, banReason)
	case trust.ActionPromote:
		err = g.Client.SetUserPowerLevel(ctx, roomID, userID, levelPromoted)
	case trust.ActionReview:
		g.mentions.Add(roomID, userID)
	}
	if err != nil {
		log.Err(err).Str("action", string(d.Action)).Msg("Failed to apply join decision")
	}
}

// tempBan bans userID and schedules the unban.
func (g *Gatekeeper) tempBan(ctx context.Context, roomID id.RoomID, userID id.UserID, d time.Duration, reason string) error {
	if err := g.Client.Ban(ctx, roomID, userID, reason); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	if _, err := g.Scheduler.Add("unban "+userID.String(), roomID, d); err != nil {
		return fmt.Errorf("failed to schedule unban: %w", err)
	}
	return nil
}

// floodAlert closes the room to new joins and tells the owner.
func (g *Gatekeeper) floodAlert(ctx context.Context, roomID id.RoomID, count int, log zerolog.Logger) {
	log.Warn().Int("joins", count).Msg("Join flood, setting join rule to invite")
	rules := &event.JoinRulesEventContent{JoinRule: event.JoinRuleInvite}
	if _, err := g.Client.SetState(ctx, roomID, event.StateJoinRules.Type, "", rules); err != nil {
		log.Err(err).Msg("Failed to set join rule")
	}
	alertRoom := g.Config.AlertRoom
	if alertRoom == "" {
		alertRoom = roomID
	}
	text := g.Config.FormatMessage("flood_alert", MessageParams{Room: g.Rooms.Name(roomID), Count: count})
	if err := g.sendMention(ctx, alertRoom, []id.UserID{g.Config.OwnerID}, text); err != nil {
		log.Err(err).Msg("Failed to send flood alert")
	}
}

// flushMentions greets the members pending review and pings the owner.
func (g *Gatekeeper) flushMentions(roomID id.RoomID, users []id.UserID) {
	users = append(users, g.Config.OwnerID)
	text := g.Config.FormatMessage("gatekeep_mute", MessageParams{Room: g.Rooms.Name(roomID), Count: len(users) - 1})
	if err := g.sendMention(g.context(), roomID, users, text); err != nil {
		g.Log.Err(err).Stringer("room_id", roomID).Int("users", len(users)-1).Msg("Failed to send review mention")
	}
}

// sendMention sends text prefixed with pills for users.
func (g *Gatekeeper) sendMention(ctx context.Context, roomID id.RoomID, users []id.UserID, text string) error {
	mentioned := make([]matrixfmt.Mentioned, 0, len(users))
	for _, userID := range users {
		mentioned = append(mentioned, matrixfmt.Mentioned{UserID: userID, Name: g.Rooms.DisplayName(roomID, userID)})
	}
	_, err := g.Client.SendMessage(ctx, roomID, matrixfmt.Mention(mentioned, text))
	return err
}

// mentionBatcher collects users per room and flushes them together once
// no new user arrived for the debounce delay. Thread-safe.
type mentionBatcher struct {
	delay time.Duration
	flush func(roomID id.RoomID, users []id.UserID)

	mu      sync.Mutex
	pending map[id.RoomID][]id.UserID
	timers  map[id.RoomID]*time.Timer
	stopped bool
}

func newMentionBatcher(delay time.Duration, flush func(id.RoomID, []id.UserID)) *mentionBatcher {
	return &mentionBatcher{
		delay:   delay,
		flush:   flush,
		pending: make(map[id.RoomID][]id.UserID),
		timers:  make(map[id.RoomID]*time.Timer),
	}
}

// Add queues userID and restarts the room's timer.
func (b *mentionBatcher) Add(roomID id.RoomID, userID id.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if !slices.Contains(b.pending[roomID], userID) {
		b.pending[roomID] = append(b.pending[roomID], userID)
	}
	if t := b.timers[roomID]; t != nil {
		t.Stop()
	}
	b.timers[roomID] = time.AfterFunc(b.delay, func() { b.fire(roomID) })
}

func (b *mentionBatcher) fire(roomID id.RoomID) {
	b.mu.Lock()
	users := b.pending[roomID]
	delete(b.pending, roomID)
	delete(b.timers, roomID)
	stopped := b.stopped
	b.mu.Unlock()
	if len(users) > 0 && !stopped {
		b.flush(roomID, users)
	}
}

// Pending returns the users waiting in roomID.
func (b *mentionBatcher) Pending(roomID id.RoomID) []id.UserID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pending[roomID])
}

// Stop cancels every timer. Pending users are dropped.
func (b *mentionBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for _, t := range b.timers {
		t.Stop()
	}
	clear(b.timers)
	clear(b.pending)
}
