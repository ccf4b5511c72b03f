// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixapi"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixfmt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

const (
	gapContextLimit = 50
	gapPageLimit    = 100
)

// HandleSync processes one sync payload. Room state of every joined room
// is cached; timelines are only processed for managed rooms. The first
// real payload that is handled without error switches the gatekeeper
// live. Payloads without a batch token are the syncer's no-op ticks and
// are ignored.
func (g *Gatekeeper) HandleSync(ctx context.Context, resp *matrixapi.RespSync) error {
	if resp == nil || resp.NextBatch == "" {
		return nil
	}
	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Join)) {
		jr := resp.Rooms.Join[roomID]
		if jr == nil {
			continue
		}
		g.Rooms.Ensure(roomID)
		for _, raw := range jr.State.Events {
			g.applyState(roomID, raw)
		}
		if !g.Config.Room(roomID).Manage {
			for _, raw := range jr.Timeline.Events {
				if raw != nil && raw.IsState() {
					g.applyState(roomID, raw)
				}
			}
			continue
		}
		if jr.Timeline.Limited {
			if err := g.fillGap(ctx, roomID); err != nil {
				return err
			}
		}
		for _, raw := range jr.Timeline.Events {
			if err := g.processEvent(ctx, roomID, raw); err != nil {
				return err
			}
		}
	}

	if err := g.Store.PutCheckpoints(g.checkpoints); err != nil {
		return fmt.Errorf("failed to save checkpoints: %w", err)
	}
	clear(g.checkpoints)

	if !g.live.Load() {
		g.goLive(ctx)
	}
	return nil
}

func (g *Gatekeeper) goLive(ctx context.Context) {
	for _, roomID := range g.Config.ManagedRooms() {
		if !g.Rooms.Has(roomID) {
			g.Log.Warn().Stringer("room_id", roomID).Msg("Managed room is not joined")
			continue
		}
		if len(g.Rooms.Members(roomID, event.MembershipJoin)) == 0 {
			g.loadRoster(ctx, roomID)
		}
		g.Log.Info().Stringer("room_id", roomID).Str("name", g.Rooms.Name(roomID)).Msg("Managing room")
	}
	g.live.Store(true)
	g.Log.Info().Msg("Initial sync done, now live")
}

// loadRoster fills the member list of a room whose sync carried no
// membership events, as happens with lazy-loaded members.
func (g *Gatekeeper) loadRoster(ctx context.Context, roomID id.RoomID) {
	members, err := g.Client.Members(ctx, roomID)
	if err != nil {
		g.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch room members")
		return
	}
	for _, raw := range members {
		g.applyState(roomID, raw)
	}
	g.Log.Debug().Stringer("room_id", roomID).Int("count", len(members)).Msg("Loaded room members")
}

// applyState caches a state event without persisting it.
func (g *Gatekeeper) applyState(roomID id.RoomID, raw *evt.Raw) {
	e, err := evt.Parse(roomID, raw)
	if err != nil {
		g.Log.Debug().Err(err).Stringer("room_id", roomID).Msg("Ignoring malformed state event")
		return
	}
	g.Rooms.Apply(e)
}

// fillGap replays the history between the room checkpoint and the
// present after a limited timeline. Rooms without a checkpoint have
// nothing to resume from.
func (g *Gatekeeper) fillGap(ctx context.Context, roomID id.RoomID) error {
	log := g.Log.With().Stringer("room_id", roomID).Logger()
	last, err := g.Store.GetCheckpoint(roomID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("Limited timeline without checkpoint, not resyncing")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read checkpoint of %s: %w", roomID, err)
	}
	log.Info().Stringer("checkpoint", last).Msg("Timeline gap, resyncing room")

	around, err := g.Client.Context(ctx, roomID, last, gapContextLimit)
	if err != nil {
		return g.gapError(roomID, err)
	}
	for _, raw := range around.State {
		g.applyState(roomID, raw)
	}
	// events_before is newest first.
	before := slices.Clone(around.EventsBefore)
	slices.Reverse(before)
	n := 0
	for _, raw := range slices.Concat(before, around.EventsAfter) {
		if err := g.processEvent(ctx, roomID, raw); err != nil {
			return err
		}
		n++
	}

	from := around.End
	for from != "" {
		page, err := g.Client.Messages(ctx, roomID, from, mautrix.DirectionForward, gapPageLimit)
		if err != nil {
			return g.gapError(roomID, err)
		}
		for _, raw := range page.Chunk {
			if err := g.processEvent(ctx, roomID, raw); err != nil {
				return err
			}
			n++
		}
		if len(page.Chunk) == 0 || page.End == from {
			break
		}
		from = page.End
	}
	log.Info().Int("events", n).Msg("Room resynced")
	return nil
}

// gapError stops the loop on fatal errors only. Anything else leaves the
// gap unfilled and syncing continues.
func (g *Gatekeeper) gapError(roomID id.RoomID, err error) error {
	if gkerr.Is(err, gkerr.KindFatal) {
		return fmt.Errorf("failed to resync %s: %w", roomID, err)
	}
	g.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to resync room, continuing")
	return nil
}

// processEvent runs one timeline event of a managed room through the
// store, the ledger and the cache, then applies side effects if it is new
// and the gatekeeper is live.
func (g *Gatekeeper) processEvent(ctx context.Context, roomID id.RoomID, raw *evt.Raw) error {
	e, err := evt.Parse(roomID, raw)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues("malformed").Inc()
		g.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Skipping malformed event")
		return nil
	}
	inserted, err := g.Store.PutEvent(e.Raw)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", e.EventID, err)
	}
	if inserted {
		if err := g.Ledger.Apply(ctx, e); err != nil {
			return fmt.Errorf("failed to update ledger with %s: %w", e.EventID, err)
		}
	}
	g.Rooms.Apply(e)
	g.checkpoints[roomID] = e.EventID

	if !inserted {
		metrics.EventsProcessed.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.EventsProcessed.WithLabelValues("new").Inc()
	if e.Redacted || e.Sender == g.botID {
		return nil
	}

	rc := g.Config.Room(roomID)
	switch p := e.Payload.(type) {
	case evt.Message:
		if g.live.Load() {
			g.onMessage(e, p, rc)
		}
		if rc.WordFilter {
			g.filterWords(ctx, e, p)
		}
	case evt.Membership:
		if g.live.Load() {
			g.joinAlert(ctx, e, p)
		}
	}
	return nil
}

func (g *Gatekeeper) onMessage(e *evt.Event, msg evt.Message, rc RoomConfig) {
	if msg.MessageEventContent == nil {
		return
	}
	switch msg.MsgType {
	case event.MsgText:
		text := matrixfmt.CommandText(msg.MessageEventContent)
		if line, ok := strings.CutPrefix(text, g.Config.CommandPrefix); ok {
			g.commandFromRoom(e, line)
		}
	case event.MsgImage:
		if rc.ImageDedup {
			g.checkImage(e, msg)
		}
	}
}

// filterWords redacts a message containing a filtered term. It runs for
// every new message, including the catch-up before going live.
func (g *Gatekeeper) filterWords(ctx context.Context, e *evt.Event, msg evt.Message) {
	if msg.MessageEventContent == nil {
		return
	}
	term, hit := g.Config.FilteredTerm(msg.Body)
	if !hit {
		return
	}
	log := g.Log.With().Stringer("room_id", e.RoomID).Stringer("event_id", e.EventID).Stringer("sender", e.Sender).Logger()
	if _, err := g.Client.Redact(ctx, e.RoomID, e.EventID, "Word filter"); err != nil {
		log.Err(err).Msg("Failed to redact filtered message")
		return
	}
	log.Info().Str("term", term).Msg("Redacted filtered message")
}

// checkImage reacts to an image that is a near-duplicate of one seen
// before. Downloading and hashing happen off the sync goroutine.
func (g *Gatekeeper) checkImage(e *evt.Event, msg evt.Message) {
	if msg.URL == "" {
		return
	}
	uri, err := msg.URL.Parse()
	if err != nil {
		g.Log.Debug().Err(err).Stringer("event_id", e.EventID).Msg("Ignoring image with invalid URL")
		return
	}
	g.spawn("image dedup", func() {
		ctx := g.context()
		log := g.Log.With().Stringer("room_id", e.RoomID).Stringer("event_id", e.EventID).Logger()
		match, err := g.Dedup.Check(ctx, uri)
		if err != nil {
			log.Warn().Err(err).Msg("Image dedup check failed")
			return
		}
		if match == nil {
			return
		}
		log.Info().Str("duplicate_of", match.MXC).Int("distance", match.Distance).Msg("Duplicate image")
		if _, err := g.Client.SendReaction(ctx, e.RoomID, e.EventID, g.Config.ImageDedup.Reaction); err != nil {
			log.Err(err).Msg("Failed to react to duplicate image")
		}
	})
}
