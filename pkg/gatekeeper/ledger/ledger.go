// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ledger folds events into per-user activity records: event
// counts, redactions and reactions, each split by room.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

// Ledger applies events to user records in the store.
type Ledger struct {
	store *store.Store
	log   zerolog.Logger
}

// New creates a ledger backed by s.
func New(s *store.Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: s, log: log.With().Str("component", "ledger").Logger()}
}

// reaction is the part of a reaction event the tallies need.
type reaction struct {
	sender id.UserID
	key    string
	target *evt.Raw
}

// Apply records e. Related events (redaction targets, reacted-to events)
// are looked up before the transaction starts; they are immutable, so a
// rerun of the transaction body sees the same inputs.
func (l *Ledger) Apply(ctx context.Context, e *evt.Event) error {
	var redacted *evt.Event
	var added, removed *reaction

	switch p := e.Payload.(type) {
	case evt.Redaction:
		r, err := l.lookup(e.RoomID, p.Redacts)
		if err != nil {
			return err
		}
		if r == nil {
			l.log.Warn().Stringer("event_id", e.EventID).Stringer("redacts", p.Redacts).Msg("Redacted event not found")
			break
		}
		redacted, err = evt.Parse(e.RoomID, r)
		if err != nil {
			l.log.Warn().Err(err).Stringer("redacts", p.Redacts).Msg("Redacted event is malformed")
			redacted = nil
			break
		}
		if rp, ok := redacted.Payload.(evt.Reaction); ok {
			removed, err = l.reactionOf(redacted.Raw, rp)
			if err != nil {
				return err
			}
		}
	case evt.Reaction:
		var err error
		added, err = l.reactionOf(e.Raw, p)
		if err != nil {
			return err
		}
	}

	return l.store.RunTxn(ctx, func(txn *store.Txn) error {
		sender, err := txn.User(e.Sender)
		if err != nil {
			return err
		}
		sender.Seen(e.Time())
		sender.Room(e.RoomID).Events[e.Type]++

		if redacted != nil {
			first, err := txn.MarkRedacted(e.RoomID, redacted.EventID)
			if err != nil {
				return err
			}
			if !first {
				// Already counted by an earlier redaction of the same event.
				return nil
			}
			if redacted.Sender == e.Sender {
				sender.Room(e.RoomID).Redacted.Self[redacted.Type]++
			} else {
				sender.Room(e.RoomID).Redacted.Sent[redacted.Type]++
				target, err := txn.User(redacted.Sender)
				if err != nil {
					return err
				}
				target.Seen(redacted.Time())
				target.Room(e.RoomID).Redacted.Recv[redacted.Type]++
			}
		}
		if removed != nil {
			if err := tally(txn, e.RoomID, removed, -1); err != nil {
				return err
			}
		}
		if added != nil {
			if err := tally(txn, e.RoomID, added, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) lookup(roomID id.RoomID, eventID id.EventID) (*evt.Raw, error) {
	if eventID == "" {
		return nil, nil
	}
	raw, err := l.store.GetEvent(roomID, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", eventID, err)
	}
	return raw, nil
}

// reactionOf resolves the reacted-to event. Reactions whose content was
// stripped by a redaction carry no relation and are not tallied.
func (l *Ledger) reactionOf(raw *evt.Raw, p evt.Reaction) (*reaction, error) {
	rel := p.RelatesTo
	if rel.EventID == "" {
		return nil, nil
	}
	if rel.Key == "" {
		l.log.Warn().Stringer("event_id", raw.EventID).Msg("Reaction without key")
		return nil, nil
	}
	target, err := l.lookup(raw.RoomID, rel.EventID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		l.log.Warn().Stringer("event_id", raw.EventID).Stringer("target", rel.EventID).Msg("Reacted-to event not found")
		return nil, nil
	}
	return &reaction{sender: raw.Sender, key: rel.Key, target: target}, nil
}

func tally(txn *store.Txn, roomID id.RoomID, r *reaction, delta int) error {
	sender, err := txn.User(r.sender)
	if err != nil {
		return err
	}
	if r.sender == r.target.Sender {
		sender.Room(roomID).Reactions.Self[r.key] += delta
		return nil
	}
	sender.Room(roomID).Reactions.Sent[r.key] += delta
	target, err := txn.User(r.target.Sender)
	if err != nil {
		return err
	}
	target.Seen(r.target.Timestamp.Time)
	target.Room(roomID).Reactions.Recv[r.key] += delta
	return nil
}

// Rebuild wipes every user record and replays all persisted events.
// OnJoin tags are policy, not activity, so they survive the rebuild.
func (l *Ledger) Rebuild(ctx context.Context) (int, error) {
	tags := make(map[id.UserID]store.OnJoin)
	if err := l.store.ForEachUser(func(u *store.UserRecord) error {
		if u.OnJoin != store.OnJoinNone {
			tags[u.ID] = u.OnJoin
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to read onjoin tags: %w", err)
	}
	if err := l.store.DeleteAllUsers(); err != nil {
		return 0, fmt.Errorf("failed to wipe users: %w", err)
	}

	var raws []*evt.Raw
	if err := l.store.ForEachEvent(func(raw *evt.Raw) error {
		raws = append(raws, raw)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	start := time.Now()
	last := start
	n := 0
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		e, err := evt.Parse(raw.RoomID, raw)
		if err != nil {
			l.log.Warn().Err(err).Msg("Skipping malformed stored event")
			continue
		}
		if err := l.Apply(ctx, e); err != nil {
			return n, err
		}
		n++
		if time.Since(last) > time.Second {
			last = time.Now()
			l.log.Info().Int("done", i+1).Int("total", len(raws)).Msg("Rebuilding ledger")
		}
	}

	for userID, tag := range tags {
		err := l.store.RunTxn(ctx, func(txn *store.Txn) error {
			u, err := txn.User(userID)
			if err != nil {
				return err
			}
			u.OnJoin = tag
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to restore onjoin for %s: %w", userID, err)
		}
	}
	l.log.Info().Int("events", n).Dur("took", time.Since(start)).Msg("Ledger rebuilt")
	return n, nil
}
