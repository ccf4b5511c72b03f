// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// ScheduledAction is a command to replay at Due.
type ScheduledAction struct {
	ID      string             `json:"id"`
	Command string             `json:"command"`
	RoomID  id.RoomID          `json:"room_id"`
	Due     jsontime.UnixMilli `json:"due"`
	Created jsontime.UnixMilli `json:"created"`
}

func scheduleKey(due time.Time, actionID string) string {
	return fmt.Sprintf("%s%020d/%s", prefixSchedule, due.UnixMilli(), actionID)
}

// AddSchedule persists a new action and returns it with its id filled in.
func (s *Store) AddSchedule(command string, roomID id.RoomID, due time.Time) (*ScheduledAction, error) {
	a := &ScheduledAction{
		ID:      uuid.NewString(),
		Command: command,
		RoomID:  roomID,
		Due:     jsontime.UM(due),
		Created: jsontime.UM(s.Now()),
	}
	if err := s.setJSON(scheduleKey(due, a.ID), a); err != nil {
		return nil, fmt.Errorf("failed to store scheduled action: %w", err)
	}
	return a, nil
}

// ListSchedule returns every pending action ordered by due time.
func (s *Store) ListSchedule() ([]*ScheduledAction, error) {
	return s.scheduleUntil(time.Time{})
}

// DueSchedule returns the actions due at or before now, oldest first.
func (s *Store) DueSchedule(now time.Time) ([]*ScheduledAction, error) {
	return s.scheduleUntil(now)
}

func (s *Store) scheduleUntil(until time.Time) ([]*ScheduledAction, error) {
	var out []*ScheduledAction
	errStop := errors.New("stop")
	err := s.scan(prefixSchedule, func(key, value []byte) error {
		var a ScheduledAction
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		if !until.IsZero() && a.Due.After(until) {
			return errStop
		}
		out = append(out, &a)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

// ClaimSchedule deletes a pending action. It reports false if the action
// was already claimed, so each action runs at most once.
func (s *Store) ClaimSchedule(a *ScheduledAction) (bool, error) {
	key := scheduleKey(a.Due.Time, a.ID)
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if _, err := s.get(key); errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to delete scheduled action: %w", err)
	}
	return true, nil
}
