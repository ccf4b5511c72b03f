// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the gatekeeper's collections in an embedded
// Pebble database. Collections are key prefixes:
//
//	events/<room>/<event>       raw events, written once
//	users/<user>                versioned user records
//	redacted/<room>/<event>     events whose redaction the ledger counted
//	meta/<name>                 checkpoints and status flags
//	schedule/<due ms>/<uuid>    delayed commands, ordered by due time
//	phash/<mxc uri>             perceptual image digests
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = gkerr.Newf(gkerr.KindNotFound, "store", "document not found")
	// ErrConflict is returned by a commit that lost a race.
	ErrConflict = gkerr.Newf(gkerr.KindConflict, "store", "document changed since read")
)

const (
	prefixEvents   = "events/"
	prefixUsers    = "users/"
	prefixMeta     = "meta/"
	prefixSchedule = "schedule/"
	prefixPHash    = "phash/"
	prefixRedacted = "redacted/"
)

// Store is the document store. Thread-safe.
type Store struct {
	db  *pebble.DB
	log zerolog.Logger

	// commitMu serialises commits that compare versions.
	commitMu sync.Mutex

	// Now is replaceable in tests.
	Now func() time.Time
	// beforeCommit runs at the start of every transaction commit. Tests use
	// it to interleave a competing writer.
	beforeCommit func()
}

// Open opens or creates the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(path, &pebble.Options{}, log)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(log zerolog.Logger) (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, log)
}

func open(path string, opts *pebble.Options, log zerolog.Logger) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
		Now: time.Now,
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) getJSON(key string, into any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// scan calls fn for every key under prefix in order. The slices passed to
// fn are only valid during the call.
func (s *Store) scan(prefix string, fn func(key, value []byte) error) error {
	lower := []byte(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func eventKey(roomID id.RoomID, eventID id.EventID) string {
	return prefixEvents + string(roomID) + "/" + string(eventID)
}

func redactedKey(roomID id.RoomID, eventID id.EventID) string {
	return prefixRedacted + string(roomID) + "/" + string(eventID)
}

func userKey(userID id.UserID) string {
	return prefixUsers + string(userID)
}

// HasEvent reports whether (room, event) was already persisted.
func (s *Store) HasEvent(roomID id.RoomID, eventID id.EventID) (bool, error) {
	_, err := s.get(eventKey(roomID, eventID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetEvent returns a persisted event.
func (s *Store) GetEvent(roomID id.RoomID, eventID id.EventID) (*evt.Raw, error) {
	var raw evt.Raw
	if err := s.getJSON(eventKey(roomID, eventID), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// PutEvent persists raw unless an event with the same (room, event) id
// already exists. It reports whether the event was inserted.
func (s *Store) PutEvent(raw *evt.Raw) (bool, error) {
	key := eventKey(raw.RoomID, raw.EventID)
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if _, err := s.get(key); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.setJSON(key, raw); err != nil {
		return false, fmt.Errorf("failed to store event: %w", err)
	}
	return true, nil
}

// ForEachEvent calls fn for every persisted event in key order.
func (s *Store) ForEachEvent(fn func(*evt.Raw) error) error {
	return s.scan(prefixEvents, func(key, value []byte) error {
		var raw evt.Raw
		if err := json.Unmarshal(value, &raw); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return fn(&raw)
	})
}

// GetUser returns the stored record for userID.
func (s *Store) GetUser(userID id.UserID) (*UserRecord, error) {
	var rec UserRecord
	if err := s.getJSON(userKey(userID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ForEachUser calls fn for every stored user record.
func (s *Store) ForEachUser(fn func(*UserRecord) error) error {
	return s.scan(prefixUsers, func(key, value []byte) error {
		var rec UserRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return fn(&rec)
	})
}

// DeleteUser removes a user record. Transactions that read the record
// before the delete fail their commit with ErrConflict.
func (s *Store) DeleteUser(userID id.UserID) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.db.Delete([]byte(userKey(userID)), pebble.Sync)
}

// DeleteAllUsers removes every user record together with the redaction
// marks that were counted into them.
func (s *Store) DeleteAllUsers() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range []string{prefixUsers, prefixRedacted} {
		lower := []byte(prefix)
		if err := b.DeleteRange(lower, prefixEnd(lower), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Checkpoint is the last processed timeline event of a room.
type Checkpoint struct {
	LastEvent id.EventID `json:"last_event"`
}

// GetCheckpoint returns the checkpoint of roomID, or ErrNotFound.
func (s *Store) GetCheckpoint(roomID id.RoomID) (id.EventID, error) {
	var cp Checkpoint
	if err := s.getJSON(prefixMeta+"rooms/"+string(roomID), &cp); err != nil {
		return "", err
	}
	return cp.LastEvent, nil
}

// PutCheckpoints writes all given checkpoints in one batch.
func (s *Store) PutCheckpoints(cps map[id.RoomID]id.EventID) error {
	if len(cps) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for roomID, eventID := range cps {
		data, err := json.Marshal(Checkpoint{LastEvent: eventID})
		if err != nil {
			return err
		}
		if err := b.Set([]byte(prefixMeta+"rooms/"+string(roomID)), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoints: %w", err)
	}
	return nil
}

// Status is the persisted process status document.
type Status struct {
	Initialized bool      `json:"initialized"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetStatus returns the status document, or ErrNotFound on a fresh database.
func (s *Store) GetStatus() (*Status, error) {
	var st Status
	if err := s.getJSON(prefixMeta+"status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PutStatus replaces the status document.
func (s *Store) PutStatus(st *Status) error {
	return s.setJSON(prefixMeta+"status", st)
}

// GetPHash returns the digest stored for a media reference.
func (s *Store) GetPHash(mxc string) (uint64, error) {
	var d uint64
	if err := s.getJSON(prefixPHash+mxc, &d); err != nil {
		return 0, err
	}
	return d, nil
}

// PutPHash stores the digest of a media reference.
func (s *Store) PutPHash(mxc string, digest uint64) error {
	return s.setJSON(prefixPHash+mxc, digest)
}

// ForEachPHash calls fn for every stored digest.
func (s *Store) ForEachPHash(fn func(mxc string, digest uint64) error) error {
	return s.scan(prefixPHash, func(key, value []byte) error {
		var d uint64
		if err := json.Unmarshal(value, &d); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return fn(string(key[len(prefixPHash):]), d)
	})
}

// Stats counts the documents in each collection.
func (s *Store) Stats() (map[string]int, error) {
	out := make(map[string]int)
	for _, prefix := range []string{prefixEvents, prefixUsers, prefixMeta, prefixSchedule, prefixPHash, prefixRedacted} {
		n := 0
		if err := s.scan(prefix, func(_, _ []byte) error {
			n++
			return nil
		}); err != nil {
			return nil, err
		}
		out[prefix[:len(prefix)-1]] = n
	}
	return out, nil
}
