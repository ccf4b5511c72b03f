// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
)

// maxTxnAttempts bounds RunTxn so a hot document cannot spin forever.
const maxTxnAttempts = 64

// Txn is an optimistic transaction over user records. Reads go through a
// per-id cache; Commit writes every cached record that was modified in
// one batch if none of them changed since it was read. Not thread-safe.
type Txn struct {
	s     *Store
	users map[id.UserID]*txnEntry
	order []id.UserID
	// marks are redaction marks added by this transaction.
	marks []string
}

type txnEntry struct {
	rec  *UserRecord
	read uint64
	// encoded is the record as it was read.
	encoded []byte
}

func (s *Store) begin() *Txn {
	return &Txn{s: s, users: make(map[id.UserID]*txnEntry)}
}

// User returns the record for userID, reading it on first access. A user
// that does not exist yet gets a fresh record first seen now, which is
// only stored if the transaction modifies it.
func (t *Txn) User(userID id.UserID) (*UserRecord, error) {
	if e, ok := t.users[userID]; ok {
		return e.rec, nil
	}
	rec, err := t.s.GetUser(userID)
	if errors.Is(err, ErrNotFound) {
		rec = NewUserRecord(userID, t.s.Now())
	} else if err != nil {
		return nil, err
	}
	rec.ID = userID
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user %s: %w", userID, err)
	}
	t.users[userID] = &txnEntry{rec: rec, read: rec.Version, encoded: encoded}
	t.order = append(t.order, userID)
	return rec, nil
}

// MarkRedacted records that the redaction of eventID is being counted. It
// returns false if an earlier redaction of the same event already was, in
// which case nothing is staged. The mark is written with the records.
func (t *Txn) MarkRedacted(roomID id.RoomID, eventID id.EventID) (bool, error) {
	key := redactedKey(roomID, eventID)
	if slices.Contains(t.marks, key) {
		return false, nil
	}
	_, err := t.s.get(key)
	if err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	t.marks = append(t.marks, key)
	return true, nil
}

// Commit writes the modified records and the new redaction marks. It
// returns ErrConflict if any modified record was written or deleted by
// someone else, or if another transaction marked the same redaction.
func (t *Txn) Commit() error {
	if len(t.users) == 0 && len(t.marks) == 0 {
		return nil
	}
	if t.s.beforeCommit != nil {
		t.s.beforeCommit()
	}
	t.s.commitMu.Lock()
	defer t.s.commitMu.Unlock()

	b := t.s.db.NewBatch()
	defer b.Close()
	writes := 0
	for _, userID := range t.order {
		e := t.users[userID]
		data, err := json.Marshal(e.rec)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", userID, err)
		}
		if bytes.Equal(data, e.encoded) {
			continue
		}
		var current uint64
		cur, err := t.s.GetUser(userID)
		if err == nil {
			current = cur.Version
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != e.read {
			return ErrConflict
		}
		e.rec.Version = e.read + 1
		if data, err = json.Marshal(e.rec); err != nil {
			return fmt.Errorf("failed to encode user %s: %w", userID, err)
		}
		if err := b.Set([]byte(userKey(userID)), data, nil); err != nil {
			return err
		}
		writes++
	}
	for _, key := range t.marks {
		if _, err := t.s.get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := b.Set([]byte(key), []byte("{}"), nil); err != nil {
			return err
		}
		writes++
	}
	if writes == 0 {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit users: %w", err)
	}
	return nil
}

// RunTxn runs fn in a transaction and commits it. On a conflict the read
// cache is discarded and fn runs again from scratch, so fn must not have
// side effects outside the transaction. Any other error is returned.
func (s *Store) RunTxn(ctx context.Context, fn func(*Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		txn := s.begin()
		if err := fn(txn); err != nil {
			return err
		}
		err := txn.Commit()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		metrics.TxnConflicts.Inc()
		if attempt >= maxTxnAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		s.log.Debug().Int("attempt", attempt).Msg("Transaction conflict, retrying")
	}
}
