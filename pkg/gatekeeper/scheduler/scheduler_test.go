// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

const room = "!room:example.org"

func newTestScheduler(t *testing.T, r Runner) (*Scheduler, *time.Time) {
	t.Helper()
	s, err := store.OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	now := time.UnixMilli(1_700_000_000_000)
	sch := New(s, r, zerolog.Nop())
	sch.Now = func() time.Time { return now }
	s.Now = sch.Now
	return sch, &now
}

func TestTick_RunsDueOnce(t *testing.T) {
	t.Parallel()
	var ran []string
	sch, now := newTestScheduler(t, RunnerFunc(func(_ context.Context, a *store.ScheduledAction) error {
		ran = append(ran, a.Command)
		return nil
	}))
	ctx := context.Background()
	if _, err := sch.Add("unban @b:x", room, 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := sch.Add("unban @a:x", room, time.Hour); err != nil {
		t.Fatal(err)
	}

	if n, err := sch.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("early tick = %d, %v", n, err)
	}
	*now = now.Add(90 * time.Minute)
	if n, err := sch.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("tick = %d, %v", n, err)
	}
	*now = now.Add(time.Hour)
	if n, err := sch.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("tick = %d, %v", n, err)
	}
	if n, _ := sch.Tick(ctx); n != 0 {
		t.Fatalf("actions ran twice: %d", n)
	}
	if !slices.Equal(ran, []string{"unban @a:x", "unban @b:x"}) {
		t.Errorf("ran = %q", ran)
	}
	pending, err := sch.Pending()
	if err != nil || len(pending) != 0 {
		t.Errorf("pending = %v, %v", pending, err)
	}
}

func TestTick_FailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	var ran int
	sch, now := newTestScheduler(t, RunnerFunc(func(_ context.Context, a *store.ScheduledAction) error {
		ran++
		if a.Command == "bad" {
			return errors.New("boom")
		}
		return nil
	}))
	for _, c := range []string{"bad", "good"} {
		if _, err := sch.Add(c, room, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	*now = now.Add(time.Hour)
	if n, err := sch.Tick(context.Background()); err != nil || n != 2 || ran != 2 {
		t.Fatalf("tick = %d, %v, ran %d", n, err, ran)
	}
	// A failed action is not retried.
	if n, _ := sch.Tick(context.Background()); n != 0 {
		t.Errorf("failed action rescheduled")
	}
}

func TestStart_InvalidSpec(t *testing.T) {
	t.Parallel()
	sch, _ := newTestScheduler(t, RunnerFunc(func(context.Context, *store.ScheduledAction) error { return nil }))
	if err := sch.Start(context.Background(), "not a cron spec"); err == nil {
		sch.Stop()
		t.Fatal("invalid spec accepted")
	}
	if err := sch.AddJob("flood reset", "@hourly", func(context.Context) {}); err != nil {
		t.Errorf("@hourly rejected: %v", err)
	}
}
