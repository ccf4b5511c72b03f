// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scheduler runs the periodic jobs of the gatekeeper and replays
// delayed commands once they are due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

// Store persists delayed actions.
type Store interface {
	AddSchedule(command string, roomID id.RoomID, due time.Time) (*store.ScheduledAction, error)
	ListSchedule() ([]*store.ScheduledAction, error)
	DueSchedule(now time.Time) ([]*store.ScheduledAction, error)
	ClaimSchedule(a *store.ScheduledAction) (bool, error)
}

// Runner executes a due action.
type Runner interface {
	RunScheduled(ctx context.Context, a *store.ScheduledAction) error
}

// RunnerFunc adapts a function to [Runner].
type RunnerFunc func(ctx context.Context, a *store.ScheduledAction) error

func (f RunnerFunc) RunScheduled(ctx context.Context, a *store.ScheduledAction) error {
	return f(ctx, a)
}

// Scheduler owns the cron of periodic jobs. Thread-safe.
type Scheduler struct {
	store  Store
	runner Runner
	cron   *cron.Cron
	log    zerolog.Logger

	// Now is the clock used to find due actions.
	Now func() time.Time

	ctxMu sync.Mutex
	ctx   context.Context
	// tickMu keeps ticks from overlapping.
	tickMu sync.Mutex
}

// New creates a scheduler. Jobs start running after Start.
func New(s Store, r Runner, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		store:  s,
		runner: r,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:    log,
		Now:    time.Now,
		ctx:    context.Background(),
	}
}

// AddJob registers fn under a standard five-field cron spec or a
// descriptor such as "@hourly" or "@every 30s".
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Debug().Str("job", name).Msg("Running periodic job")
		fn(s.context())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start registers the due-action tick and starts the cron. Jobs receive
// ctx, which should be cancelled after Stop.
func (s *Scheduler) Start(ctx context.Context, tickSpec string) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
	if err := s.AddJob("schedule tick", tickSpec, func(ctx context.Context) {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Err(err).Msg("Schedule tick failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) context() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return s.ctx
}

// Add schedules command to run in roomID after delay.
func (s *Scheduler) Add(command string, roomID id.RoomID, delay time.Duration) (*store.ScheduledAction, error) {
	a, err := s.store.AddSchedule(command, roomID, s.Now().Add(delay))
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("action_id", a.ID).Str("command", command).Time("due", a.Due.Time).Msg("Scheduled command")
	return a, nil
}

// Pending lists the actions not yet run.
func (s *Scheduler) Pending() ([]*store.ScheduledAction, error) {
	return s.store.ListSchedule()
}

// Tick runs every due action once. Actions are claimed (deleted) before
// they run, so a crash mid-run drops the action instead of repeating it.
// A failing action does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	due, err := s.store.DueSchedule(s.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due actions: %w", err)
	}
	ran := 0
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		claimed, err := s.store.ClaimSchedule(a)
		if err != nil {
			return ran, fmt.Errorf("failed to claim %s: %w", a.ID, err)
		}
		if !claimed {
			continue
		}
		ran++
		metrics.ScheduledRuns.Inc()
		log := s.log.With().Str("action_id", a.ID).Str("command", a.Command).Logger()
		log.Info().Dur("late", s.Now().Sub(a.Due.Time)).Msg("Running scheduled command")
		if err := s.runner.RunScheduled(ctx, a); err != nil {
			log.Err(err).Msg("Scheduled command failed")
		}
	}
	return ran, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Err(err).Fields(keysAndValues).Msg(msg)
}
