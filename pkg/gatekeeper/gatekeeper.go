// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/command"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/imagededup"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/ledger"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixapi"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/roomstate"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/scheduler"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/syncer"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/transport"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/trust"
)

// Options carries the dependencies New does not build itself.
type Options struct {
	// Store is used instead of opening Config.DatabasePath.
	Store *store.Store
	// HTTPClient sends the homeserver requests. Nil uses a default client.
	HTTPClient transport.Doer
}

// Gatekeeper owns every component of the bot and the sync loop that
// drives them.
type Gatekeeper struct {
	Config *Config
	Log    zerolog.Logger

	Store     *store.Store
	Client    *matrixapi.Client
	Rooms     *roomstate.Cache
	Ledger    *ledger.Ledger
	Syncer    *syncer.Syncer
	Commands  *command.Registry
	Scheduler *scheduler.Scheduler
	Dedup     *imagededup.Checker
	Flood     *trust.FloodCounter
	Policy    trust.Policy

	// Now is replaceable in tests.
	Now func() time.Time

	botID     id.UserID
	live      atomic.Bool
	ownsStore bool
	mentions  *mentionBatcher
	// checkpoints is only touched by the sync goroutine.
	checkpoints map[id.RoomID]id.EventID

	ctxMu    sync.Mutex
	ctx      context.Context
	handlers sync.WaitGroup
	admin    *http.Server
}

var _ syncer.Handler = (*Gatekeeper)(nil)
var _ scheduler.Runner = (*Gatekeeper)(nil)

// New wires the components described by cfg. Nothing touches the network
// until Start.
func New(cfg *Config, log zerolog.Logger, opts Options) (*Gatekeeper, error) {
	g := &Gatekeeper{
		Config:      cfg,
		Log:         log,
		Store:       opts.Store,
		Rooms:       roomstate.New(),
		Commands:    command.NewRegistry(),
		Flood:       trust.NewFloodCounter(cfg.Flood.Threshold),
		Policy:      trust.Policy{BotDomain: cfg.BotHeuristic.Domain, TrustDomains: cfg.TrustDomains},
		Now:         time.Now,
		checkpoints: make(map[id.RoomID]id.EventID),
		ctx:         context.Background(),
	}
	if g.Store == nil {
		s, err := store.Open(cfg.DatabasePath, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		g.Store = s
		g.ownsStore = true
	}

	exec := transport.NewExecutor(opts.HTTPClient, transport.Config{
		AccessToken:       cfg.AccessToken,
		RetryBase:         cfg.Transport.RetryBase,
		RetryBudget:       cfg.Transport.RetryBudget,
		RequestsPerSecond: cfg.Transport.RateLimit,
		Burst:             cfg.Transport.RateBurst,
	}, log)
	client, err := matrixapi.New(cfg.HomeserverURL, exec, log)
	if err != nil {
		g.closeStore()
		return nil, err
	}
	g.Client = client
	g.Client.MaxMediaBytes = cfg.ImageDedup.MaxBytes

	g.Ledger = ledger.New(g.Store, log)
	g.Syncer = syncer.New(g.Client, g, syncer.Config{
		BackoffFloor: cfg.Sync.BackoffFloor,
		BackoffCap:   cfg.Sync.BackoffCap,
		Timeout:      cfg.Sync.Timeout,
	}, log)
	g.Scheduler = scheduler.New(g.Store, g, log)
	g.Dedup = imagededup.New(g.Client, g.Store, nil, cfg.ImageDedup.MaxDistance, log)
	g.mentions = newMentionBatcher(cfg.MentionDebounce, g.flushMentions)

	if err := g.registerBuiltins(); err != nil {
		g.closeStore()
		return nil, err
	}
	return g, nil
}

// BotID returns the user id confirmed by Start.
func (g *Gatekeeper) BotID() id.UserID {
	return g.botID
}

// Live reports whether the first full sync pass has completed. Side
// effects are suppressed until then.
func (g *Gatekeeper) Live() bool {
	return g.live.Load()
}

func (g *Gatekeeper) context() context.Context {
	g.ctxMu.Lock()
	defer g.ctxMu.Unlock()
	return g.ctx
}

// Start verifies the access token, initializes the database status and
// starts the periodic jobs and the admin API. It does not start syncing.
func (g *Gatekeeper) Start(ctx context.Context) error {
	g.ctxMu.Lock()
	g.ctx = ctx
	g.ctxMu.Unlock()

	botID, err := g.Client.Whoami(ctx)
	if err != nil {
		return gkerr.New(gkerr.KindFatal, "whoami", fmt.Errorf("failed to verify access token: %w", err))
	}
	g.botID = botID
	g.Log = g.Log.With().Stringer("bot_id", botID).Logger()
	g.Log.Info().Str("homeserver", g.Config.HomeserverURL).Msg("Access token verified")

	if _, err := g.Store.GetStatus(); errors.Is(err, store.ErrNotFound) {
		if err := g.Store.PutStatus(&store.Status{Initialized: true, CreatedAt: g.Now()}); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		g.Log.Info().Str("path", g.Config.DatabasePath).Msg("Initialized new database")
	} else if err != nil {
		return fmt.Errorf("failed to read database status: %w", err)
	}

	if err := g.Scheduler.AddJob("flood reset", g.Config.Flood.ResetCron, func(context.Context) {
		g.Flood.Reset()
	}); err != nil {
		return err
	}
	if err := g.Scheduler.Start(ctx, g.Config.Scheduler.TickCron); err != nil {
		return err
	}
	g.startAdminAPI()
	return nil
}

// Run starts the gatekeeper and syncs until ctx is cancelled or a fatal
// error occurs.
func (g *Gatekeeper) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	return g.Syncer.Run(ctx)
}

// Close stops the periodic jobs and the admin API, waits for running
// command handlers and closes the database if New opened it.
func (g *Gatekeeper) Close() error {
	g.Scheduler.Stop()
	g.mentions.Stop()
	if g.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.admin.Shutdown(ctx); err != nil {
			g.Log.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	g.handlers.Wait()
	return g.closeStore()
}

func (g *Gatekeeper) closeStore() error {
	if !g.ownsStore {
		return nil
	}
	return g.Store.Close()
}

// spawn runs fn on its own goroutine. A panic is logged instead of
// crashing the process.
func (g *Gatekeeper) spawn(name string, fn func()) {
	g.handlers.Add(1)
	go func() {
		defer g.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				g.Log.Error().Str("task", name).Any("panic", r).Msg("Background task panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until every spawned handler has returned.
func (g *Gatekeeper) Wait() {
	g.handlers.Wait()
}
