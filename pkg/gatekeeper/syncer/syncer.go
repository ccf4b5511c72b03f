// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncer drives the /sync long-poll loop. It owns the resumption
// token and the soft-failure backoff, and hands every successful payload
// to a [Handler] in delivery order.
package syncer

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/matrixapi"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/transport"
)

const (
	DefaultBackoffFloor = 4 * time.Second
	DefaultBackoffCap   = 10 * time.Minute
	DefaultTimeout      = 60 * time.Second
)

// API is the long-poll call. Implemented by *matrixapi.Client.
type API interface {
	Sync(ctx context.Context, since string, timeout time.Duration) (*matrixapi.RespSync, error)
}

// Handler consumes sync payloads. A returned error stops the loop.
type Handler interface {
	HandleSync(ctx context.Context, resp *matrixapi.RespSync) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, resp *matrixapi.RespSync) error

func (f HandlerFunc) HandleSync(ctx context.Context, resp *matrixapi.RespSync) error {
	return f(ctx, resp)
}

// Config tunes the loop. Zero values fall back to the defaults.
type Config struct {
	BackoffFloor time.Duration
	BackoffCap   time.Duration
	Timeout      time.Duration
}

// Syncer holds the sync token and backoff. Tick and Run must not be called
// concurrently; Token is safe from any goroutine.
type Syncer struct {
	api     API
	handler Handler
	log     zerolog.Logger
	floor   time.Duration
	cap     time.Duration
	timeout time.Duration

	mu      sync.Mutex
	next    string
	backoff time.Duration

	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a syncer that feeds handler.
func New(api API, handler Handler, cfg Config, log zerolog.Logger) *Syncer {
	s := &Syncer{
		api:     api,
		handler: handler,
		log:     log.With().Str("component", "syncer").Logger(),
		floor:   cfg.BackoffFloor,
		cap:     cfg.BackoffCap,
		timeout: cfg.Timeout,
		Sleep:   sleepContext,
	}
	if s.floor <= 0 {
		s.floor = DefaultBackoffFloor
	}
	if s.cap <= 0 {
		s.cap = DefaultBackoffCap
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	s.backoff = s.floor
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Token returns the current resumption token. Empty means the next call
// is a cold start.
func (s *Syncer) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Backoff returns the wait applied to the next soft failure.
func (s *Syncer) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

func (s *Syncer) setToken(next string) {
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
}

// Tick performs one long-poll. Soft failures sleep for the current
// backoff, double it and return an empty payload without advancing the
// token. A 400 or 409 drops the token so the next call fetches full
// state. Everything else is returned as a [gkerr.KindFatal] error.
func (s *Syncer) Tick(ctx context.Context) (*matrixapi.RespSync, error) {
	since := s.Token()
	resp, err := s.api.Sync(ctx, since, s.timeout)
	if err == nil {
		s.mu.Lock()
		s.next = resp.NextBatch
		s.backoff = s.floor
		s.mu.Unlock()
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	status := gkerr.StatusOf(err)
	switch {
	case status == http.StatusBadRequest || status == http.StatusConflict:
		if since == "" {
			metrics.SyncFailures.WithLabelValues("fatal").Inc()
			return nil, gkerr.New(gkerr.KindFatal, "sync", err)
		}
		metrics.SyncFailures.WithLabelValues("token_reset").Inc()
		s.log.Warn().Err(err).Msg("Sync token rejected, resetting to full sync")
		s.setToken("")
		return &matrixapi.RespSync{}, nil
	case status == 0 || transport.Classify(status) == transport.ClassRateLimited ||
		transport.Classify(status) == transport.ClassServerError:
		wait := s.Backoff()
		if wait > s.cap {
			metrics.SyncFailures.WithLabelValues("fatal").Inc()
			return nil, gkerr.New(gkerr.KindFatal, "sync", errors.Join(
				errors.New("too many failed requests, backoff "+wait.String()+" exceeds "+s.cap.String()), err))
		}
		metrics.SyncFailures.WithLabelValues("retry").Inc()
		s.log.Warn().Err(err).Str("status", statusText(status)).Dur("wait", wait).Msg("Sync failed, retrying")
		if err := s.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.backoff = wait * 2
		s.mu.Unlock()
		return &matrixapi.RespSync{}, nil
	default:
		metrics.SyncFailures.WithLabelValues("fatal").Inc()
		return nil, gkerr.New(gkerr.KindFatal, "sync", err)
	}
}

func statusText(status int) string {
	if status == 0 {
		return "network"
	}
	return strconv.Itoa(status) + " " + http.StatusText(status)
}

// Run loops until ctx is cancelled or a fatal error occurs. Cancellation
// returns nil.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info().Msg("Starting sync loop")
	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handler.HandleSync(ctx, resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
