// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gatekeeper implements an automated Matrix moderation bot.
//
// The bot long-polls /sync as a regular user, persists every timeline
// event of the rooms it manages, keeps a per-user activity ledger and
// derives a trust score from it. New members are promoted, muted, banned
// or queued for review based on that score; text commands let moderators
// act on users across rooms.
//
// # Core Types
//
// [Gatekeeper] wires the components and implements [syncer.Handler]. Its
// HandleSync method is the event processor: it runs on the sync goroutine
// and handles events strictly in delivery order.
//
// [Config] is the YAML configuration, see example-config.yaml.
//
// # Live Phase
//
// Nothing is sent to the homeserver in reaction to events until the first
// sync pass over all joined rooms has completed. History seen during
// catch-up updates the ledger and the room state cache only. The word
// filter is the exception and also redacts messages it catches up on.
//
// # Admin API
//
// When admin_api_addr is set the bot serves Prometheus metrics on
// /metrics, a JSON status on GET /api/status and console commands on
// POST /api/command.
//
// # Sub-packages
//
//   - transport: retrying HTTP executor with status classification.
//   - matrixapi: the client-server endpoints used by the bot.
//   - syncer: the /sync loop, token and backoff.
//   - evt: event envelope and typed payloads.
//   - store: pebble-backed document store with optimistic transactions.
//   - ledger: per-user activity counters.
//   - roomstate: in-memory room state and membership cache.
//   - trust: trust score, join policy and flood counter.
//   - command: tokenizer, target resolution and the command registry.
//   - scheduler: cron jobs and delayed commands.
//   - imagededup: perceptual hashing of posted images.
//   - matrixfmt: HTML command text and mention pills.
package gatekeeper
