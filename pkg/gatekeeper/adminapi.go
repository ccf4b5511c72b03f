// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gatekeeper

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// maxCommandBodySize is the maximum request body of POST /api/command (64 KiB).
const maxCommandBodySize = 64 << 10

// AdminHandler serves /metrics, /api/status and /api/command.
func (g *Gatekeeper) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", g.HandleStatus)
	mux.HandleFunc("/api/command", g.HandleCommand)
	return mux
}

func (g *Gatekeeper) startAdminAPI() {
	addr := g.Config.AdminAPIAddr
	if addr == "" {
		return
	}
	g.admin = &http.Server{
		Addr:         addr,
		Handler:      g.AdminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		g.Log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := g.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.Log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// Status is the body of GET /api/status.
type Status struct {
	Live         bool           `json:"live"`
	UserID       id.UserID      `json:"user_id"`
	SyncToken    string         `json:"sync_token"`
	ManagedRooms []id.RoomID    `json:"managed_rooms"`
	CachedRooms  int            `json:"cached_rooms"`
	Members      int            `json:"joined_members"`
	Scheduled    int            `json:"scheduled_actions"`
	Documents    map[string]int `json:"documents"`
}

// Status collects the current state of the gatekeeper.
func (g *Gatekeeper) Status() (*Status, error) {
	rooms, joined := g.Rooms.Stats()
	docs, err := g.Store.Stats()
	if err != nil {
		return nil, err
	}
	pending, err := g.Scheduler.Pending()
	if err != nil {
		return nil, err
	}
	return &Status{
		Live:         g.Live(),
		UserID:       g.botID,
		SyncToken:    g.Syncer.Token(),
		ManagedRooms: g.Config.ManagedRooms(),
		CachedRooms:  rooms,
		Members:      joined,
		Scheduled:    len(pending),
		Documents:    docs,
	}, nil
}

// HandleStatus is an HTTP handler for GET /api/status.
func (g *Gatekeeper) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := g.Status()
	if err != nil {
		g.Log.Err(err).Msg("Failed to collect status")
		http.Error(w, "failed to collect status", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Replies []string `json:"replies"`
	Error   string   `json:"error,omitempty"`
}

// HandleCommand is an HTTP handler for POST /api/command. It runs the
// command line in the body with the console origin and returns the
// replies it produced. Requests must carry the configured admin API
// token as a bearer token; without a configured token the endpoint is
// disabled.
func (g *Gatekeeper) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.Config.AdminAPIToken == "" {
		http.Error(w, "console API disabled, admin_api_token is not set", http.StatusForbidden)
		return
	}
	if !g.authorized(r) {
		g.Log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected console command with a bad token")
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Command == "" {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	g.Log.Info().Str("remote_addr", r.RemoteAddr).Str("command", req.Command).Msg("Console command requested")

	var mu sync.Mutex
	resp := commandResponse{Replies: []string{}}
	err = g.RunConsole(r.Context(), req.Command, func(md string) {
		mu.Lock()
		resp.Replies = append(resp.Replies, md)
		mu.Unlock()
	})
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = httpStatusOf(err)
	}
	g.writeJSON(w, status, &resp)
}

func (g *Gatekeeper) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.Config.AdminAPIToken)) == 1
}

func httpStatusOf(err error) int {
	switch gkerr.KindOf(err) {
	case gkerr.KindNotFound:
		return http.StatusNotFound
	case gkerr.KindForbidden:
		return http.StatusForbidden
	case gkerr.KindInvalidArgument:
		return http.StatusBadRequest
	case gkerr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gatekeeper) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
