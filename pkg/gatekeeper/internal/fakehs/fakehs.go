// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fakehs is an in-process homeserver for tests. It records every
// call and serves canned responses for the endpoints the gatekeeper uses.
package fakehs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// Call records one request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// Reply is a canned response.
type Reply struct {
	Status int
	Body   string
}

// Server wraps an httptest.Server simulating the client-server API.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	calls   []Call
	eventN  int
	UserID  string
	Syncs   []Reply
	State   map[string]map[string]json.RawMessage
	Members map[string][]json.RawMessage
	// Context maps "room/event" to a /context response body.
	Context map[string]string
	// Messages maps "room/from" to a /messages response body.
	Messages map[string]string
	// Media maps "server/mediaID" to file bytes.
	Media map[string][]byte
	// FailEndpoints makes requests whose path contains the key return the
	// given status.
	FailEndpoints map[string]int
}

// New starts a fake homeserver. Close it with t.Cleanup(srv.Close).
func New() *Server {
	s := &Server{
		UserID:        "@gatekeeper:example.org",
		State:         make(map[string]map[string]json.RawMessage),
		Members:       make(map[string][]json.RawMessage),
		Context:       make(map[string]string),
		Messages:      make(map[string]string),
		Media:         make(map[string][]byte),
		FailEndpoints: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// Calls returns a copy of the recorded calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Call, len(s.calls))
	copy(cp, s.calls)
	return cp
}

// CallsTo returns the recorded calls whose path contains fragment.
func (s *Server) CallsTo(method, fragment string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && strings.Contains(c.Path, fragment) {
			out = append(out, c)
		}
	}
	return out
}

// SetState stores content at (room, type, stateKey).
func (s *Server) SetState(room, eventType, stateKey string, content any) {
	data, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State[room] == nil {
		s.State[room] = make(map[string]json.RawMessage)
	}
	s.State[room][eventType+"/"+stateKey] = data
}

// StateContent returns the stored content at (room, type, stateKey).
func (s *Server) StateContent(room, eventType, stateKey string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State[room][eventType+"/"+stateKey]
}

// SetContext registers the /context response for (room, event).
func (s *Server) SetContext(room, eventID, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context[room+"/"+eventID] = body
}

// SetMessages registers the /messages response for (room, from).
func (s *Server) SetMessages(room, from, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages[room+"/"+from] = body
}

// SetMedia registers a downloadable file.
func (s *Server) SetMedia(server, mediaID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Media[server+"/"+mediaID] = data
}

// AddMember registers a membership event returned by /members.
func (s *Server) AddMember(room string, member any) {
	data, err := json.Marshal(member)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Members[room] = append(s.Members[room], data)
}

// Fail makes requests whose path contains fragment return status.
// Status 0 removes the injection.
func (s *Server) Fail(fragment string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.FailEndpoints, fragment)
		return
	}
	s.FailEndpoints[fragment] = status
}

// QueueSync appends a /sync reply.
func (s *Server) QueueSync(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Syncs = append(s.Syncs, Reply{Status: status, Body: body})
}

func (s *Server) record(r *http.Request, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
}

func (s *Server) nextEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventN++
	return fmt.Sprintf("$fake%d", s.eventN)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	body := string(data)
	s.record(r, body)

	s.mu.Lock()
	for frag, status := range s.FailEndpoints {
		if strings.Contains(r.URL.Path, frag) {
			s.mu.Unlock()
			writeJSON(w, status, `{"errcode":"M_UNKNOWN","error":"injected failure"}`)
			return
		}
	}
	s.mu.Unlock()

	if rest, ok := strings.CutPrefix(r.URL.Path, "/_matrix/client/v1/media/download/"); ok {
		s.mu.Lock()
		file, found := s.Media[rest]
		s.mu.Unlock()
		if !found {
			writeJSON(w, http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"no such media"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(file)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/")
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if un, err := url.PathUnescape(p); err == nil {
			parts[i] = un
		}
	}

	switch {
	case path == "account/whoami":
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"user_id":%q}`, s.UserID))
	case path == "sync":
		s.mu.Lock()
		if len(s.Syncs) == 0 {
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, `{"next_batch":"idle"}`)
			return
		}
		reply := s.Syncs[0]
		s.Syncs = s.Syncs[1:]
		s.mu.Unlock()
		writeJSON(w, reply.Status, reply.Body)
	case len(parts) >= 3 && parts[0] == "rooms":
		s.handleRoom(w, r, parts[1], parts[2], parts[3:], body)
	default:
		writeJSON(w, http.StatusNotFound, `{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`)
	}
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, room, action string, rest []string, body string) {
	switch action {
	case "send", "redact":
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"event_id":%q}`, s.nextEventID()))
	case "kick", "ban", "unban":
		writeJSON(w, http.StatusOK, `{}`)
	case "members":
		s.mu.Lock()
		chunk, _ := json.Marshal(s.Members[room])
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"chunk":%s}`, chunk))
	case "state":
		if len(rest) == 0 {
			writeJSON(w, http.StatusOK, `[]`)
			return
		}
		stateKey := ""
		if len(rest) > 1 {
			stateKey = rest[1]
		}
		if r.Method == http.MethodPut {
			s.mu.Lock()
			if s.State[room] == nil {
				s.State[room] = make(map[string]json.RawMessage)
			}
			s.State[room][rest[0]+"/"+stateKey] = json.RawMessage(body)
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{"event_id":%q}`, s.nextEventID()))
			return
		}
		content := s.StateContent(room, rest[0], stateKey)
		if content == nil {
			writeJSON(w, http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"state not found"}`)
			return
		}
		writeJSON(w, http.StatusOK, string(content))
	case "context":
		if len(rest) == 0 {
			writeJSON(w, http.StatusBadRequest, `{"errcode":"M_INVALID_PARAM"}`)
			return
		}
		s.mu.Lock()
		resp, ok := s.Context[room+"/"+rest[0]]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"event not found"}`)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "messages":
		s.mu.Lock()
		resp, ok := s.Messages[room+"/"+r.URL.Query().Get("from")]
		s.mu.Unlock()
		if !ok {
			resp = `{"chunk":[]}`
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusNotFound, `{"errcode":"M_UNRECOGNIZED","error":"unknown room endpoint"}`)
	}
}
