// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixapi wraps a [mautrix.Client] with the calls the gatekeeper
// makes. The client's HTTP transport is a [transport.Executor], so the
// retry policy applies to every call and failures come back as
// [gkerr.Error] values.
package matrixapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/transport"
)

// Client talks to a single homeserver as the bot user. Thread-safe.
type Client struct {
	cli *mautrix.Client

	// MaxMediaBytes rejects downloads larger than this. Zero means no limit.
	MaxMediaBytes int
}

// New creates a client for the homeserver at baseURL. The access token
// is added by exec.
func New(baseURL string, exec *transport.Executor, log zerolog.Logger) (*Client, error) {
	cli, err := mautrix.NewClient(baseURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver URL: %w", err)
	}
	cli.Client = &http.Client{Transport: exec}
	cli.UserAgent = exec.UserAgent()
	cli.DefaultHTTPRetries = 0
	cli.IgnoreRateLimit = true
	cli.Log = log.With().Str("component", "matrix").Logger()
	return &Client{cli: cli}, nil
}

// unwrap returns the classified error inside a mautrix error. Errors that
// never reached the executor are classified as kind.
func unwrap(op string, kind gkerr.Kind, err error) error {
	if err == nil {
		return nil
	}
	var ge *gkerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return gkerr.New(kind, op, err)
}

func stateType(eventType string) event.Type {
	return event.Type{Type: eventType, Class: event.StateEventType}
}

// Whoami returns the user id the access token belongs to.
func (c *Client) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return "", unwrap("whoami", gkerr.KindInvalidArgument, err)
	}
	c.cli.UserID = resp.UserID
	return resp.UserID, nil
}

// SendEvent sends a timeline event of the given type.
func (c *Client) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.Type{Type: eventType, Class: event.MessageEventType}, content)
	if err != nil {
		return "", unwrap("send "+eventType, gkerr.KindInvalidArgument, err)
	}
	return resp.EventID, nil
}

// SendMessage sends an m.room.message event.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	return c.SendEvent(ctx, roomID, event.EventMessage.Type, content)
}

// SendReaction annotates target with key.
func (c *Client) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	resp, err := c.cli.SendReaction(ctx, roomID, target, key)
	if err != nil {
		return "", unwrap("send reaction", gkerr.KindInvalidArgument, err)
	}
	return resp.EventID, nil
}

// SetState replaces a state slot.
func (c *Client) SetState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	resp, err := c.cli.SendStateEvent(ctx, roomID, stateType(eventType), stateKey, content)
	if err != nil {
		return "", unwrap("set "+eventType, gkerr.KindInvalidArgument, err)
	}
	return resp.EventID, nil
}

// GetState decodes the content of a single state slot into out.
func (c *Client) GetState(ctx context.Context, roomID id.RoomID, eventType, stateKey string, out any) error {
	return unwrap("get "+eventType, gkerr.KindInvalidArgument, c.cli.StateEvent(ctx, roomID, stateType(eventType), stateKey, out))
}

// Members returns the membership events of a room.
func (c *Client) Members(ctx context.Context, roomID id.RoomID) ([]*evt.Raw, error) {
	var resp struct {
		Chunk []*evt.Raw `json:"chunk"`
	}
	u := c.cli.BuildClientURL("v3", "rooms", roomID, "members")
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, unwrap("members", gkerr.KindInvalidArgument, err)
	}
	return resp.Chunk, nil
}

// Kick removes userID from the room.
func (c *Client) Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.cli.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return unwrap("kick", gkerr.KindInvalidArgument, err)
}

// Ban bans userID from the room.
func (c *Client) Ban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.cli.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	return unwrap("ban", gkerr.KindInvalidArgument, err)
}

// Unban lifts a ban on userID.
func (c *Client) Unban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.cli.UnbanUser(ctx, roomID, &mautrix.ReqUnbanUser{UserID: userID, Reason: reason})
	return unwrap("unban", gkerr.KindInvalidArgument, err)
}

// Redact redacts eventID.
func (c *Client) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	resp, err := c.cli.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return "", unwrap("redact", gkerr.KindInvalidArgument, err)
	}
	return resp.EventID, nil
}

// SetUserPowerLevel rewrites the users map of the room's power levels.
// Level 0 removes the user's entry. The rest of the content is sent back
// untouched.
func (c *Client) SetUserPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	var content map[string]any
	if err := c.GetState(ctx, roomID, event.StatePowerLevels.Type, "", &content); err != nil {
		return fmt.Errorf("failed to fetch power levels: %w", err)
	}
	if content == nil {
		content = make(map[string]any)
	}
	users, _ := content["users"].(map[string]any)
	if users == nil {
		users = make(map[string]any)
	}
	if level == 0 {
		delete(users, userID.String())
	} else {
		users[userID.String()] = level
	}
	content["users"] = users
	if _, err := c.SetState(ctx, roomID, event.StatePowerLevels.Type, "", content); err != nil {
		return fmt.Errorf("failed to update power levels: %w", err)
	}
	return nil
}

// RespMessages is a page of room history.
type RespMessages struct {
	Start string     `json:"start"`
	End   string     `json:"end,omitempty"`
	Chunk []*evt.Raw `json:"chunk"`
	State []*evt.Raw `json:"state,omitempty"`
}

// Messages pages through room history starting at from.
func (c *Client) Messages(ctx context.Context, roomID id.RoomID, from string, dir mautrix.Direction, limit int) (*RespMessages, error) {
	query := map[string]string{
		"dir":   string(dir),
		"limit": strconv.Itoa(limit),
	}
	if from != "" {
		query["from"] = from
	}
	u := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "rooms", roomID, "messages"}, query)
	var resp RespMessages
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, unwrap("messages", gkerr.KindInvalidArgument, err)
	}
	return &resp, nil
}

// RespContext is the surrounding history of one event.
type RespContext struct {
	Start        string     `json:"start"`
	End          string     `json:"end"`
	Event        *evt.Raw   `json:"event"`
	EventsBefore []*evt.Raw `json:"events_before"`
	EventsAfter  []*evt.Raw `json:"events_after"`
	State        []*evt.Raw `json:"state"`
}

// Context returns up to limit events around eventID.
func (c *Client) Context(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*RespContext, error) {
	u := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "rooms", roomID, "context", eventID},
		map[string]string{"limit": strconv.Itoa(limit)})
	var resp RespContext
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, unwrap("context", gkerr.KindInvalidArgument, err)
	}
	return &resp, nil
}

// DownloadMedia fetches the bytes behind an mxc:// URI through the
// authenticated media endpoint.
func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	if uri.IsEmpty() {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "download media", "empty content URI")
	}
	resp, err := c.cli.Download(ctx, uri)
	if err != nil {
		return nil, unwrap("download media", gkerr.KindTransient, err)
	}
	defer resp.Body.Close()
	var body io.Reader = resp.Body
	if c.MaxMediaBytes > 0 {
		body = io.LimitReader(resp.Body, int64(c.MaxMediaBytes)+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, gkerr.New(gkerr.KindTransient, "download media", err)
	}
	if c.MaxMediaBytes > 0 && len(data) > c.MaxMediaBytes {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "download media",
			"%s is larger than the limit of %d bytes", uri, c.MaxMediaBytes)
	}
	return data, nil
}
