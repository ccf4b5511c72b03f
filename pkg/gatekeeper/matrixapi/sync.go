// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/transport"
)

// RespSync is the part of a /sync response the gatekeeper consumes.
type RespSync struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

type SyncRooms struct {
	Join map[id.RoomID]*SyncJoinedRoom `json:"join,omitempty"`
}

type SyncJoinedRoom struct {
	State    SyncEvents   `json:"state"`
	Timeline SyncTimeline `json:"timeline"`
}

type SyncEvents struct {
	Events []*evt.Raw `json:"events"`
}

type SyncTimeline struct {
	Events    []*evt.Raw `json:"events"`
	Limited   bool       `json:"limited,omitempty"`
	PrevBatch string     `json:"prev_batch,omitempty"`
}

// Sync performs one long-poll. It makes a single attempt: the caller owns
// the classification of failures, which keep their HTTP status in the
// returned [gkerr.Error]. The timeout is only sent together with since,
// so a cold start returns immediately with full state.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*RespSync, error) {
	query := map[string]string{}
	if since != "" {
		query["since"] = since
		query["timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	u := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "sync"}, query)
	var data RespSync
	_, err := c.cli.MakeFullRequest(transport.WithSingleAttempt(ctx), mautrix.FullRequest{
		Method:       http.MethodGet,
		URL:          u,
		ResponseJSON: &data,
	})
	if err != nil {
		return nil, unwrap("sync", gkerr.KindTransient, err)
	}
	return &data, nil
}
