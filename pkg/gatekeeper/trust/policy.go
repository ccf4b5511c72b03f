// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package trust

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/evt"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/store"
)

// Action is the outcome of a join decision.
type Action string

const (
	ActionNone    Action = "none"
	ActionMute    Action = "mute"
	ActionBan     Action = "ban"
	ActionBotBan  Action = "bot_ban"
	ActionPromote Action = "promote"
	ActionTempBan Action = "trusted_only_ban"
	ActionReview  Action = "review"
)

// Policy holds the join rules that do not depend on the room.
type Policy struct {
	// BotDomain is the homeserver whose unconfigured accounts are treated
	// as bots. Empty disables the heuristic.
	BotDomain    string
	TrustDomains map[string]bool
}

// Join describes a member who just joined.
type Join struct {
	UserID      id.UserID
	DisplayName string
	AvatarURL   id.ContentURIString
	// Level is the member's current power level in the room.
	Level       int
	Record      *store.UserRecord
	TrustedOnly bool
	Now         time.Time
}

// Decision is what to do with a joining member and why.
type Decision struct {
	Action Action
	Reason string
	Score  Score
}

// IsGenuineJoin reports whether m moves a user into the room, as opposed
// to a profile change of an already joined member.
func IsGenuineJoin(m evt.Membership) bool {
	if m.MemberEventContent == nil || m.Membership != event.MembershipJoin {
		return false
	}
	return m.Prev == nil || m.Prev.Membership != event.MembershipJoin
}

// LooksLikeBot matches accounts on domain with no avatar whose display
// name is unset or equal to the localpart.
func LooksLikeBot(userID id.UserID, displayName string, avatar id.ContentURIString, domain string) bool {
	if domain == "" || userID.Homeserver() != domain || avatar != "" {
		return false
	}
	name := strings.TrimSpace(displayName)
	return name == "" || name == userID.Localpart()
}

// Decide applies the join rules in order. Flood counting happens before
// this and is the caller's job.
func (p Policy) Decide(j Join) Decision {
	var onjoin store.OnJoin
	if j.Record != nil {
		onjoin = j.Record.OnJoin
	}
	switch onjoin {
	case store.OnJoinMute:
		return Decision{Action: ActionMute, Reason: "onjoin mute"}
	case store.OnJoinBan:
		return Decision{Action: ActionBan, Reason: "onjoin ban"}
	}
	if LooksLikeBot(j.UserID, j.DisplayName, j.AvatarURL, p.BotDomain) {
		return Decision{Action: ActionBotBan, Reason: "bot heuristic"}
	}
	if j.Level != 0 {
		return Decision{Action: ActionNone, Reason: "already has a power level"}
	}

	score := Calc(j.Record, j.Now)
	switch {
	case score.Trust >= 2:
		return Decision{Action: ActionPromote, Reason: "trusted", Score: score}
	case onjoin == store.OnJoinWhitelist:
		return Decision{Action: ActionPromote, Reason: "onjoin whitelist", Score: score}
	case p.TrustDomains[j.UserID.Homeserver()]:
		return Decision{Action: ActionPromote, Reason: "trusted domain", Score: score}
	case j.TrustedOnly:
		return Decision{Action: ActionTempBan, Reason: "insufficient trust", Score: score}
	}
	return Decision{Action: ActionReview, Reason: "needs review", Score: score}
}
