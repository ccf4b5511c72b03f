// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts between Matrix HTML message bodies and the
// plain command text and mention pills the gatekeeper works with.
package matrixfmt

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const matrixToPrefix = "https://matrix.to/#/"

var (
	pillRe  = regexp.MustCompile(`<a\s+href="https://matrix\.to/#/([^"?]+)(?:\?[^"]*)?"[^>]*>.*?</a>`)
	replyRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	brRe    = regexp.MustCompile(`<br\s*/?>`)
	blockRe = regexp.MustCompile(`</?(?:p|div|li|ul|ol|blockquote|h[1-6])>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
)

func pillTarget(escaped string) string {
	target, err := url.PathUnescape(escaped)
	if err != nil {
		return escaped
	}
	return target
}

// CommandText returns the text a command line is parsed from. In HTML
// messages every matrix.to pill is replaced by the identifier it links
// to, so a mention shown as a display name still reads as a target.
func CommandText(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	text := replyRe.ReplaceAllString(content.FormattedBody, "")
	text = pillRe.ReplaceAllStringFunc(text, func(match string) string {
		m := pillRe.FindStringSubmatch(match)
		return " " + pillTarget(html.UnescapeString(m[1])) + " "
	})
	text = brRe.ReplaceAllString(text, " ")
	text = blockRe.ReplaceAllString(text, " ")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(text)
}

// Pill renders a mention of userID showing name.
func Pill(userID id.UserID, name string) string {
	return `<a href="` + matrixToPrefix + string(userID) + `">` + html.EscapeString(name) + `</a>`
}

// Mentioned is one user to mention and the name to show.
type Mentioned struct {
	UserID id.UserID
	Name   string
}

// Mention builds a message addressing users: "name1 name2: text". The
// HTML body renders each name as a pill and keeps line breaks.
func Mention(users []Mentioned, text string) *event.MessageEventContent {
	var body, formatted strings.Builder
	ids := make([]id.UserID, 0, len(users))
	for i, u := range users {
		if i > 0 {
			body.WriteByte(' ')
			formatted.WriteByte(' ')
		}
		name := u.Name
		if name == "" {
			name = string(u.UserID)
		}
		body.WriteString(name)
		formatted.WriteString(Pill(u.UserID, name))
		ids = append(ids, u.UserID)
	}
	if len(users) > 0 {
		body.WriteString(": ")
		formatted.WriteString(": ")
	}
	body.WriteString(text)
	formatted.WriteString(strings.ReplaceAll(html.EscapeString(text), "\n", "<br>"))
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body.String(),
		Format:        event.FormatHTML,
		FormattedBody: formatted.String(),
		Mentions:      &event.Mentions{UserIDs: ids},
	}
}
