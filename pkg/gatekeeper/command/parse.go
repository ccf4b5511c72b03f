// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"maps"
	"slices"
	"strings"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// Invocation is a tokenized command line split into its parts.
type Invocation struct {
	// Argv holds the command name followed by the plain arguments.
	Argv []string
	// Flags holds --key=value and --flag words. A bare flag maps to "true".
	Flags map[string]string
	// Rooms and Users are the unresolved target words, in order.
	Rooms []string
	Users []string
}

// Name returns the command name.
func (inv *Invocation) Name() string {
	if len(inv.Argv) == 0 {
		return ""
	}
	return inv.Argv[0]
}

// Args returns the arguments after the command name.
func (inv *Invocation) Args() []string {
	if len(inv.Argv) < 2 {
		return nil
	}
	return inv.Argv[1:]
}

// Arg returns argument i (0 is the first after the name), or "".
func (inv *Invocation) Arg(i int) string {
	args := inv.Args()
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}

// Flag reports the value of a flag and whether it was given.
func (inv *Invocation) Flag(name string) (string, bool) {
	v, ok := inv.Flags[name]
	return v, ok
}

// Parse tokenizes line and sorts the words into name, arguments, flags
// and targets. The command prefix must already be stripped. The first
// word is always the command name.
func Parse(line string) (*Invocation, error) {
	tokens, err := Tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 || tokens[0].Text == "" {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "parse command", "empty command")
	}
	inv := &Invocation{Argv: []string{tokens[0].Text}, Flags: make(map[string]string)}
	for _, tok := range tokens[1:] {
		if tok.Quoted {
			inv.Argv = append(inv.Argv, tok.Text)
			continue
		}
		switch text := tok.Text; {
		case len(text) > 2 && strings.HasPrefix(text, "--"):
			k, v, ok := strings.Cut(text[2:], "=")
			if !ok {
				v = "true"
			}
			inv.Flags[k] = v
		case strings.HasPrefix(text, "!") || strings.HasPrefix(text, "#"):
			inv.Rooms = append(inv.Rooms, text)
		case strings.HasPrefix(text, "@"):
			inv.Users = append(inv.Users, text)
		default:
			inv.Argv = append(inv.Argv, text)
		}
	}
	return inv, nil
}

// String re-quotes the invocation so it parses back to the same parts.
// Scheduled commands are stored in this form.
func (inv *Invocation) String() string {
	var words []string
	for _, a := range inv.Argv {
		words = append(words, quote(a))
	}
	for _, r := range inv.Rooms {
		words = append(words, escape(r))
	}
	for _, u := range inv.Users {
		words = append(words, escape(u))
	}
	for _, k := range slices.Sorted(maps.Keys(inv.Flags)) {
		v := inv.Flags[k]
		if v == "true" && k != "" {
			words = append(words, "--"+escape(k))
		} else {
			words = append(words, "--"+escape(k)+"="+escape(v))
		}
	}
	return strings.Join(words, " ")
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	if strings.HasPrefix(s, "!") || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "@") || strings.HasPrefix(s, "--") {
		return true
	}
	return strings.ContainsAny(s, " \t\n\"'\\")
}

func quote(s string) string {
	if !needsQuote(s) {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// escape backslash-escapes specials so the word stays unquoted. Targets
// and flags are only recognized in unquoted words.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(" \t\n\"'\\", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
