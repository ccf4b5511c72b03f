// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"strings"
	"unicode"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// Token is one word of a command line.
type Token struct {
	Text string
	// Quoted is set when any part of the word was inside quotes. Quoted
	// words are always plain arguments.
	Quoted bool
}

// Tokenize splits s into words. Whitespace separates words; single or
// double quotes make a span literal (no nesting, the other quote kind is
// an ordinary character inside it); a backslash escapes the next
// character anywhere. An unterminated quote is an error.
func Tokenize(s string) ([]Token, error) {
	var (
		tokens  []Token
		buf     strings.Builder
		inWord  bool
		quoted  bool
		quote   rune
		escaped bool
	)
	flush := func() {
		if inWord {
			tokens = append(tokens, Token{Text: buf.String(), Quoted: quoted})
		}
		buf.Reset()
		inWord, quoted = false, false
	}
	for _, r := range s {
		switch {
		case escaped:
			buf.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, inWord = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				buf.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, quoted, inWord = r, true, true
		case unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "tokenize", "unterminated %c quote", quote)
	}
	flush()
	return tokens, nil
}
