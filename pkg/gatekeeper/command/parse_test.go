// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"slices"
	"testing"
	"time"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

func texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{`ban "john doe" 5min`, []string{"ban", "john doe", "5min"}},
		{`  a   b  `, []string{"a", "b"}},
		{`say 'it"s'`, []string{"say", `it"s`}},
		{`say "it's"`, []string{"say", "it's"}},
		{`a\ b c`, []string{"a b", "c"}},
		{`"a\"b"`, []string{`a"b`}},
		{`x"y z"w`, []string{"xy zw"}},
		{`""`, []string{""}},
		{``, nil},
		{"tab\tsep\nline", []string{"tab", "sep", "line"}},
	}
	for _, tt := range tests {
		got, err := Tokenize(tt.in)
		if err != nil {
			t.Errorf("Tokenize(%q): %v", tt.in, err)
			continue
		}
		if !slices.Equal(texts(got), tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, texts(got), tt.want)
		}
	}
}

func TestTokenize_Unterminated(t *testing.T) {
	t.Parallel()
	_, err := Tokenize(`ban "john`)
	if !gkerr.Is(err, gkerr.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	inv, err := Parse(`kick @alice:x #room1:x`)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inv.Argv, []string{"kick"}) {
		t.Errorf("argv = %q", inv.Argv)
	}
	if !slices.Equal(inv.Users, []string{"@alice:x"}) || !slices.Equal(inv.Rooms, []string{"#room1:x"}) {
		t.Errorf("targets = %q %q", inv.Users, inv.Rooms)
	}

	inv, err = Parse(`ban "john doe" 5min`)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inv.Argv, []string{"ban", "john doe", "5min"}) {
		t.Errorf("argv = %q", inv.Argv)
	}
}

func TestParse_QuotedTargetIsArgument(t *testing.T) {
	t.Parallel()
	inv, err := Parse(`schedule 5min "kick @bob:x #*" '@level=0' --dry-run --reason=spam`)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inv.Argv, []string{"schedule", "5min", "kick @bob:x #*", "@level=0"}) {
		t.Errorf("argv = %q", inv.Argv)
	}
	if len(inv.Users) != 0 || len(inv.Rooms) != 0 {
		t.Errorf("quoted words became targets: %q %q", inv.Users, inv.Rooms)
	}
	if v, ok := inv.Flag("dry-run"); !ok || v != "true" {
		t.Errorf("dry-run = %q, %v", v, ok)
	}
	if v, _ := inv.Flag("reason"); v != "spam" {
		t.Errorf("reason = %q", v)
	}
	if inv.Arg(0) != "5min" || inv.Arg(9) != "" {
		t.Errorf("Arg = %q %q", inv.Arg(0), inv.Arg(9))
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", `""`} {
		if _, err := Parse(in); !gkerr.Is(err, gkerr.KindInvalidArgument) {
			t.Errorf("Parse(%q) err = %v", in, err)
		}
	}
}

func TestInvocation_StringRoundTrips(t *testing.T) {
	t.Parallel()
	inputs := []string{
		`ban @a:x #r:x 1d`,
		`say "hello world" 'it"s' "@not-a-target"`,
		`kick #* @level=0 --reason=go\ away`,
	}
	for _, in := range inputs {
		inv, err := Parse(in)
		if err != nil {
			t.Fatal(err)
		}
		again, err := Parse(inv.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", inv.String(), err)
		}
		if !slices.Equal(inv.Argv, again.Argv) || !slices.Equal(inv.Rooms, again.Rooms) ||
			!slices.Equal(inv.Users, again.Users) || len(inv.Flags) != len(again.Flags) {
			t.Errorf("%q -> %q lost parts", in, inv.String())
		}
		for k, v := range inv.Flags {
			if again.Flags[k] != v {
				t.Errorf("flag %s = %q after round trip, want %q", k, again.Flags[k], v)
			}
		}
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5min", 5 * time.Minute},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{" 10MIN ", 10 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "5", "min", "5y", "0s", "-5m"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("ParseDuration(%q) succeeded", bad)
		}
	}
}

// FuzzTokenize checks that no input panics and that tokenizing the
// re-quoted form of an invocation yields the same arguments.
func FuzzTokenize(f *testing.F) {
	f.Add(`ban "john doe" 5min`)
	f.Add(`kick @alice:x #room1:x`)
	f.Add(`a\`)
	f.Add(`'unterminated`)
	f.Add(`"\"\\"`)
	f.Add(string([]byte{0x00, '"', 0xff}))

	f.Fuzz(func(t *testing.T, line string) {
		inv, err := Parse(line)
		if err != nil {
			return
		}
		again, err := Parse(inv.String())
		if err != nil {
			t.Fatalf("re-quoted %q does not parse: %v", inv.String(), err)
		}
		if !slices.Equal(inv.Argv[1:], again.Argv[1:]) {
			t.Errorf("args changed: %q -> %q", inv.Argv, again.Argv)
		}
	})
}
