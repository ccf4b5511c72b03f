// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

var durationUnits = map[string]time.Duration{
	"s":   time.Second,
	"sec": time.Second,
	"m":   time.Minute,
	"min": time.Minute,
	"h":   time.Hour,
	"d":   24 * time.Hour,
	"w":   7 * 24 * time.Hour,
}

// ParseDuration parses moderator durations such as "30s", "5min", "2h",
// "7d", "1w" or combinations like "1d12h". Unlike time.ParseDuration it
// knows days and weeks and treats "m" as minutes.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, gkerr.Newf(gkerr.KindInvalidArgument, "parse duration", "empty duration")
	}
	var total time.Duration
	for s != "" {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, gkerr.Newf(gkerr.KindInvalidArgument, "parse duration", "invalid duration %q", orig)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, gkerr.New(gkerr.KindInvalidArgument, "parse duration", err)
		}
		s = s[i:]
		j := 0
		for j < len(s) && s[j] >= 'a' && s[j] <= 'z' {
			j++
		}
		unit, ok := durationUnits[s[:j]]
		if !ok {
			return 0, gkerr.Newf(gkerr.KindInvalidArgument, "parse duration", "unknown unit %q in %q", s[:j], orig)
		}
		total += time.Duration(n) * unit
		s = s[j:]
	}
	if total <= 0 {
		return 0, gkerr.Newf(gkerr.KindInvalidArgument, "parse duration", "duration %q is not positive", orig)
	}
	return total, nil
}
