// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gkerr defines the error kinds shared by the gatekeeper
// components. Call sites inspect errors with [KindOf] or [Is] instead of
// matching on message text.
package gkerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no kind.
	KindUnknown Kind = iota
	// KindNotFound means the referenced room, user, event or document does not exist.
	KindNotFound
	// KindForbidden means the homeserver refused the request for the bot.
	KindForbidden
	// KindInvalidArgument means the request or event was malformed.
	KindInvalidArgument
	// KindTransient means the operation can be retried later.
	KindTransient
	// KindConflict means an optimistic transaction lost a race.
	KindConflict
	// KindFatal means the operation failed for good.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidArgument:
		return "invalid argument"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Status is the HTTP status code when the
// error came from the homeserver, zero otherwise.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	// Code is the Matrix errcode (e.g. M_FORBIDDEN) when one was returned.
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any classified error in err's chain has the given
// kind. A fatal transport error wrapping a forbidden response matches
// both [KindFatal] and [KindForbidden].
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// StatusOf returns the HTTP status attached to err, or zero.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
