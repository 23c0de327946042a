// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fwstate

import "fmt"

// ErrorKind classifies a firmware management failure so clients can tell a
// request that can never succeed from one worth retrying.
type ErrorKind string

const (
	// InvalidArgument covers malformed headers, offsets, sizes, and
	// missing required fields.
	InvalidArgument ErrorKind = "invalid-argument"
	// NotFound means no such flash area or image.
	NotFound ErrorKind = "not-found"
	// ResourceExhausted means no slot is available for an upload.
	ResourceExhausted ErrorKind = "resource-exhausted"
	// BadState marks an illegal transition: downgrade, confirm while a
	// swap is pending, re-scheduling a confirmed slot.
	BadState ErrorKind = "bad-state"
	// Unknown wraps opaque lower-layer failures. They are surfaced
	// immediately, never retried internally.
	Unknown ErrorKind = "unknown"
)

// Error is the typed error the firmware core surfaces to its callers.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func invalidf(format string, args ...any) *Error {
	return &Error{Kind: InvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

func exhaustedf(format string, args ...any) *Error {
	return &Error{Kind: ResourceExhausted, Message: fmt.Sprintf(format, args...)}
}

func badStatef(format string, args ...any) *Error {
	return &Error{Kind: BadState, Message: fmt.Sprintf(format, args...)}
}

func unknownf(format string, args ...any) *Error {
	return &Error{Kind: Unknown, Message: fmt.Sprintf(format, args...)}
}
