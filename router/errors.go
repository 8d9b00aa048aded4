// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import "errors"

// Kind classifies a router API error, mirroring the error taxonomy used
// across the proxy: I/O failures are reported by the transport layer, never
// by the router itself.
type Kind int

const (
	// Misc marks a caller-side invariant violation, such as a suffix
	// argument that starts with a dot or a reference to an unknown rule.
	Misc Kind = iota
	// ResInUse marks an attempt to erase a rule that the current route
	// still references.
	ResInUse
)

// Error is the error type returned by the router's configuration API.
// route() itself never returns an Error: it falls back to the default
// egress instead of failing.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newMiscError(msg string) error {
	return &Error{Kind: Misc, Msg: msg}
}

func newResInUseError(msg string) error {
	return &Error{Kind: ResInUse, Msg: msg}
}

// IsResInUse reports whether err is a router Error of kind ResInUse.
func IsResInUse(err error) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == ResInUse
	}
	return false
}
