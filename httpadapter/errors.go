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

// Package httpadapter implements the ingress and egress halves of an HTTP
// proxy connection: CONNECT tunneling, plain-HTTP relay with header rewrite,
// and the incremental parsing needed to tell the two apart from a partial
// read.
package httpadapter

import (
	"errors"
	"io"
)

// Kind classifies a fatal Error the way the adapter's callers need to react
// to it: BadProto connections should get a best-effort error response before
// teardown if nothing has been sent to the client yet.
type Kind int

const (
	// BadProto means the peer sent something that isn't a well-formed HTTP
	// request or response header.
	BadProto Kind = iota
	// IO wraps a failure from the underlying stream itself.
	IO
)

// Error is a fatal adapter failure. It is never returned for a message that
// is merely incomplete; see errNeedMore.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func badProto(msg string, err error) error {
	return &Error{Kind: BadProto, Msg: msg, Err: err}
}

// IsBadProto reports whether err is a fatal protocol error.
func IsBadProto(err error) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind == BadProto
	}
	return false
}

// errNeedMore signals that a header is only partially buffered and another
// read from the wire is required before parsing can be retried. It never
// escapes this package.
var errNeedMore = errors.New("httpadapter: header incomplete")

func isIncompleteHeader(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
