// Copyright 2023 Jigsaw Operations LLC
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

// Package split implements a StreamDialer that carves the first write of an
// outgoing connection into two TCP segments instead of one, the egress kind
// named "split" in a registry.Config. Splitting the initial bytes of, say, a
// TLS ClientHello defeats naive DPI middleboxes that only pattern-match
// against a single packet.
package split

import (
	"context"
	"errors"
	"io"

	"github.com/relaynet/relayproxy/transport"
)

// prefixWriter ensures the byte sequence written through it is split at
// prefixBytes: a write ends right before that offset, and the next write
// starts exactly there, so the two halves of a message that crosses the
// boundary reach the wire as separate writes (and, over TCP, separate
// segments) rather than one.
type prefixWriter struct {
	writer      io.Writer
	prefixBytes int64
}

var _ io.Writer = (*prefixWriter)(nil)
var _ io.ReaderFrom = (*prefixWriter)(nil)

func newPrefixWriter(writer io.Writer, prefixBytes int64) *prefixWriter {
	return &prefixWriter{writer, prefixBytes}
}

func (w *prefixWriter) Write(data []byte) (written int, err error) {
	if 0 < w.prefixBytes && w.prefixBytes < int64(len(data)) {
		written, err = w.writer.Write(data[:w.prefixBytes])
		w.prefixBytes -= int64(written)
		if err != nil {
			return written, err
		}
		data = data[written:]
	}
	n, err := w.writer.Write(data)
	written += n
	w.prefixBytes -= int64(n)
	return written, err
}

// ReadFrom lets io.Copy avoid its own intermediate buffer while still
// honoring the split point, by capping the first copy at prefixBytes.
func (w *prefixWriter) ReadFrom(source io.Reader) (written int64, err error) {
	if w.prefixBytes > 0 {
		written, err = io.CopyN(w.writer, source, w.prefixBytes)
		w.prefixBytes -= written
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
	n, err := io.Copy(w.writer, source)
	written += n
	return written, err
}

// splitDialer is the transport.StreamDialer backing a "split" egress.
type splitDialer struct {
	dialer      transport.StreamDialer
	prefixBytes int64
}

var _ transport.StreamDialer = (*splitDialer)(nil)

// NewStreamDialer returns a transport.StreamDialer that dials through
// dialer and splits the first prefixBytes of the outgoing stream into a
// write of its own.
func NewStreamDialer(dialer transport.StreamDialer, prefixBytes int64) (transport.StreamDialer, error) {
	if dialer == nil {
		return nil, errors.New("argument dialer must not be nil")
	}
	return &splitDialer{dialer: dialer, prefixBytes: prefixBytes}, nil
}

func (d *splitDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	innerConn, err := d.dialer.DialStream(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}
	return transport.WrapConn(innerConn, innerConn, newPrefixWriter(innerConn, d.prefixBytes)), nil
}
