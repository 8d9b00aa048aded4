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

package httpadapter

import (
	"bytes"
	"context"
	"net"
	"strings"
	"time"

	"github.com/relaynet/relayproxy/transport"
)

// fakeStreamConn is a deterministic transport.StreamConn test double: its
// read side replays a fixed byte string and its write side records
// everything written to it, with no concurrency involved.
type fakeStreamConn struct {
	r   *strings.Reader
	out bytes.Buffer
}

func newFakeConn(readable string) *fakeStreamConn {
	return &fakeStreamConn{r: strings.NewReader(readable)}
}

var _ transport.StreamConn = (*fakeStreamConn)(nil)

func (c *fakeStreamConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *fakeStreamConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *fakeStreamConn) Close() error                { return nil }
func (c *fakeStreamConn) CloseRead() error             { return nil }
func (c *fakeStreamConn) CloseWrite() error            { return nil }
func (c *fakeStreamConn) LocalAddr() net.Addr          { return nil }
func (c *fakeStreamConn) RemoteAddr() net.Addr         { return nil }
func (c *fakeStreamConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeStreamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeStreamConn) SetWriteDeadline(time.Time) error { return nil }

// scriptedDialer hands out pre-built connections in order, one per
// DialStream call, standing in for the sequence of connections an Egress
// opens against its upstream proxy (the failed CONNECT attempt followed by
// its backup).
type scriptedDialer struct {
	conns []transport.StreamConn
	calls int
}

var _ transport.StreamDialer = (*scriptedDialer)(nil)

func (d *scriptedDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	conn := d.conns[d.calls]
	d.calls++
	return conn, nil
}
