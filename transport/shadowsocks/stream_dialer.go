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

package shadowsocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaynet/relayproxy/transport"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// defaultClientDataWait is how long DialStream waits for the caller's first
// payload write before sending the target address on its own. Waiting lets
// the address and the first application bytes travel in the same chunk,
// saving a round trip and making the connection's size profile less
// distinctive.
const defaultClientDataWait = 10 * time.Millisecond

// StreamDialer connects to a target address via a Shadowsocks proxy
// reachable through Endpoint.
type StreamDialer struct {
	Endpoint transport.StreamEndpoint
	Key      *EncryptionKey

	// ClientDataWait bounds how long DialStream delays sending the target
	// address, waiting for an initial application payload to piggyback on.
	// Zero disables the wait, sending the address immediately.
	ClientDataWait time.Duration

	// SaltGenerator overrides the salt used for the outgoing stream, if set.
	SaltGenerator SaltGenerator
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a StreamDialer that reaches its targets through a
// Shadowsocks proxy at endpoint, encrypting with key.
func NewStreamDialer(endpoint transport.StreamEndpoint, key *EncryptionKey) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	if key == nil {
		return nil, errors.New("argument key must not be nil")
	}
	return &StreamDialer{Endpoint: endpoint, Key: key, ClientDataWait: defaultClientDataWait}, nil
}

// DialStream implements transport.StreamDialer.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	tgtAddr := socks.ParseAddr(remoteAddr)
	if tgtAddr == nil {
		return nil, errors.New("failed to parse target address")
	}
	proxyConn, err := d.Endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, err
	}
	ssw := NewWriter(proxyConn, d.Key)
	if d.SaltGenerator != nil {
		ssw.SetSaltGenerator(d.SaltGenerator)
	}
	if _, err := ssw.LazyWrite(tgtAddr); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write target address: %w", err)
	}
	if d.ClientDataWait > 0 {
		time.AfterFunc(d.ClientDataWait, func() { ssw.Flush() })
	} else if err := ssw.Flush(); err != nil {
		proxyConn.Close()
		return nil, err
	}
	ssr := NewReader(proxyConn, d.Key)
	return transport.WrapConn(proxyConn, ssr, ssw), nil
}
