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

// Package socks5 implements the egress kind named "socks5" in a
// registry.Config: a transport.StreamDialer that reaches its destination by
// speaking RFC 1928 to an upstream SOCKS5 proxy, optionally authenticating
// with a username and password per RFC 1929.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/relaynet/relayproxy/transport"
)

// ReplyCode is the REP field of a SOCKS5 server reply, returned as an error
// when it signals failure. See https://datatracker.ietf.org/doc/html/rfc1928#section-6.
type ReplyCode byte

const (
	ErrGeneralServerFailure          = ReplyCode(0x01)
	ErrConnectionNotAllowedByRuleset = ReplyCode(0x02)
	ErrNetworkUnreachable            = ReplyCode(0x03)
	ErrHostUnreachable               = ReplyCode(0x04)
	ErrConnectionRefused             = ReplyCode(0x05)
	ErrTTLExpired                    = ReplyCode(0x06)
	ErrCommandNotSupported           = ReplyCode(0x07)
	ErrAddressTypeNotSupported       = ReplyCode(0x08)
)

// SOCKS5 commands, from https://datatracker.ietf.org/doc/html/rfc1928#section-4.
const (
	cmdConnect = byte(1)
)

// SOCKS5 authentication methods, from https://datatracker.ietf.org/doc/html/rfc1928#section-3.
const (
	authMethodNoAuth   = 0x00
	authMethodUserPass = 0x02
)

var _ error = (ReplyCode)(0)

func (e ReplyCode) Error() string {
	switch e {
	case ErrGeneralServerFailure:
		return "general SOCKS server failure"
	case ErrConnectionNotAllowedByRuleset:
		return "connection not allowed by ruleset"
	case ErrNetworkUnreachable:
		return "network unreachable"
	case ErrHostUnreachable:
		return "host unreachable"
	case ErrConnectionRefused:
		return "connection refused"
	case ErrTTLExpired:
		return "TTL expired"
	case ErrCommandNotSupported:
		return "command not supported"
	case ErrAddressTypeNotSupported:
		return "address type not supported"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

// SOCKS address types, from https://datatracker.ietf.org/doc/html/rfc1928#section-5.
const (
	addrTypeIPv4       = 0x01
	addrTypeDomainName = 0x03
	addrTypeIPv6       = 0x04
)

// appendSOCKS5Address appends address to b in the wire format of
// https://datatracker.ietf.org/doc/html/rfc1928#section-5:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
func appendSOCKS5Address(b []byte, address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, addrTypeIPv4)
			b = append(b, ip4...)
		} else if ip6 := ip.To16(); ip6 != nil {
			b = append(b, addrTypeIPv6)
			b = append(b, ip6...)
		} else {
			return nil, errors.New("IP address not IPv4 or IPv6")
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, addrTypeDomainName)
		b = append(b, byte(len(host)))
		b = append(b, host...)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(portNum))
	return b, nil
}

// credentials holds a SOCKS5 username/password pair. A nil *credentials on
// StreamDialer means "no auth": the dialer offers only method 0x00.
type credentials struct {
	username []byte
	password []byte
}

// StreamDialer is the egress adapter: a fixed upstream SOCKS5 proxy plus an
// optional set of credentials to authenticate with.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer returns a StreamDialer that routes connections through the
// SOCKS5 proxy reachable at endpoint.
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{proxyEndpoint: endpoint}, nil
}

// SetCredentials configures username/password authentication, per
// https://datatracker.ietf.org/doc/html/rfc1929. Both fields are required
// and bounded to 255 bytes by the wire format.
func (c *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) == 0 || len(username) > 255 {
		return errors.New("username must be between 1 and 255 bytes")
	}
	if len(password) == 0 || len(password) > 255 {
		return errors.New("password must be between 1 and 255 bytes")
	}
	c.cred = &credentials{username: username, password: password}
	return nil
}

// DialStream implements transport.StreamDialer by speaking SOCKS5 to the
// upstream proxy. The method-selection, auth, and connect messages are sent
// as a single write to save a round trip, since this dialer only ever
// offers one authentication method. A failure reply from the proxy comes
// back as a ReplyCode, checkable with errors.Is against the Err constants
// in this package.
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	proxyConn, err := c.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	dialSuccess := false
	defer func() {
		if !dialSuccess {
			proxyConn.Close()
		}
	}()

	// Buffer large enough for method selection + auth + connect request with
	// a domain name address:
	// 3 (ver+nmethods+methods) + 1+1+255+1+255 (auth) +
	// 3+1+1+255+2 (ver+cmd+rsv, atyp, domain length, domain, port).
	var buffer [(1 + 1 + 1) + (1 + 1 + 255 + 1 + 255) + (3 + 1 + 1 + 255 + 2)]byte
	var b []byte

	if c.cred == nil {
		b = append(buffer[:0], 5, 1, authMethodNoAuth)
	} else {
		b = append(buffer[:0], 5, 1, authMethodUserPass)
		b = append(b, 1)
		b = append(b, byte(len(c.cred.username)))
		b = append(b, c.cred.username...)
		b = append(b, byte(len(c.cred.password)))
		b = append(b, c.cred.password...)
	}

	b = append(b, 5, cmdConnect, 0)
	b, err = appendSOCKS5Address(b, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 address: %w", err)
	}

	if _, err = proxyConn.Write(b); err != nil {
		return nil, fmt.Errorf("failed to write combined SOCKS5 request: %w", err)
	}

	// Method selection response: VER, METHOD.
	if _, err = io.ReadFull(proxyConn, buffer[:2]); err != nil {
		return nil, fmt.Errorf("failed to read method server response: %w", err)
	}
	if buffer[0] != 5 {
		return nil, fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}

	switch buffer[1] {
	case authMethodNoAuth:
	case authMethodUserPass:
		// Auth status response: VER, STATUS.
		if _, err = io.ReadFull(proxyConn, buffer[2:4]); err != nil {
			return nil, fmt.Errorf("failed to read authentication version and status: %w", err)
		}
		if buffer[2] != 1 {
			return nil, fmt.Errorf("invalid authentication version %v. Expected 1", buffer[2])
		}
		if buffer[3] != 0 {
			return nil, fmt.Errorf("authentication failed: %v", buffer[3])
		}
	default:
		return nil, fmt.Errorf("unsupported SOCKS authentication method %v. Expected 2", buffer[1])
	}

	// Connect response: VER, REP, RSV, ATYP, BND.ADDR, BND.PORT.
	if _, err = io.ReadFull(proxyConn, buffer[:4]); err != nil {
		return nil, fmt.Errorf("failed to read connect server response: %w", err)
	}
	if buffer[0] != 5 {
		return nil, fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	if buffer[1] != 0 {
		return nil, ReplyCode(buffer[1])
	}

	var bndAddrLen int
	switch buffer[3] {
	case addrTypeIPv4:
		bndAddrLen = 4
	case addrTypeIPv6:
		bndAddrLen = 16
	case addrTypeDomainName:
		if _, err := io.ReadFull(proxyConn, buffer[:1]); err != nil {
			return nil, fmt.Errorf("failed to read address length in connect response: %w", err)
		}
		bndAddrLen = int(buffer[0])
	default:
		return nil, fmt.Errorf("invalid address type %v", buffer[3])
	}
	if _, err := io.ReadFull(proxyConn, buffer[:bndAddrLen]); err != nil {
		return nil, fmt.Errorf("failed to read bound address: %w", err)
	}
	if _, err = io.ReadFull(proxyConn, buffer[:2]); err != nil {
		return nil, fmt.Errorf("failed to read bound port: %w", err)
	}

	dialSuccess = true
	return proxyConn, nil
}
