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
	"context"
	"io"
	"net/http"

	"github.com/relaynet/relayproxy/endpoint"
	"github.com/relaynet/relayproxy/transport"
)

// Egress is a transport.StreamDialer that reaches its destination through
// an upstream HTTP proxy. It first tries a CONNECT tunnel; if the proxy
// refuses it, it opens a fresh connection and falls back to relaying plain
// HTTP requests with their targets rewritten to absolute-form, the way a
// client talking to a proxy (rather than an origin server) must present
// them.
type Egress struct {
	// Dialer reaches the upstream proxy itself, e.g. a plain TCP dialer.
	Dialer transport.StreamDialer
	// ProxyAddress is the upstream proxy's host:port.
	ProxyAddress string
}

var _ transport.StreamDialer = (*Egress)(nil)

// DialStream implements transport.StreamDialer, returning a connection
// that behaves as if dialed directly to remoteAddr.
func (e *Egress) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	remote, err := endpoint.Parse(remoteAddr)
	if err != nil {
		return nil, err
	}

	stream, err := e.Dialer.DialStream(ctx, e.ProxyAddress)
	if err != nil {
		return nil, err
	}

	ok, residue, err := attemptConnect(stream, remote)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if ok {
		if len(residue) == 0 {
			return stream, nil
		}
		// The same read that pulled in the CONNECT response may have
		// pulled in the first tunnel bytes right behind it; those must be
		// delivered before anything else read off the wire.
		tunnel := &tunnelConn{stream: stream}
		tunnel.cache.Append(residue)
		return transport.WrapConn(stream, tunnel, stream), nil
	}

	// The proxy refused the tunnel. Per the adapter's failure contract this
	// triggers exactly one relay fallback on a fresh connection; it does
	// not retry the CONNECT attempt itself.
	stream.Close()
	backup, err := e.Dialer.DialStream(ctx, e.ProxyAddress)
	if err != nil {
		return nil, err
	}
	relay := &egressRelay{stream: backup, remote: remote}
	return transport.WrapConn(backup, relay, relay), nil
}

// attemptConnect issues a CONNECT request for remote over stream and
// reports whether the proxy answered with success, along with any bytes
// read past the response header (the start of the tunnel, if the proxy's
// read happened to pull in both at once).
func attemptConnect(stream transport.StreamConn, remote endpoint.Endpoint) (bool, []byte, error) {
	target := remote.String()
	request := "CONNECT " + target + " HTTP/1.1\r\n" +
		"Host: " + target + "\r\n" +
		"Connection: close\r\n" +
		"Proxy-Connection: close\r\n\r\n"
	if _, err := io.WriteString(stream, request); err != nil {
		return false, nil, err
	}

	var wire Cache
	connectReq := &http.Request{Method: http.MethodConnect}
	resp, err := readResponseFromWire(stream, &wire, connectReq)
	if err != nil {
		return false, nil, err
	}
	return resp.StatusCode/100 == 2, wire.Residue(), nil
}

// tunnelConn delivers any bytes read alongside a successful CONNECT
// response before falling through to raw reads from the wire.
type tunnelConn struct {
	stream transport.StreamConn
	cache  Cache
}

func (t *tunnelConn) Read(p []byte) (int, error) {
	if t.cache.Len() > 0 {
		return t.cache.Read(p)
	}
	return t.stream.Read(p)
}

// egressRelay implements the relay-mode side of Egress: it treats bytes
// written to it as one outgoing request, rewrites that request's target to
// absolute-form exactly once, then passes everything through raw in both
// directions.
type egressRelay struct {
	stream transport.StreamConn
	remote endpoint.Endpoint

	state    sendState
	reqCache Cache

	recvCache Cache
}

// Write buffers and re-parses the caller's request, rewriting its target
// to absolute-form the moment the header is complete.
func (e *egressRelay) Write(p []byte) (int, error) {
	if e.state == passthrough {
		return e.stream.Write(p)
	}

	e.reqCache.Append(p)
	req, err := parseRequestHeader(&e.reqCache)
	if err != nil {
		if err == errNeedMore {
			return len(p), nil
		}
		return 0, err
	}

	closeAfterMessage(req.Header, isUpgrade(req.Header))
	e.reqCache.Prepend(serializeRequestLine(req, absoluteRequestURI(req, e.remote)))
	e.state = passthrough
	if err := drainCacheTo(&e.reqCache, e.stream); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read drains any queued residue before falling through to the wire. In
// practice the queue stays empty: response bytes never pass through the
// request-side parser above, so nothing is ever buffered here except for
// the drain-cache-then-wire shape shared with Ingress.
func (e *egressRelay) Read(p []byte) (int, error) {
	if e.recvCache.Len() > 0 {
		return e.recvCache.Read(p)
	}
	return e.stream.Read(p)
}
