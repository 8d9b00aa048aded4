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
	"io"
	"net/http"

	"github.com/relaynet/relayproxy/endpoint"
	"github.com/relaynet/relayproxy/transport"
)

// Ingress reads the one request header a freshly accepted client
// connection opens with, decides whether it's a CONNECT tunnel or a plain
// relay, and exposes itself as a transport.StreamConn whose Read side
// yields bytes meant for the destination and whose Write side accepts
// bytes from the destination to relay back to the client.
//
// A caller drives it as: AcceptIngress, resolve Endpoint through the
// router, dial the destination, call Confirm (or Fail on dial failure),
// then pump bytes bidirectionally between ingress.Conn() and the
// destination connection.
type Ingress struct {
	client transport.StreamConn

	Endpoint  endpoint.Endpoint
	IsConnect bool
	Upgrade   bool

	recvCache Cache
	confirmed bool

	state     sendState
	respCache Cache
	req       *http.Request
}

// AcceptIngress reads and classifies the first request off client. On
// success the returned Ingress has already extracted Endpoint; the caller
// still owns dialing it and must call Confirm or Fail before relaying any
// bytes.
func AcceptIngress(client transport.StreamConn) (*Ingress, error) {
	in := &Ingress{client: client}

	var wire Cache
	req, err := readRequestFromWire(client, &wire)
	if err != nil {
		return nil, err
	}
	in.req = req
	in.Upgrade = isUpgrade(req.Header)

	ep, err := requestEndpoint(req)
	if err != nil {
		return nil, err
	}
	in.Endpoint = ep

	if req.Method == http.MethodConnect {
		in.IsConnect = true
		in.state = passthrough
		in.recvCache.Append(wire.Residue())
		return in, nil
	}

	closeAfterMessage(req.Header, in.Upgrade)
	in.recvCache.Append(serializeRequestLine(req, req.URL.RequestURI()))
	in.recvCache.Append(wire.Residue())
	in.state = absorbing
	return in, nil
}

// Confirm tells the client the tunnel is ready. It is a no-op outside
// CONNECT mode, where the response is instead produced by rewriting the
// destination's own response header on the first Write.
func (in *Ingress) Confirm() error {
	if !in.IsConnect || in.confirmed {
		return nil
	}
	in.confirmed = true
	_, err := io.WriteString(in.client, "HTTP/1.1 200 Connection Established\r\nConnection: close\r\nProxy-Connection: close\r\n\r\n")
	return err
}

// responded reports whether anything has already gone back to the client,
// meaning it's too late for Fail to inject an error response.
func (in *Ingress) responded() bool {
	return in.confirmed || (!in.IsConnect && in.state == passthrough)
}

// Fail best-effort tells the client the destination could not be reached.
// It does nothing if a response has already started.
func (in *Ingress) Fail() {
	if in.responded() {
		return
	}
	io.WriteString(in.client, "HTTP/1.1 504 Gateway Timeout\r\nConnection: close\r\n\r\n") //nolint:errcheck
}

// Read yields bytes meant for the destination: the rewritten request
// header (relay mode only, once) followed by residue, then raw client
// bytes.
func (in *Ingress) Read(p []byte) (int, error) {
	if in.recvCache.Len() > 0 {
		return in.recvCache.Read(p)
	}
	return in.client.Read(p)
}

// Write accepts bytes arriving from the destination. In tunnel mode they
// pass straight to the client. In relay mode they are buffered and
// re-parsed as a response header exactly once; once that header is
// rewritten and flushed, later writes pass straight through too.
func (in *Ingress) Write(p []byte) (int, error) {
	if in.state == passthrough {
		return in.client.Write(p)
	}

	in.respCache.Append(p)
	resp, err := parseResponseHeader(&in.respCache, in.req)
	if err != nil {
		if err == errNeedMore {
			return len(p), nil
		}
		return 0, err
	}

	closeAfterMessage(resp.Header, in.Upgrade)
	in.respCache.Prepend(serializeResponseLine(resp))
	in.state = passthrough
	if err := drainCacheTo(&in.respCache, in.client); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Conn returns the client connection with Ingress's Read/Write installed,
// preserving the original CloseRead/CloseWrite.
func (in *Ingress) Conn() transport.StreamConn {
	return transport.WrapConn(in.client, in, in)
}

// drainCacheTo writes every byte currently queued in cache to w.
func drainCacheTo(cache *Cache, w io.Writer) error {
	for cache.Len() > 0 {
		buf := make([]byte, cache.Len())
		n, _ := cache.Read(buf)
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}
