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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/relaynet/relayproxy/endpoint"
)

// parseRequestHeader tries to parse a request header out of cache's
// unconsumed bytes without touching the wire. It returns errNeedMore if the
// bytes buffered so far don't yet contain a complete header.
func parseRequestHeader(cache *Cache) (*http.Request, error) {
	if cache.Len() == 0 {
		return nil, errNeedMore
	}
	raw := cache.Residue()
	if !headerComplete(raw) {
		return nil, errNeedMore
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	req, err := http.ReadRequest(br)
	if err != nil {
		if isIncompleteHeader(err) {
			return nil, errNeedMore
		}
		return nil, badProto("malformed request header", err)
	}
	consumed := cache.Len() - br.Buffered()

	// For an absolute-form request-target, http.ReadRequest sets req.Host
	// from the request line's own authority regardless of whether a Host
	// header was present at all, and discards any Host header that
	// disagrees with it (see the RFC 7230 §5.4 comment in net/http's own
	// request parsing). Destination routing must go by the literal Host
	// header, and a missing one must be observable as missing rather than
	// silently filled in from the request line, so req.Host is always
	// replaced with what rawHostHeader actually found — "" if nothing was
	// there — rather than trusting whatever http.ReadRequest synthesized.
	host, _ := rawHostHeader(raw[:consumed])
	req.Host = host

	cache.Consume(consumed)
	return req, nil
}

// rawHostHeader parses a Host header directly out of raw request-header
// bytes (request line plus fields, as delivered by the client), independent
// of whatever req.Host net/http decided to synthesize.
func rawHostHeader(raw []byte) (string, bool) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	if _, err := tp.ReadLine(); err != nil {
		return "", false
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return "", false
	}
	host := header.Get("Host")
	if host == "" {
		return "", false
	}
	return host, true
}

// parseResponseHeader mirrors parseRequestHeader for responses. req is the
// request that produced the response, needed so http.ReadResponse knows
// whether a body is expected (HEAD, 204, 304, ...).
func parseResponseHeader(cache *Cache, req *http.Request) (*http.Response, error) {
	if cache.Len() == 0 {
		return nil, errNeedMore
	}
	if !headerComplete(cache.Residue()) {
		return nil, errNeedMore
	}
	br := bufio.NewReader(bytes.NewReader(cache.Residue()))
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		if isIncompleteHeader(err) {
			return nil, errNeedMore
		}
		return nil, badProto("malformed response header", err)
	}
	cache.Consume(cache.Len() - br.Buffered())
	return resp, nil
}

// headerComplete reports whether raw holds the blank line that ends an
// HTTP header block.
func headerComplete(raw []byte) bool {
	return bytes.Contains(raw, []byte("\r\n\r\n")) || bytes.Contains(raw, []byte("\n\n"))
}

// readRequestFromWire keeps pulling bytes from wire into cache until parse
// stops asking for more.
func readRequestFromWire(wire io.Reader, cache *Cache) (*http.Request, error) {
	buf := make([]byte, 4096)
	for {
		req, err := parseRequestHeader(cache)
		if err == nil {
			return req, nil
		}
		if err != errNeedMore {
			return nil, err
		}
		n, rerr := wire.Read(buf)
		if n > 0 {
			cache.Append(buf[:n])
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

// readResponseFromWire mirrors readRequestFromWire for responses.
func readResponseFromWire(wire io.Reader, cache *Cache, req *http.Request) (*http.Response, error) {
	buf := make([]byte, 4096)
	for {
		resp, err := parseResponseHeader(cache, req)
		if err == nil {
			return resp, nil
		}
		if err != errNeedMore {
			return nil, err
		}
		n, rerr := wire.Read(buf)
		if n > 0 {
			cache.Append(buf[:n])
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

// hasToken reports whether header key contains token as one of its
// comma-separated values, case-insensitively.
func hasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// isUpgrade reports whether a message negotiates a protocol upgrade, in
// which case the adapter must not inject Connection: close or otherwise
// keep rewriting past the header.
func isUpgrade(h http.Header) bool {
	return hasToken(h, "Connection", "Upgrade")
}

// closeAfterMessage marks a header so neither side tries to reuse the
// connection for a second message, unless upgrade is set.
func closeAfterMessage(h http.Header, upgrade bool) {
	if upgrade {
		return
	}
	h.Set("Connection", "close")
	h.Set("Proxy-Connection", "close")
}

// serializeRequestLine re-serializes req with target as the request-target
// (path-only for a proxy's client-facing side, absolute-form for its
// upstream-facing side) and HTTP/1.1 regardless of the original version:
// downstream code in this adapter never needs to speak anything else.
func serializeRequestLine(req *http.Request, target string) []byte {
	// http.ReadRequest moves the Host header into req.Host and deletes it
	// from req.Header; put it back before writing the header back out.
	if req.Host != "" {
		req.Header.Set("Host", req.Host)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, target)
	req.Header.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// serializeResponseLine re-serializes resp, forcing HTTP/1.1 on the status
// line the same way serializeRequestLine forces it on the request line.
func serializeResponseLine(resp *http.Response) []byte {
	var buf bytes.Buffer
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %s\r\n", status)
	resp.Header.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// requestEndpoint extracts the destination the request is aimed at. For
// CONNECT it's the authority-form target; for a relayed request the Host
// header is mandatory regardless of the request-target's own form
// (matching the source's unconditional "Missing HOST field" check), so a
// missing one is a fatal bad-protocol error rather than a fallback to the
// request line's authority. Defaults to port 80 when the authority names
// no port.
func requestEndpoint(req *http.Request) (endpoint.Endpoint, error) {
	if req.Method == http.MethodConnect {
		host, port, err := net.SplitHostPort(req.URL.Host)
		if err != nil {
			return endpoint.Endpoint{}, badProto("malformed CONNECT target", err)
		}
		return endpoint.New(host, port), nil
	}

	if req.Host == "" {
		return endpoint.Endpoint{}, badProto("request has no Host header", nil)
	}
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, port = req.Host, "80"
	}
	return endpoint.New(host, port), nil
}

// absoluteRequestURI renders req's target in absolute-form, the way a
// client talking to an upstream proxy (rather than directly to the origin)
// must present it.
func absoluteRequestURI(req *http.Request, ep endpoint.Endpoint) string {
	return "http://" + ep.String() + req.URL.RequestURI()
}
