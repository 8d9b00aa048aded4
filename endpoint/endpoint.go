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

// Package endpoint defines the destination type shuttled between the HTTP
// adapter and the router: a host/port pair tagged with how the host was
// spelled, so that predicates can tell an unresolved domain name from a
// literal address without doing any I/O.
package endpoint

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/idna"
)

// Kind classifies how an Endpoint's host was spelled on the wire.
type Kind int

const (
	// DomainName means Host is a DNS name that has not been resolved.
	DomainName Kind = iota
	// IPv4 means Host is a literal dotted-decimal address.
	IPv4
	// IPv6 means Host is a literal IPv6 address. IPv4-mapped IPv6 literals
	// are classified as IPv4.
	IPv6
)

func (k Kind) String() string {
	switch k {
	case DomainName:
		return "DOMAIN_NAME"
	case IPv4:
		return "IPV4"
	case IPv6:
		return "IPV6"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is an immutable destination: a type tag, a host string (literal
// IP text or DNS name), and a port string. Two Endpoints with the same
// fields are equal, so Endpoint is safe to use as a map key or compare with
// ==.
type Endpoint struct {
	Kind Kind
	Host string
	Port string
}

// New classifies host and builds the corresponding Endpoint. The port is
// carried as given, unvalidated: the adapter and router only ever compare
// or forward it, never resolve it as a service name.
func New(host, port string) Endpoint {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() || ip.Is4In6() {
			return Endpoint{Kind: IPv4, Host: ip.String(), Port: port}
		}
		return Endpoint{Kind: IPv6, Host: ip.String(), Port: port}
	}
	// Normalize to ASCII/punycode so a domain-suffix rule written in ASCII
	// matches a request that spelled the same name with Unicode labels.
	// Malformed labels are kept as-is; they'll simply fail every suffix and
	// regex predicate downstream instead of erroring here.
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return Endpoint{Kind: DomainName, Host: host, Port: port}
}

// Parse splits a "host:port" (or "[ipv6]:port") address into an Endpoint.
func Parse(hostport string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", hostport, err)
	}
	return New(host, port), nil
}

// String renders the Endpoint back into "host:port" form, bracketing IPv6
// literals as net.JoinHostPort does.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Addr returns the endpoint's address as a netip.Addr and true, or the zero
// value and false if the endpoint is a DOMAIN_NAME that has not been
// resolved.
func (e Endpoint) Addr() (netip.Addr, bool) {
	if e.Kind == DomainName {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(e.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	// Normalize IPv4-mapped IPv6 (::ffff:a.b.c.d) to its embedded IPv4 form
	// so range and country predicates key off one canonical representation.
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr, true
}

// ResolvedResult is one address a Resolver produced for a domain name.
type ResolvedResult struct {
	Addr netip.Addr
}

// Resolver looks up the addresses for a DOMAIN_NAME endpoint's host. It is
// caller-supplied, side-effectful, and potentially slow: the router invokes
// it at most once per route() call, only when actually needed.
type Resolver func(host string) ([]ResolvedResult, error)
