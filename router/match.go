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

import (
	"net/netip"
	"strings"

	"github.com/relaynet/relayproxy/endpoint"
)

// GeoIPReader answers country queries for an IP address. Implementations
// must be safe for concurrent use; absence of an entry is reported by
// returning ok == false, not an error.
type GeoIPReader interface {
	Country(addr netip.Addr) (iso2 string, ok bool)
}

// matchDomain reports whether host falls under suffix: either they are
// equal, or host ends in "."+suffix. A leading dot on either argument is a
// caller error, distinguished from "no match" by the second return value.
func matchDomain(host, suffix string) (matched bool, err error) {
	if strings.HasPrefix(host, ".") || strings.HasPrefix(suffix, ".") {
		return false, newMiscError("matchDomain: host and suffix must not start with '.'")
	}
	if host == "" || suffix == "" {
		return false, nil
	}
	if host == suffix {
		return true, nil
	}
	return strings.HasSuffix(host, "."+suffix), nil
}

func matchesIngressType(r *Rule, ingressType string) bool {
	if r.ingressTypes == nil {
		return true
	}
	_, ok := r.ingressTypes[ingressType]
	return ok
}

func matchesIngressName(r *Rule, ingressName string) bool {
	if r.ingressNames == nil {
		return true
	}
	_, ok := r.ingressNames[ingressName]
	return ok
}

func matchesRegex(r *Rule, host string) bool {
	if len(r.regexes) == 0 {
		return true
	}
	for _, re := range r.regexes {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// matchesDomainSuffix reports whether ep satisfies the rule's domain-suffix
// predicate. IP endpoints never match a domain predicate: this is not an
// error, the predicate simply fails.
func matchesDomainSuffix(r *Rule, ep endpoint.Endpoint) bool {
	if len(r.domainSuffixes) == 0 {
		return true
	}
	if ep.Kind != endpoint.DomainName {
		return false
	}
	for _, suffix := range r.domainSuffixes {
		if ok, _ := matchDomain(ep.Host, suffix); ok {
			return true
		}
	}
	return false
}

func matchesCIDR(r *Rule, addrs []netip.Addr) bool {
	if len(r.cidrs) == 0 {
		return true
	}
	for _, addr := range addrs {
		for _, prefix := range r.cidrs {
			if prefix.Contains(addr) {
				return true
			}
		}
	}
	return false
}

func matchesCountry(r *Rule, addrs []netip.Addr, geo GeoIPReader) bool {
	if len(r.countries) == 0 {
		return true
	}
	if geo == nil {
		return false
	}
	for _, addr := range addrs {
		iso2, ok := geo.Country(addr)
		if !ok {
			continue
		}
		if _, ok := r.countries[strings.ToUpper(iso2)]; ok {
			return true
		}
	}
	return false
}

// resolveCache resolves ep's addresses at most once, the first time get() is
// called, and remembers the result for the rest of one route() evaluation.
// For an already-literal endpoint it never calls resolve at all.
type resolveCache struct {
	ep      endpoint.Endpoint
	resolve endpoint.Resolver
	done    bool
	addrs   []netip.Addr
}

func (c *resolveCache) get() []netip.Addr {
	if c.done {
		return c.addrs
	}
	c.done = true
	if c.ep.Kind != endpoint.DomainName {
		if addr, ok := c.ep.Addr(); ok {
			c.addrs = []netip.Addr{addr}
		}
		return c.addrs
	}
	if c.resolve == nil {
		return nil
	}
	results, err := c.resolve(c.ep.Host)
	if err != nil {
		return nil
	}
	for _, res := range results {
		addr := res.Addr
		if addr.Is4In6() {
			addr = addr.Unmap()
		}
		c.addrs = append(c.addrs, addr)
	}
	return c.addrs
}
