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

// Package router implements the policy engine that picks an egress adapter
// name for each new connection: a set of named rules, an ordered route
// listing which rules apply and in what order, and a default egress for
// whatever nothing else claims.
package router

import (
	"fmt"
	"sync"

	"github.com/relaynet/relayproxy/endpoint"
)

// EgressValidator is the adapter registry collaborator: it knows which
// egress names are plausible without knowing anything about rules or
// routes. The router treats it as an opaque validator.
type EgressValidator interface {
	IsValidEgress(name string) bool
}

// NamedRule pairs a rule with the name it is registered under.
type NamedRule struct {
	Name string
	Rule *Rule
}

// Router holds the named rules and the active route, and decides an egress
// name for each connection. The zero value is not usable; construct one
// with New. A Router is safe for concurrent use: configuration mutations
// (Update, Erase, SetRoute) are serialized against each other and appear
// atomic to concurrent callers of Route, via a single-writer/many-reader
// lock.
type Router struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	route    Route
	geo      GeoIPReader
	registry EgressValidator
}

// New creates a Router with an empty rule set and the default route
// ("direct" for everything). geo may be nil if no rule ever needs a country
// predicate; registry may be nil to skip egress-name validation entirely
// (useful in tests).
func New(geo GeoIPReader, registry EgressValidator) *Router {
	return &Router{
		rules:    make(map[string]*Rule),
		route:    DefaultRoute(),
		geo:      geo,
		registry: registry,
	}
}

func (rt *Router) validateEgress(name string) error {
	if rt.registry == nil {
		return nil
	}
	if !rt.registry.IsValidEgress(name) {
		return newMiscError(fmt.Sprintf("egress %q is not a registered adapter", name))
	}
	return nil
}

// Update inserts or replaces the rule named name. On failure the router's
// state is unchanged.
func (rt *Router) Update(name string, cfg RuleConfig) error {
	rule, err := newRule(name, cfg)
	if err != nil {
		return err
	}
	if err := rt.validateEgress(cfg.Egress); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rules[name] = rule
	return nil
}

// Erase removes the rule named name. It fails with a ResInUse Error, state
// unchanged, if the current route lists that rule.
func (rt *Router) Erase(name string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, used := range rt.route.RuleNames {
		if used == name {
			return newResInUseError(fmt.Sprintf("rule %q is referenced by the current route", name))
		}
	}
	delete(rt.rules, name)
	return nil
}

// Iterate enumerates the current rules, in no particular order.
func (rt *Router) Iterate() []NamedRule {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]NamedRule, 0, len(rt.rules))
	for name, rule := range rt.rules {
		out = append(out, NamedRule{Name: name, Rule: rule})
	}
	return out
}

// SetRoute replaces the ordered rule list and default egress. Every
// referenced rule name must already exist and the default egress must be
// plausible; on failure the previous route is retained atomically.
func (rt *Router) SetRoute(route Route) error {
	if route.Default == "" {
		return newMiscError("route: default egress is required")
	}
	if err := rt.validateEgress(route.Default); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, name := range route.RuleNames {
		if _, ok := rt.rules[name]; !ok {
			return newMiscError(fmt.Sprintf("route: unknown rule %q", name))
		}
	}
	rt.route = route.clone()
	return nil
}

// GetRoute returns the current route. The default is always populated.
func (rt *Router) GetRoute() Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.route.clone()
}

// IsUsed reports whether any rule or the default references egressName.
func (rt *Router) IsUsed(egressName string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.route.Default == egressName {
		return true
	}
	for _, rule := range rt.rules {
		if rule.egress == egressName {
			return true
		}
	}
	return false
}

// Route decides the egress name for one connection. Rules are tried in the
// current route's order; the first rule whose every specified predicate
// matches wins. resolve is invoked at most once, only if some still-viable
// rule reaches an IP-requiring predicate with a DOMAIN_NAME endpoint; if ep
// already carries a literal address, resolve is never called.
func (rt *Router) Route(ep endpoint.Endpoint, ingressName, ingressType string, resolve endpoint.Resolver) string {
	// Snapshot the rules the current route names and the default egress
	// under the lock, then release it before ever calling resolve: resolve
	// is a DNS lookup, a suspension point, and no operation may hold the
	// lock across one. Holding RLock here would also block a concurrent
	// Update/SetRoute (and, transitively, every other Route call queued
	// behind that writer) for as long as the lookup takes.
	rt.mu.RLock()
	rules := make([]*Rule, 0, len(rt.route.RuleNames))
	for _, name := range rt.route.RuleNames {
		if rule, ok := rt.rules[name]; ok {
			rules = append(rules, rule)
		}
	}
	def := rt.route.Default
	geo := rt.geo
	rt.mu.RUnlock()

	cache := &resolveCache{ep: ep, resolve: resolve}

	for _, rule := range rules {
		if !matchesIngressType(rule, ingressType) {
			continue
		}
		if !matchesIngressName(rule, ingressName) {
			continue
		}
		if !matchesRegex(rule, ep.Host) {
			continue
		}
		if !matchesDomainSuffix(rule, ep) {
			continue
		}
		if len(rule.cidrs) > 0 && !matchesCIDR(rule, cache.get()) {
			continue
		}
		if len(rule.countries) > 0 && !matchesCountry(rule, cache.get(), geo) {
			continue
		}
		return rule.egress
	}
	return def
}
