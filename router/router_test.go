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
	"testing"

	"github.com/relaynet/relayproxy/endpoint"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	valid map[string]bool
}

func (f *fakeRegistry) IsValidEgress(name string) bool {
	if f == nil {
		return true
	}
	return f.valid[name]
}

type fakeGeoIP struct {
	countries map[string]string
}

func (g *fakeGeoIP) Country(addr netip.Addr) (string, bool) {
	iso2, ok := g.countries[addr.String()]
	return iso2, ok
}

func allowAllRegistry() *fakeRegistry {
	return &fakeRegistry{valid: map[string]bool{"direct": true, "reject": true, "proxy-a": true, "proxy-b": true}}
}

func TestRouterSuffixMatch(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("corp", RuleConfig{DomainSuffixes: []string{"example.com"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"corp"}, Default: "direct"}))

	got := rt.Route(endpoint.New("foo.example.com", "443"), "", "", nil)
	require.Equal(t, "proxy-a", got)

	got = rt.Route(endpoint.New("fooexample.com", "443"), "", "", nil)
	require.Equal(t, "direct", got)
}

func TestRouterIPv4MappedIPv6MatchesRange(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("lan", RuleConfig{CIDRs: []string{"1.1.1.0/24"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"lan"}, Default: "direct"}))

	got := rt.Route(endpoint.New("::ffff:1.1.1.1", "443"), "", "", nil)
	require.Equal(t, "proxy-a", got)
}

func TestRouterCountryWithDefaultFallback(t *testing.T) {
	geo := &fakeGeoIP{countries: map[string]string{
		"1.1.1.1": "AU",
		"8.8.8.8": "US",
	}}
	rt := New(geo, allowAllRegistry())
	require.NoError(t, rt.Update("au", RuleConfig{Countries: []string{"AU"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"au"}, Default: "direct"}))

	got := rt.Route(endpoint.New("1.1.1.1", "443"), "", "", nil)
	require.Equal(t, "proxy-a", got)

	got = rt.Route(endpoint.New("8.8.8.8", "443"), "", "", nil)
	require.Equal(t, "direct", got)
}

func TestRouterLazyResolutionSkippedWhenUnneeded(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	// A rule that can never match on cheaper predicates: ingress name never
	// matches, so range/country predicates must never be reached.
	require.NoError(t, rt.Update("unreachable", RuleConfig{
		IngressNames: []string{"never-this-ingress"},
		CIDRs:        []string{"1.1.1.0/24"},
		Egress:       "proxy-a",
	}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"unreachable"}, Default: "direct"}))

	resolveCalled := false
	resolver := func(host string) ([]endpoint.ResolvedResult, error) {
		resolveCalled = true
		return []endpoint.ResolvedResult{{Addr: netip.MustParseAddr("1.1.1.1")}}, nil
	}

	got := rt.Route(endpoint.New("example.com", "443"), "some-ingress", "http", resolver)
	require.Equal(t, "direct", got)
	require.False(t, resolveCalled, "resolve must not be called when cheaper predicates already excluded the rule")
}

func TestRouterResolveInvokedAtMostOnce(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("range", RuleConfig{CIDRs: []string{"9.9.9.0/24"}, Egress: "proxy-a"}))
	require.NoError(t, rt.Update("country", RuleConfig{Countries: []string{"AU"}, Egress: "proxy-b"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"range", "country"}, Default: "direct"}))

	calls := 0
	resolver := func(host string) ([]endpoint.ResolvedResult, error) {
		calls++
		return []endpoint.ResolvedResult{{Addr: netip.MustParseAddr("8.8.8.8")}}, nil
	}

	got := rt.Route(endpoint.New("example.com", "443"), "", "", resolver)
	require.Equal(t, "direct", got)
	require.Equal(t, 1, calls, "resolve must be memoized across rules within one Route call")
}

func TestRouterUpdateRejectsBadCIDR(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	err := rt.Update("bad", RuleConfig{CIDRs: []string{"not-a-cidr"}, Egress: "proxy-a"})
	require.Error(t, err)
	require.Empty(t, rt.Iterate())
}

func TestRouterUpdateRejectsEgressOnlyIngressType(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	err := rt.Update("bad", RuleConfig{IngressTypes: []string{"direct"}, Egress: "proxy-a"})
	require.Error(t, err)
	require.Empty(t, rt.Iterate())
}

func TestRouterEraseFailsWhenRuleInUse(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("corp", RuleConfig{DomainSuffixes: []string{"example.com"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"corp"}, Default: "direct"}))

	err := rt.Erase("corp")
	require.Error(t, err)
	require.True(t, IsResInUse(err))
	require.Len(t, rt.Iterate(), 1)
}

func TestRouterSetRouteAtomicOnFailure(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("corp", RuleConfig{DomainSuffixes: []string{"example.com"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"corp"}, Default: "direct"}))

	err := rt.SetRoute(Route{RuleNames: []string{"does-not-exist"}, Default: "direct"})
	require.Error(t, err)

	got := rt.GetRoute()
	require.Equal(t, []string{"corp"}, got.RuleNames)
}

func TestRouterIsUsed(t *testing.T) {
	rt := New(nil, allowAllRegistry())
	require.NoError(t, rt.Update("corp", RuleConfig{DomainSuffixes: []string{"example.com"}, Egress: "proxy-a"}))
	require.NoError(t, rt.SetRoute(Route{RuleNames: []string{"corp"}, Default: "direct"}))

	require.True(t, rt.IsUsed("proxy-a"))
	require.True(t, rt.IsUsed("direct"))
	require.False(t, rt.IsUsed("proxy-b"))
}
