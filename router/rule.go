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
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// outboundOnlyTypes names the pseudo ingress types that identify an
// egress-only adapter. A Rule's ingress-type set may never mention one of
// these: they never originate a connection, so constraining on them would
// make the rule permanently dead.
var outboundOnlyTypes = map[string]struct{}{
	"direct": {},
	"reject": {},
}

// RuleConfig is the unvalidated shape of a Rule, as loaded from
// configuration. Any field left empty means "do not constrain on this
// dimension" per the Rule contract.
type RuleConfig struct {
	CIDRs          []string `yaml:"cidrs,omitempty"`
	IngressNames   []string `yaml:"ingressNames,omitempty"`
	IngressTypes   []string `yaml:"ingressTypes,omitempty"`
	Regexes        []string `yaml:"regexes,omitempty"`
	DomainSuffixes []string `yaml:"domainSuffixes,omitempty"`
	Countries      []string `yaml:"countries,omitempty"`
	Egress         string   `yaml:"egress"`
}

// Rule is a named conjunction of predicates selecting an egress. It is
// immutable once built by newRule; Router.Update replaces rather than
// mutates entries.
type Rule struct {
	name           string
	cidrs          []netip.Prefix
	ingressNames   map[string]struct{}
	ingressTypes   map[string]struct{}
	regexes        []*regexp.Regexp
	domainSuffixes []string
	countries      map[string]struct{}
	egress         string
}

func newRule(name string, cfg RuleConfig) (*Rule, error) {
	if cfg.Egress == "" {
		return nil, newMiscError(fmt.Sprintf("rule %q: egress is required", name))
	}
	r := &Rule{name: name, egress: cfg.Egress}

	for _, t := range cfg.IngressTypes {
		if _, bad := outboundOnlyTypes[t]; bad {
			return nil, newMiscError(fmt.Sprintf("rule %q: ingress type %q is an egress-only adapter type", name, t))
		}
	}
	r.ingressTypes = toSet(cfg.IngressTypes)
	r.ingressNames = toSet(cfg.IngressNames)
	r.countries = toSet(upperAll(cfg.Countries))

	for _, cidr := range cfg.CIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, newMiscError(fmt.Sprintf("rule %q: invalid CIDR %q: %v", name, cidr, err))
		}
		r.cidrs = append(r.cidrs, prefix)
	}

	for _, pattern := range cfg.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, newMiscError(fmt.Sprintf("rule %q: invalid regex %q: %v", name, pattern, err))
		}
		r.regexes = append(r.regexes, re)
	}

	for _, suffix := range cfg.DomainSuffixes {
		if strings.HasPrefix(suffix, ".") {
			return nil, newMiscError(fmt.Sprintf("rule %q: domain suffix %q must not start with '.'", name, suffix))
		}
		r.domainSuffixes = append(r.domainSuffixes, suffix)
	}

	return r, nil
}

// Name is the rule's identifier within a Router.
func (r *Rule) Name() string { return r.name }

// Egress is the egress name this rule selects when it matches.
func (r *Rule) Egress() string { return r.egress }

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func upperAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(v)
	}
	return out
}
