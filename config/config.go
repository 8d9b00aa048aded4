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

// Package config loads a YAML document describing the egress adapters, the
// named rules, and the route that ties them together, and applies it to a
// registry.Registry and a router.Router.
package config

import (
	"fmt"
	"os"

	"github.com/relaynet/relayproxy/registry"
	"github.com/relaynet/relayproxy/router"
	"gopkg.in/yaml.v3"
)

// File is the top-level document shape.
type File struct {
	GeoIPDatabase string                    `yaml:"geoipDatabase,omitempty"`
	Egresses      map[string]registry.Config `yaml:"egresses"`
	// EgressOrder lists egress names in the order they must be built, so
	// that any egress using "next" is built after the hop it names. Egress
	// names not listed here are built afterward, in map order.
	EgressOrder []string                  `yaml:"egressOrder,omitempty"`
	Rules       map[string]router.RuleConfig `yaml:"rules"`
	Route       router.Route              `yaml:"route"`
}

// Load reads and parses path without applying it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &f, nil
}

// Apply builds every configured egress into reg, then loads every rule and
// the route into rt. Egresses are built in EgressOrder first so a "next"
// reference always resolves, followed by any egress Apply didn't see named
// there.
func (f *File) Apply(reg *registry.Registry, rt *router.Router) error {
	built := make(map[string]bool, len(f.Egresses))
	for _, name := range f.EgressOrder {
		cfg, ok := f.Egresses[name]
		if !ok {
			return fmt.Errorf("egressOrder names unknown egress %q", name)
		}
		if err := reg.Build(name, cfg); err != nil {
			return err
		}
		built[name] = true
	}
	for name, cfg := range f.Egresses {
		if built[name] {
			continue
		}
		if err := reg.Build(name, cfg); err != nil {
			return err
		}
	}

	for name, cfg := range f.Rules {
		if err := rt.Update(name, cfg); err != nil {
			return fmt.Errorf("rule %q: %w", name, err)
		}
	}

	if len(f.Route.RuleNames) > 0 || f.Route.Default != "" {
		if err := rt.SetRoute(f.Route); err != nil {
			return fmt.Errorf("route: %w", err)
		}
	}
	return nil
}
