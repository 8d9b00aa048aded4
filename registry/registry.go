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

// Package registry builds and holds the named egress adapters a Router can
// pick between, and answers the router's egress-name validation queries.
// Adapters may chain onto one another (a Shadowsocks client tunneled
// through a split-write dialer, an HTTP CONNECT egress tunneled through a
// SOCKS5 proxy, and so on) by naming an already-registered egress as their
// Next hop.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaynet/relayproxy/httpadapter"
	"github.com/relaynet/relayproxy/transport"
	"github.com/relaynet/relayproxy/transport/shadowsocks"
	"github.com/relaynet/relayproxy/transport/socks5"
	"github.com/relaynet/relayproxy/transport/split"
)

// Config is the unvalidated, YAML-friendly shape of one named egress.
type Config struct {
	Type string `yaml:"type"`

	// Address is the proxy address that a "socks5", "shadowsocks" or "http"
	// egress connects to, through Next when Next is set. "direct", "reject"
	// and "split" ignore it.
	Address string `yaml:"address,omitempty"`

	// Next names another already-registered egress this one tunnels
	// through, instead of dialing directly. "socks5", "shadowsocks", "http"
	// and "split" honor it; "split" requires it.
	Next string `yaml:"next,omitempty"`

	// Username and Password configure optional RFC 1929 authentication for
	// a "socks5" egress. Leave both empty to offer no authentication.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// Cipher and Secret configure a "shadowsocks" egress.
	Cipher string `yaml:"cipher,omitempty"`
	Secret string `yaml:"secret,omitempty"`

	// SaltPrefix disguises a "shadowsocks" egress's traffic by starting
	// every salt it sends with these bytes instead of a fully random one.
	// Empty leaves salts fully random.
	SaltPrefix string `yaml:"saltPrefix,omitempty"`

	// PrefixBytes configures a "split" egress: how many bytes of the
	// outgoing stream are written separately from the rest.
	PrefixBytes int64 `yaml:"prefixBytes,omitempty"`

	// ResolutionDelayMS and ConnectionAttemptDelayMS tune a "direct"
	// egress's Happy Eyeballs v2 timings (RFC 8305 §8). Zero uses the
	// RFC-recommended defaults.
	ResolutionDelayMS        int64 `yaml:"resolutionDelayMs,omitempty"`
	ConnectionAttemptDelayMS int64 `yaml:"connectionAttemptDelayMs,omitempty"`
}

// Registry holds the built dialers behind each configured egress name.
// It is safe for concurrent reads; Build calls should happen once at
// startup before the registry is handed to a Router.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]transport.StreamDialer
}

// directDialer is the base dialer behind "direct" and every other egress's
// implicit next hop: Happy Eyeballs v2 rather than a bare TCP dial, so a
// dual-stack destination doesn't pay Go's default resolve-both-then-dial
// latency on every hop of a chain.
func directDialer() transport.StreamDialer {
	return &transport.HappyEyeballsStreamDialer{}
}

// New returns a Registry pre-populated with the two adapter types every
// route always has available: "direct", a Happy-Eyeballs TCP dialer, and
// "reject", which fails every dial.
func New() *Registry {
	r := &Registry{dialers: make(map[string]transport.StreamDialer)}
	r.dialers["direct"] = directDialer()
	r.dialers["reject"] = rejectDialer{}
	return r
}

// IsValidEgress implements router.EgressValidator.
func (r *Registry) IsValidEgress(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[name]
	return ok
}

// Dialer returns the built dialer registered under name.
func (r *Registry) Dialer(name string) (transport.StreamDialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[name]
	return d, ok
}

// Build constructs the egress named name from cfg and registers it.
// If cfg.Next is set, that egress must already be registered: configs are
// meant to be built in dependency order, root proxies first.
func (r *Registry) Build(name string, cfg Config) error {
	dialer, err := r.build(cfg)
	if err != nil {
		return fmt.Errorf("egress %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
	return nil
}

func (r *Registry) next(cfg Config, fallback transport.StreamDialer) (transport.StreamDialer, error) {
	if cfg.Next == "" {
		return fallback, nil
	}
	d, ok := r.Dialer(cfg.Next)
	if !ok {
		return nil, fmt.Errorf("next hop %q is not registered", cfg.Next)
	}
	return d, nil
}

func (r *Registry) build(cfg Config) (transport.StreamDialer, error) {
	switch cfg.Type {
	case "direct":
		return &transport.HappyEyeballsStreamDialer{
			ResolutionDelay:        time.Duration(cfg.ResolutionDelayMS) * time.Millisecond,
			ConnectionAttemptDelay: time.Duration(cfg.ConnectionAttemptDelayMS) * time.Millisecond,
		}, nil

	case "reject":
		return rejectDialer{}, nil

	case "socks5":
		base, err := r.next(cfg, directDialer())
		if err != nil {
			return nil, err
		}
		dialer, err := socks5.NewStreamDialer(&transport.DialerEndpoint{Dialer: base, Address: cfg.Address})
		if err != nil {
			return nil, err
		}
		if cfg.Username != "" || cfg.Password != "" {
			if err := dialer.SetCredentials([]byte(cfg.Username), []byte(cfg.Password)); err != nil {
				return nil, fmt.Errorf("invalid socks5 credentials: %w", err)
			}
		}
		return dialer, nil

	case "shadowsocks":
		cipher, err := shadowsocks.CipherByName(cfg.Cipher)
		if err != nil {
			return nil, fmt.Errorf("invalid cipher: %w", err)
		}
		key, err := shadowsocks.NewEncryptionKey(cipher, cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid secret: %w", err)
		}
		base, err := r.next(cfg, directDialer())
		if err != nil {
			return nil, err
		}
		dialer, err := shadowsocks.NewStreamDialer(&transport.DialerEndpoint{Dialer: base, Address: cfg.Address}, key)
		if err != nil {
			return nil, err
		}
		if cfg.SaltPrefix != "" {
			dialer.SaltGenerator = shadowsocks.NewPrefixSaltGenerator([]byte(cfg.SaltPrefix))
		}
		return dialer, nil

	case "split":
		if cfg.Next == "" {
			return nil, errors.New(`"split" requires next`)
		}
		base, ok := r.Dialer(cfg.Next)
		if !ok {
			return nil, fmt.Errorf("next hop %q is not registered", cfg.Next)
		}
		return split.NewStreamDialer(base, cfg.PrefixBytes)

	case "http":
		base, err := r.next(cfg, directDialer())
		if err != nil {
			return nil, err
		}
		return &httpadapter.Egress{Dialer: base, ProxyAddress: cfg.Address}, nil

	default:
		return nil, fmt.Errorf("unknown egress type %q", cfg.Type)
	}
}

// rejectDialer always fails, backing the well-known "reject" egress.
type rejectDialer struct{}

var _ transport.StreamDialer = rejectDialer{}

func (rejectDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	return nil, fmt.Errorf("egress reject: refusing connection to %s", raddr)
}
