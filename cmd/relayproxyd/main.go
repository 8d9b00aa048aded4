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

// Command relayproxyd listens for HTTP proxy connections (CONNECT tunnels
// and plain relayed requests), decides an egress adapter for each one
// through a configurable policy router, and forwards bytes until either
// side closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/relaynet/relayproxy/config"
	"github.com/relaynet/relayproxy/endpoint"
	"github.com/relaynet/relayproxy/geoip"
	"github.com/relaynet/relayproxy/httpadapter"
	"github.com/relaynet/relayproxy/registry"
	"github.com/relaynet/relayproxy/router"
	"github.com/relaynet/relayproxy/transport"
)

func main() {
	configFlag := flag.String("config", "", "Path to the YAML configuration file")
	listenFlag := flag.String("listen", "localhost:1080", "Address to accept proxy connections on")
	ingressNameFlag := flag.String("ingress-name", "main", "Name this listener reports to the router for ingressName rules")
	ingressTypeFlag := flag.String("ingress-type", "http", "Type this listener reports to the router for ingressType rules")
	verboseFlag := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	if *configFlag == "" {
		slog.Error("Need to pass -config")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(*configFlag, *ingressNameFlag, *ingressTypeFlag)
	if err != nil {
		slog.Error("Failed to build server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	listener, err := net.Listen("tcp", *listenFlag)
	if err != nil {
		slog.Error("Failed to listen", "address", *listenFlag, "error", err)
		os.Exit(1)
	}
	slog.Info("Proxy listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if err := srv.Serve(listener); err != nil && ctx.Err() == nil {
		slog.Error("Server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}

// server owns the router and registry built from one configuration file and
// accepts connections against them.
type server struct {
	registry    *registry.Registry
	router      *router.Router
	geo         *geoip.Reader
	ingressName string
	ingressType string
}

func newServer(configPath, ingressName, ingressType string) (*server, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var geo *geoip.Reader
	if file.GeoIPDatabase != "" {
		geo, err = geoip.Open(file.GeoIPDatabase)
		if err != nil {
			return nil, fmt.Errorf("opening GeoIP database: %w", err)
		}
	}

	reg := registry.New()
	var geoReader router.GeoIPReader
	if geo != nil {
		geoReader = geo
	}
	rt := router.New(geoReader, reg)

	if err := file.Apply(reg, rt); err != nil {
		if geo != nil {
			geo.Close()
		}
		return nil, fmt.Errorf("applying configuration: %w", err)
	}

	return &server{
		registry:    reg,
		router:      rt,
		geo:         geo,
		ingressName: ingressName,
		ingressType: ingressType,
	}, nil
}

func (s *server) Close() error {
	if s.geo != nil {
		return s.geo.Close()
	}
	return nil
}

// Serve accepts connections off listener until it is closed, handling each
// one in its own goroutine. It always returns a non-nil error, mirroring
// net/http.Serve.
func (s *server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		streamConn, ok := conn.(transport.StreamConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.handle(streamConn)
	}
}

func (s *server) handle(client transport.StreamConn) {
	defer client.Close()
	log := slog.With("remote", client.RemoteAddr())

	in, err := httpadapter.AcceptIngress(client)
	if err != nil {
		if httpadapter.IsBadProto(err) {
			log.Debug("Rejecting malformed request", "error", err)
		} else if err != io.EOF && err != io.ErrUnexpectedEOF {
			log.Debug("Failed to read request", "error", err)
		}
		return
	}

	egressName := s.router.Route(in.Endpoint, s.ingressName, s.ingressType, resolveHost)
	dialer, ok := s.registry.Dialer(egressName)
	if !ok {
		log.Error("Route selected an unregistered egress", "egress", egressName)
		in.Fail()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest, err := dialer.DialStream(ctx, in.Endpoint.String())
	if err != nil {
		log.Debug("Failed to dial destination", "destination", in.Endpoint, "egress", egressName, "error", err)
		in.Fail()
		return
	}
	defer dest.Close()

	if err := in.Confirm(); err != nil {
		log.Debug("Failed to confirm tunnel to client", "error", err)
		return
	}

	log.Debug("Relaying connection", "destination", in.Endpoint, "egress", egressName)
	relay(in.Conn(), dest)
}

// relay copies bytes in both directions between the client-facing side and
// the destination until both directions have finished, half-closing each
// side as its direction drains.
func relay(client, dest transport.StreamConn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(dest, client) //nolint:errcheck
		dest.CloseWrite()     //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, dest) //nolint:errcheck
		client.CloseWrite()   //nolint:errcheck
	}()

	wg.Wait()
}

// resolveHost implements endpoint.Resolver against the system resolver.
func resolveHost(host string) ([]endpoint.ResolvedResult, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]endpoint.ResolvedResult, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		out = append(out, endpoint.ResolvedResult{Addr: addr.Unmap()})
	}
	return out, nil
}
