// Copyright 2024 Jigsaw Operations LLC
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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// HappyEyeballsResolution is one batch of addresses (or a failure) delivered
// on the channel a Resolve function returns. A single lookup may deliver
// more than one batch before closing its channel, e.g. one per address
// family.
type HappyEyeballsResolution struct {
	IPs []netip.Addr
	Err error
}

// NewDualStackHappyEyeballsResolver returns a Resolve function that runs
// lookupIPv6 and lookupIPv4 concurrently and streams each one's result as
// its own batch, closing the channel once both have reported.
func NewDualStackHappyEyeballsResolver(
	lookupIPv6 func(ctx context.Context, host string) ([]netip.Addr, error),
	lookupIPv4 func(ctx context.Context, host string) ([]netip.Addr, error),
) func(ctx context.Context, host string) <-chan HappyEyeballsResolution {
	return func(ctx context.Context, host string) <-chan HappyEyeballsResolution {
		resultsCh := make(chan HappyEyeballsResolution, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ips, err := lookupIPv6(ctx, host)
			if err != nil {
				err = fmt.Errorf("failed to lookup IPv6 addresses: %w", err)
			}
			resultsCh <- HappyEyeballsResolution{IPs: ips, Err: err}
		}()
		go func() {
			defer wg.Done()
			ips, err := lookupIPv4(ctx, host)
			if err != nil {
				err = fmt.Errorf("failed to lookup IPv4 addresses: %w", err)
			}
			resultsCh <- HappyEyeballsResolution{IPs: ips, Err: err}
		}()
		go func() {
			wg.Wait()
			close(resultsCh)
		}()
		return resultsCh
	}
}

/*
HappyEyeballsStreamDialer is a [StreamDialer] that uses [Happy Eyeballs v2] to establish a connection
to the destination address.

Happy Eyeballs v2 reduces the connection delay when compared to v1, with significant differences when one of the
address lookups times out. V1 will wait for both the IPv4 and IPv6 lookups to return before attempting connections,
while V2 starts connections as soon as it gets a lookup result, with a slight delay if IPv4 arrives before IPv6.

Go and most platforms provide V1 only, so you will benefit from using the HappyEyeballsStreamDialer in place of the
standard dialer, even if you are not using custom transports.

[Happy Eyeballs v2]: https://datatracker.ietf.org/doc/html/rfc8305
*/
type HappyEyeballsStreamDialer struct {
	// The base dialer to establish connections. If nil, a direct TCP connection is established.
	Dialer StreamDialer
	// Resolve streams the address batches for host. If nil, both address
	// families are looked up via net.DefaultResolver.
	Resolve func(ctx context.Context, host string) <-chan HappyEyeballsResolution

	// ResolutionDelay bounds how long a connection attempt waits for the
	// IPv6 lookup once an IPv4 result has already arrived, per
	// https://datatracker.ietf.org/doc/html/rfc8305#section-8. Zero means
	// the RFC-recommended 50ms.
	ResolutionDelay time.Duration
	// ConnectionAttemptDelay bounds how long one dial attempt runs before
	// the next address family is raced in parallel, per
	// https://datatracker.ietf.org/doc/html/rfc8305#section-8. Zero means
	// the RFC-recommended 250ms.
	ConnectionAttemptDelay time.Duration
}

func (d *HappyEyeballsStreamDialer) resolutionDelay() time.Duration {
	if d.ResolutionDelay > 0 {
		return d.ResolutionDelay
	}
	return 50 * time.Millisecond
}

func (d *HappyEyeballsStreamDialer) connectionAttemptDelay() time.Duration {
	if d.ConnectionAttemptDelay > 0 {
		return d.ConnectionAttemptDelay
	}
	return 250 * time.Millisecond
}

var _ StreamDialer = (*HappyEyeballsStreamDialer)(nil)

func (d *HappyEyeballsStreamDialer) dial(ctx context.Context, addr string) (StreamConn, error) {
	if d.Dialer != nil {
		return d.Dialer.DialStream(ctx, addr)
	}
	return (&TCPDialer{}).DialStream(ctx, addr)
}

func (d *HappyEyeballsStreamDialer) resolve(ctx context.Context, host string) <-chan HappyEyeballsResolution {
	if d.Resolve != nil {
		return d.Resolve(ctx, host)
	}
	return NewDualStackHappyEyeballsResolver(
		func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip6", host)
		},
		func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
	)(ctx, host)
}

func newClosedChan() <-chan struct{} {
	closedCh := make(chan struct{})
	close(closedCh)
	return closedCh
}

// DialStream implements [StreamDialer].
func (d *HappyEyeballsStreamDialer) DialStream(ctx context.Context, addr string) (StreamConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address: %w", err)
	}
	if net.ParseIP(host) != nil {
		// Host is already an IP address, just dial the address.
		return d.dial(ctx, addr)
	}

	// Indicates to attempts that the search is done, so they don't get stuck.
	searchCtx, searchDone := context.WithCancel(ctx)
	defer searchDone()

	// ADDRESS RESOLUTION SECTION
	// resolveCh delivers zero or more address batches before closing. It is
	// set to nil once closed, so its select case is disabled for the rest
	// of the loop.
	resolveCh := d.resolve(searchCtx, host)

	// DIAL ATTEMPTS SECTION
	// We keep IPv4s and IPv6 separate and track the last one attempted so we can
	// alternate the address family in the connection attempts.
	var ip4s []netip.Addr
	var ip6s []netip.Addr
	var lastDialed netip.Addr
	// Keep track of the lookup and dial errors separately. We prefer the dial errors
	// when returning.
	var lookupErr error
	var dialErr error
	type DialResult struct {
		Conn StreamConn
		Err  error
	}
	// Channel to wait for before a new dial attempt. It starts
	// with a closed channel that doesn't block because there's no
	// wait initially.
	var dialWaitCh <-chan struct{} = newClosedChan()
	var dialCh = make(chan DialResult)

	// opsPending starts at 1 for the still-open resolveCh, and grows by one
	// for every IP that still needs a dial attempt. We stop when there's no
	// more work to wait for.
	for opsPending := 1; opsPending > 0; {
		var readyToDialCh <-chan struct{} = nil
		// Enable dial if there are IPs available.
		if len(ip6s) > 0 {
			readyToDialCh = dialWaitCh
		} else if len(ip4s) > 0 {
			if resolveCh != nil && !lastDialed.IsValid() {
				// IPv6 may still arrive and we haven't waited for it yet. Set up
				// Resolution Delay, as per
				// https://datatracker.ietf.org/doc/html/rfc8305#section-8
				resolutionDelayCtx, cancelResolutionDelay := context.WithTimeout(searchCtx, d.resolutionDelay())
				defer cancelResolutionDelay()
				readyToDialCh = resolutionDelayCtx.Done()
			} else {
				readyToDialCh = dialWaitCh
			}
		} else {
			// No IPs. Keep dial disabled.
			readyToDialCh = nil
		}
		select {
		// Receive a resolution batch.
		case res, ok := <-resolveCh:
			if !ok {
				opsPending--
				// Set to nil to make the read on resolveCh block and to signal
				// resolution is done.
				resolveCh = nil
				continue
			}
			if res.Err != nil {
				lookupErr = errors.Join(lookupErr, res.Err)
				continue
			}
			opsPending += len(res.IPs)
			for _, ip := range res.IPs {
				if ip.Is4() || ip.Is4In6() {
					ip4s = append(ip4s, ip)
				} else {
					ip6s = append(ip6s, ip)
				}
			}

		// Wait for new attempt done. Dial new IP address.
		case <-readyToDialCh:
			var toDial netip.Addr
			if len(ip6s) == 0 || (lastDialed.Is6() && len(ip4s) > 0) {
				toDial = ip4s[0]
				ip4s = ip4s[1:]
			} else {
				toDial = ip6s[0]
				ip6s = ip6s[1:]
			}
			// Connection Attempt Delay, as per https://datatracker.ietf.org/doc/html/rfc8305#section-8
			waitCtx, waitDone := context.WithTimeout(searchCtx, d.connectionAttemptDelay())
			dialWaitCh = waitCtx.Done()
			go func(addr string, waitDone context.CancelFunc) {
				// Cancel the wait if the dial return early.
				defer waitDone()
				conn, err := d.dial(searchCtx, addr)
				select {
				case <-searchCtx.Done():
					if conn != nil {
						conn.Close()
					}
				case dialCh <- DialResult{conn, err}:
				}
			}(net.JoinHostPort(toDial.String(), port), waitDone)
			lastDialed = toDial

		// Receive dial result.
		case dialRes := <-dialCh:
			opsPending--
			if dialRes.Err != nil {
				dialErr = errors.Join(dialErr, dialRes.Err)
				continue
			}
			return dialRes.Conn, nil

		// Dial has been canceled. Return.
		case <-searchCtx.Done():
			return nil, searchCtx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	if lookupErr != nil {
		return nil, lookupErr
	}
	return nil, fmt.Errorf("address lookup returned no IPs")
}
