// SPDX-License-Identifier: MIT
package torstate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/apimgr/torctl/src/torconfig"
)

// Dialer returns an *http.Client whose requests are routed through the
// daemon's configured SOCKSPort — the convenience this library provides for
// actually using the circuits TorState is mirroring. It takes the TorConfig
// directly rather than a context, since resolving SOCKSPort is a local,
// synchronous lookup with nothing to cancel.
func Dialer(cfg *torconfig.TorConfig) (*http.Client, error) {
	ports, err := cfg.GetList("SOCKSPort")
	if err != nil {
		return nil, err
	}
	if ports.Len() == 0 {
		return nil, fmt.Errorf("SOCKSPort is not configured")
	}
	socksPort := strings.TrimSpace(ports.At(0))
	if socksPort == "" {
		return nil, fmt.Errorf("SOCKSPort is not configured")
	}
	// SOCKSPort may be a bare port ("9050") or a full address; only the
	// former needs a loopback host prefixed.
	addr := socksPort
	if !strings.Contains(addr, ":") {
		addr = "127.0.0.1:" + addr
	}

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	return &http.Client{Transport: transport}, nil
}
