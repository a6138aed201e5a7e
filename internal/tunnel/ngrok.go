// Package tunnel publishes the board on a public ngrok endpoint so field
// devices can reach a server running behind NAT.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/btouchard/dispatchboard/internal/config"
)

// ErrNoAuthToken is returned by Open when no ngrok token is configured.
var ErrNoAuthToken = errors.New("ngrok auth token is required (set tunnel.authtoken or DISPATCHBOARD_NGROK_AUTHTOKEN)")

// Tunnel is an open ngrok endpoint. Serve HTTP on Listener.
type Tunnel struct {
	mu       sync.Mutex
	listener net.Listener
	url      string
}

// Open connects to ngrok and reserves an HTTPS endpoint, on cfg.Domain
// when set and on a random subdomain otherwise.
func Open(ctx context.Context, cfg config.TunnelConfig) (*Tunnel, error) {
	if cfg.AuthToken == "" {
		return nil, ErrNoAuthToken
	}

	var opts []ngrokconfig.HTTPEndpointOption
	if cfg.Domain != "" {
		opts = append(opts, ngrokconfig.WithDomain(cfg.Domain))
	}

	ln, err := ngrok.Listen(ctx, ngrokconfig.HTTPEndpoint(opts...), ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("opening ngrok tunnel: %w", err)
	}

	t := &Tunnel{listener: ln, url: publicURL(ln.Addr().String())}
	slog.Info("tunnel established", "public_url", t.url, "domain", cfg.Domain)
	return t, nil
}

// URL is the public base URL, or empty once closed.
func (t *Tunnel) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Listener accepts connections arriving through the tunnel.
func (t *Tunnel) Listener() net.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Close tears the endpoint down. It is safe to call more than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	ln, url := t.listener, t.url
	t.listener, t.url = nil, ""
	t.mu.Unlock()

	if ln == nil {
		return nil
	}
	slog.Info("closing tunnel", "public_url", url)
	if err := ln.Close(); err != nil {
		return fmt.Errorf("closing ngrok tunnel: %w", err)
	}
	return nil
}

// publicURL turns the listener address into an absolute https URL.
func publicURL(addr string) string {
	if strings.HasPrefix(addr, "https://") || strings.HasPrefix(addr, "http://") {
		return addr
	}
	return "https://" + addr
}
