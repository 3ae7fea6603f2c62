// Package transport supplies the byte streams the fleet HTTP client runs
// over. A Provider is plugged into http.Transport.DialContext, so the HTTP
// layer never knows whether it talks to a TCP socket, a local unix socket
// or a channel through an SSH jump host.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Provider opens connections for the HTTP layer.
type Provider interface {
	// DialContext returns a fresh connection. addr is the host:port of the
	// request URL; providers bound to a fixed target may ignore it.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	// Name identifies the strategy in logs.
	Name() string
	// Reusable reports whether idle connections may be kept for later
	// requests.
	Reusable() bool
}

// NewHTTPClient returns an HTTP client whose connections come from p.
// timeout bounds each whole request; zero means no limit. Keep-alives are
// disabled for non reusable providers so every request gets its own
// connection, closed with the response.
func NewHTTPClient(p Provider, timeout time.Duration) *http.Client {
	tr := &http.Transport{
		DialContext:           p.DialContext,
		DisableKeepAlives:     !p.Reusable(),
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// WithProvider returns a copy of c whose connections come from p. Pool and
// timeout settings of c's transport are kept; proxying is turned off. c
// must use an *http.Transport, or none for the default one.
func WithProvider(c *http.Client, p Provider) (*http.Client, error) {
	var tr *http.Transport
	switch base := c.Transport.(type) {
	case nil:
		tr = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		tr = base.Clone()
	default:
		return nil, fmt.Errorf("cannot route %T through %s connections", c.Transport, p.Name())
	}
	tr.DialContext = p.DialContext
	tr.DialTLSContext = nil
	tr.Proxy = nil
	if !p.Reusable() {
		tr.DisableKeepAlives = true
	}
	out := *c
	out.Transport = tr
	return &out, nil
}
