// Package fleet is a client for the fleet v1 HTTP API.
//
// A Client reads the API's discovery document once at construction and
// dispatches calls through the resulting method catalog. Requests travel
// over plain TCP, a local unix socket, or channels through an SSH jump
// host, depending on Config:
//
//	c, err := fleet.NewClient(ctx, fleet.Config{
//		Endpoint: "http+unix://%2Fvar%2Frun%2Ffleet.sock",
//		Tunnel:   &sshtunnel.Config{Target: "10.0.0.1"},
//	})
//
// Every call is a single attempt; nothing is retried or cached.
package fleet

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cnelson/go-fleet/endpoint"
	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/internal/logging"
	"github.com/cnelson/go-fleet/sshtunnel"
	"github.com/cnelson/go-fleet/transport"
)

// DefaultSocketTimeout bounds connection establishment when Config does
// not set one.
const DefaultSocketTimeout = 10 * time.Second

// maxDiscoverySize caps the discovery document read.
const maxDiscoverySize = 4 << 20

// Config configures NewClient.
type Config struct {
	// Endpoint is the fleet API location: http://host[:port],
	// https://host[:port] or http+unix://<percent-escaped socket path>.
	Endpoint string

	// HTTPClient, if set, carries every request. Use it to supply custom
	// TLS settings or a test double. For http+unix endpoints a copy of it
	// is made that dials the socket; its Transport must then be nil or an
	// *http.Transport. Mutually exclusive with Tunnel.
	HTTPClient *http.Client

	// Tunnel, if set, routes requests through an SSH jump host. The
	// endpoint is then resolved from the jump host's point of view.
	Tunnel *sshtunnel.Config

	// SocketTimeout bounds SSH and unix socket connection establishment,
	// defaulting to 10s. Direct TCP connects use it only when it is set
	// and otherwise keep the OS default.
	SocketTimeout time.Duration
	// RequestTimeout bounds each request end to end. Zero means no limit.
	RequestTimeout time.Duration
}

// Client talks to one fleet API endpoint. It is safe for concurrent use.
type Client struct {
	endpoint endpoint.Endpoint
	baseURL  string
	http     *http.Client
	provider transport.Provider // nil when HTTPClient carries TCP requests
	tunnel   *sshtunnel.Manager // owned; nil without a tunnel
	catalog  *Catalog
}

// NewClient validates cfg, establishes the tunnel if one is configured and
// loads the API catalog from {endpoint}/fleet/v1/discovery.
//
// Invalid or conflicting options, an unreachable endpoint and an endpoint
// that does not serve the fleet v1 API all yield a *fleeterr.ConfigError.
// SSH failures while building the tunnel yield a
// *fleeterr.ConnectivityError.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	ep, err := endpoint.Parse(cfg.Endpoint)
	if err != nil {
		return nil, &fleeterr.ConfigError{Reason: "invalid endpoint", Err: err}
	}
	if ep.Scheme.IsTunneled() {
		return nil, fleeterr.Configf("endpoint scheme %s is internal; configure Tunnel instead", ep.Scheme)
	}
	if cfg.HTTPClient != nil && cfg.Tunnel != nil {
		return nil, fleeterr.Configf("specify only one of HTTPClient or Tunnel")
	}
	// TCP connects keep the OS default unless a timeout was asked for.
	tcpTimeout := cfg.SocketTimeout
	if cfg.SocketTimeout <= 0 {
		tcpTimeout = 0
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if cfg.RequestTimeout < 0 {
		return nil, fleeterr.Configf("request timeout must not be negative")
	}

	c := &Client{endpoint: ep, baseURL: ep.BaseURL()}
	switch {
	case cfg.HTTPClient != nil && ep.IsUnix():
		unix := transport.NewUnix(ep.SocketPath, cfg.SocketTimeout)
		hc, err := transport.WithProvider(cfg.HTTPClient, unix)
		if err != nil {
			return nil, &fleeterr.ConfigError{Reason: "HTTPClient cannot reach a unix socket endpoint", Err: err}
		}
		c.http = hc
		c.provider = unix
	case cfg.HTTPClient != nil:
		c.http = cfg.HTTPClient
	case cfg.Tunnel != nil:
		tcfg := *cfg.Tunnel
		if tcfg.Timeout == 0 {
			tcfg.Timeout = cfg.SocketTimeout
		}
		mgr, err := sshtunnel.New(ctx, tcfg)
		if err != nil {
			return nil, err
		}
		c.tunnel = mgr
		c.endpoint = ep.Tunneled()
		c.provider = transport.NewTunnel(mgr, ep)
	case ep.IsUnix():
		c.provider = transport.NewUnix(ep.SocketPath, cfg.SocketTimeout)
	default:
		c.provider = transport.NewDirect(tcpTimeout)
	}
	if c.http == nil {
		c.http = transport.NewHTTPClient(c.provider, cfg.RequestTimeout)
	}

	if err := c.loadCatalog(ctx); err != nil {
		c.Close()
		return nil, err
	}
	log.Printf("Loaded fleet API catalog from %s via %s (%d methods)",
		logging.Sanitize(ep.Raw()), c.transportName(), len(c.catalog.methods))
	return c, nil
}

func (c *Client) transportName() string {
	if c.provider == nil {
		return "custom http client"
	}
	return c.provider.Name()
}

func (c *Client) discoveryURL() string {
	return c.baseURL + "/" + apiName + "/" + apiVersion + "/discovery"
}

func (c *Client) loadCatalog(ctx context.Context) error {
	url := c.discoveryURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &fleeterr.ConfigError{Reason: "build discovery request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &fleeterr.ConfigError{
			Reason: fmt.Sprintf("unable to connect to endpoint %s", c.endpoint.Raw()),
			Err:    err,
		}
	}
	defer resp.Body.Close()

	notFleet := func(err error) error {
		return &fleeterr.ConfigError{
			Reason: fmt.Sprintf("connected to endpoint %s but it is not a %s %s API endpoint; GET %s failed",
				c.endpoint.Raw(), apiName, apiVersion, url),
			Err: err,
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoverySize))
	if err != nil {
		return notFleet(fmt.Errorf("read discovery document: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return notFleet(&fleeterr.HTTPError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode, Body: body})
	}
	catalog, err := LoadCatalog(body)
	if err != nil {
		return notFleet(err)
	}
	c.catalog = catalog
	return nil
}

// Endpoint returns the endpoint requests are addressed to. With a tunnel
// its scheme carries the ssh+ prefix.
func (c *Client) Endpoint() endpoint.Endpoint { return c.endpoint }

// Catalog returns the method catalog loaded at construction.
func (c *Client) Catalog() *Catalog { return c.catalog }

// Tunnel returns the SSH tunnel manager, or nil.
func (c *Client) Tunnel() *sshtunnel.Manager { return c.tunnel }

// Close releases the SSH tunnel, if the client opened one.
func (c *Client) Close() error {
	if c.tunnel != nil {
		return c.tunnel.Close()
	}
	return nil
}
