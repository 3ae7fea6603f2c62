package transport

import (
	"context"
	"net"

	"github.com/cnelson/go-fleet/endpoint"
)

// Forwarder opens channels through an SSH session. *sshtunnel.Manager
// implements it.
type Forwarder interface {
	ForwardTCP(ctx context.Context, host string, port int) (net.Conn, error)
	ForwardUnixSocket(ctx context.Context, path string) (net.Conn, error)
}

// Tunnel opens one forwarding channel per dial. Unix targets always go to
// the target's socket; TCP targets go to the address the request names.
type Tunnel struct {
	fwd    Forwarder
	target endpoint.Endpoint
}

// NewTunnel returns a provider that reaches target through fwd.
func NewTunnel(fwd Forwarder, target endpoint.Endpoint) *Tunnel {
	return &Tunnel{fwd: fwd, target: target.Tunneled()}
}

func (t *Tunnel) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	if t.target.IsUnix() {
		return t.fwd.ForwardUnixSocket(ctx, t.target.SocketPath)
	}
	host, port, err := endpoint.SplitHostPort(addr, t.target.Port)
	if err != nil {
		return nil, err
	}
	return t.fwd.ForwardTCP(ctx, host, port)
}

func (t *Tunnel) Name() string { return "ssh-tunnel" }

// Reusable is false; each request gets its own channel.
func (t *Tunnel) Reusable() bool { return false }

// Target returns the tunneled endpoint.
func (t *Tunnel) Target() endpoint.Endpoint { return t.target }
