package transport

import (
	"context"
	"net"
	"time"

	"github.com/cnelson/go-fleet/fleeterr"
)

// Direct dials the request's host:port over TCP.
type Direct struct {
	dialer net.Dialer
}

// NewDirect returns a Direct provider. timeout bounds connection
// establishment; zero means the OS default.
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{dialer: net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}}
}

func (d *Direct) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fleeterr.ClassifyDial(addr, err)
	}
	return conn, nil
}

// Timeout returns the connect timeout; zero means the OS default.
func (d *Direct) Timeout() time.Duration { return d.dialer.Timeout }

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Reusable() bool { return true }
