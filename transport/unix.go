package transport

import (
	"context"
	"net"
	"time"

	"github.com/cnelson/go-fleet/fleeterr"
)

// Unix dials a fixed unix domain socket, whatever address the request
// names.
type Unix struct {
	path   string
	dialer net.Dialer
}

// NewUnix returns a provider for the socket at path.
func NewUnix(path string, timeout time.Duration) *Unix {
	return &Unix{path: path, dialer: net.Dialer{Timeout: timeout}}
}

func (u *Unix) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	conn, err := u.dialer.DialContext(ctx, "unix", u.path)
	if err != nil {
		return nil, fleeterr.ClassifyDial(u.path, err)
	}
	return conn, nil
}

func (u *Unix) Name() string { return "unix" }

func (u *Unix) Reusable() bool { return true }

// Path returns the socket path.
func (u *Unix) Path() string { return u.path }
