package sshtunnel

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cnelson/go-fleet/endpoint"
	"github.com/cnelson/go-fleet/fleeterr"
)

const (
	DefaultUser              = "core"
	DefaultPort              = 22
	DefaultTimeout           = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
)

// HostKeyPolicy decides what happens when the jump host's key is not in
// the known hosts file.
type HostKeyPolicy int

const (
	// HostKeyStrict rejects unknown hosts. The known hosts file must exist.
	HostKeyStrict HostKeyPolicy = iota
	// HostKeyAutoAdd trusts unknown hosts on first use and records their
	// key. A key that differs from a recorded one is still rejected.
	HostKeyAutoAdd
)

func (p HostKeyPolicy) String() string {
	if p == HostKeyAutoAdd {
		return "auto-add"
	}
	return "strict"
}

// Config describes how to reach the jump host. Exactly one of Client and
// Target must be set.
type Config struct {
	// Client is an existing SSH session to tunnel through. It is borrowed:
	// Manager.Close leaves it open.
	Client *ssh.Client

	// Target is the jump host as "host[:port]"; port defaults to 22.
	Target string
	// User defaults to "core".
	User string
	// Timeout bounds TCP connect plus SSH handshake; defaults to 10s.
	Timeout time.Duration

	// KnownHostsFile defaults to ~/.fleetctl/known_hosts.
	KnownHostsFile string
	HostKeyPolicy  HostKeyPolicy

	Password      string
	IdentityFiles []string
	Signers       []ssh.Signer
	// DisableAgent skips the agent at SSH_AUTH_SOCK.
	DisableAgent bool

	// KeepaliveInterval defaults to 30s; a negative value disables keepalives.
	KeepaliveInterval time.Duration
}

// DefaultKnownHostsFile returns ~/.fleetctl/known_hosts.
func DefaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fleetctl", "known_hosts")
	}
	return filepath.Join(home, ".fleetctl", "known_hosts")
}

// withDefaults validates c and fills in defaults. For a Target it also
// returns the normalized "host:port" address.
func (c Config) withDefaults() (Config, string, error) {
	switch {
	case c.Client != nil && c.Target != "":
		return c, "", fleeterr.Configf("specify only one of Client or Target")
	case c.Client == nil && c.Target == "":
		return c, "", fleeterr.Configf("one of Client or Target is required")
	}

	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KnownHostsFile == "" {
		c.KnownHostsFile = DefaultKnownHostsFile()
	}

	if c.Client != nil {
		return c, c.Client.RemoteAddr().String(), nil
	}

	host, port, err := endpoint.SplitHostPort(c.Target, DefaultPort)
	if err != nil {
		return c, "", err
	}
	if host == "" {
		return c, "", fleeterr.Configf("tunnel target %q has no host", c.Target)
	}
	return c, endpoint.Endpoint{Scheme: endpoint.SchemeHTTP, Host: host, Port: port}.Address(), nil
}
