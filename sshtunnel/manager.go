// Package sshtunnel carries fleet API traffic through an SSH jump host.
//
// A Manager owns (or borrows) one SSH session and opens a fresh forwarding
// channel for every connection the HTTP layer asks for:
//   - ForwardTCP opens a direct-tcpip channel to host:port as seen from the
//     jump host.
//   - ForwardUnixSocket opens a direct-streamlocal@openssh.com channel to a
//     unix socket on the jump host. Servers that do not support it reject
//     the channel and the caller gets a ConnectivityError of kind
//     unsupported; there is no fallback.
//
// SSH multiplexes channels over the single session, so a Manager is safe
// for concurrent use and channels never share state. A background
// keepalive detects dead sessions; nothing reconnects them.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/internal/logging"
)

const keepaliveRequest = "keepalive@openssh.com"

// Manager tunnels connections through one SSH session.
type Manager struct {
	client *ssh.Client
	owned  bool
	addr   string

	cancel    context.CancelFunc // stops keepalive and session watcher
	closeOnce sync.Once

	state   *stateTracker
	metrics *sessionMetrics
}

// New validates cfg and, for a Target, connects and authenticates to the
// jump host. A borrowed Client is wrapped without any network activity.
//
// Invalid or conflicting configuration and an unreadable known hosts file
// yield a *fleeterr.ConfigError. Failures reaching or authenticating to
// the host yield a *fleeterr.ConnectivityError.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	cfg, addr, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		addr:    addr,
		state:   newStateTracker(),
		metrics: &sessionMetrics{},
	}

	if cfg.Client != nil {
		m.client = cfg.Client
		m.state.setState(StateConnected, "borrowed existing session")
		m.metrics.connected(time.Now())
		m.start(cfg.KeepaliveInterval)
		return m, nil
	}

	hk, err := newHostKeyChecker(cfg.KnownHostsFile, cfg.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	auth, cleanup, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m.state.setState(StateConnecting, fmt.Sprintf("connecting to %s", addr))
	client, err := dial(ctx, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hk.callback,
		Timeout:         cfg.Timeout,
	}, hk)
	if err != nil {
		m.state.setState(StateDisconnected, err.Error())
		return nil, err
	}

	m.client = client
	m.owned = true
	m.metrics.connected(time.Now())
	m.state.setState(StateConnected, fmt.Sprintf("connected to %s", addr))
	m.start(cfg.KeepaliveInterval)
	log.Printf("SSH connected to %s as %s", logging.Sanitize(addr), logging.Sanitize(cfg.User))
	return m, nil
}

// dial performs the TCP connect and SSH handshake within conf.Timeout,
// aborting early if ctx is done.
func dial(ctx context.Context, addr string, conf *ssh.ClientConfig, hk *hostKeyChecker) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: conf.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fleeterr.ClassifyDial(addr, err)
	}

	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, conf)
	if err != nil {
		netConn.Close()
		return nil, classifyHandshake(ctx, addr, err, hk)
	}
	netConn.SetDeadline(time.Time{})

	if !stop() {
		// ctx fired after the handshake completed and closed the conn.
		sshConn.Close()
		return nil, &fleeterr.ConnectivityError{Kind: fleeterr.KindTimeout, Addr: addr, Err: ctx.Err()}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshake(ctx context.Context, addr string, err error, hk *hostKeyChecker) error {
	kind := fleeterr.KindHandshake
	var netErr net.Error
	switch {
	case hk.failed() != nil:
		kind = fleeterr.KindHostKey
		err = hk.failed()
	case ctx.Err() != nil:
		kind = fleeterr.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = fleeterr.KindTimeout
	case strings.Contains(err.Error(), "unable to authenticate"):
		kind = fleeterr.KindAuth
	}
	return &fleeterr.ConnectivityError{Kind: kind, Addr: addr, Err: err}
}

// start launches the session watcher and, for owned sessions, the
// keepalive loop.
func (m *Manager) start(keepaliveInterval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		err := m.client.Wait()
		reason := "session ended"
		if err != nil {
			reason = fmt.Sprintf("session ended: %v", err)
		}
		if m.state.setStateFrom(StateConnected, StateDisconnected, reason) {
			log.Printf("SSH session to %s lost: %s", logging.Sanitize(m.addr), reason)
		}
	}()

	if m.owned && keepaliveInterval > 0 {
		go m.keepalive(ctx, keepaliveInterval)
	}
}

// keepalive sends periodic keepalive requests. A failed request marks the
// session disconnected; there is no reconnection.
func (m *Manager) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := m.client.SendRequest(keepaliveRequest, true, nil)
			m.metrics.keepalive(err == nil)
			if err != nil {
				log.Printf("SSH keepalive to %s failed: %v", logging.Sanitize(m.addr), err)
				m.state.setStateFrom(StateConnected, StateDisconnected, fmt.Sprintf("keepalive failed: %v", err))
				m.client.Close()
				return
			}
		}
	}
}

// Addr returns the jump host address.
func (m *Manager) Addr() string { return m.addr }

// Client returns the underlying SSH session.
func (m *Manager) Client() *ssh.Client { return m.client }

// ForwardTCP opens a channel to host:port, resolved and connected by the
// jump host.
func (m *Manager) ForwardTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	return m.forward(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// ForwardUnixSocket opens a channel to the unix socket at path on the jump
// host.
func (m *Manager) ForwardUnixSocket(ctx context.Context, path string) (net.Conn, error) {
	return m.forward(ctx, "unix", path)
}

func (m *Manager) forward(ctx context.Context, network, target string) (net.Conn, error) {
	if st := m.State(); st != StateConnected {
		m.metrics.channelFailed()
		return nil, &fleeterr.ConnectivityError{
			Kind: fleeterr.KindClosed,
			Addr: m.addr,
			Err:  fmt.Errorf("session is %s", st),
		}
	}

	conn, err := m.client.DialContext(ctx, network, target)
	if err != nil {
		m.metrics.channelFailed()
		return nil, m.classifyChannel(ctx, network, target, err)
	}
	m.metrics.channelOpened()
	return &trackedConn{Conn: conn, metrics: m.metrics}, nil
}

func (m *Manager) classifyChannel(ctx context.Context, network, target string, err error) error {
	err = fmt.Errorf("open %s channel to %s: %w", network, target, err)

	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		switch openErr.Reason {
		case ssh.UnknownChannelType, ssh.Prohibited:
			return &fleeterr.ConnectivityError{Kind: fleeterr.KindUnsupported, Addr: m.addr, Err: err}
		default:
			return &fleeterr.ConnectivityError{Kind: fleeterr.KindRefused, Addr: target, Err: err}
		}
	}
	if ctx.Err() != nil {
		return &fleeterr.ConnectivityError{Kind: fleeterr.KindTimeout, Addr: target, Err: err}
	}
	if m.State() != StateConnected {
		return &fleeterr.ConnectivityError{Kind: fleeterr.KindClosed, Addr: m.addr, Err: err}
	}
	return &fleeterr.ConnectivityError{Kind: fleeterr.KindNetwork, Addr: target, Err: err}
}

// Close ends the session if the Manager opened it. A borrowed Client is
// left open. Channels already handed out stop working for owned sessions.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.state.setState(StateClosed, "closed by caller")
		if m.cancel != nil {
			m.cancel()
		}
		if m.owned {
			if cerr := m.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("close ssh session to %s: %w", m.addr, cerr)
			}
			log.Printf("SSH disconnected from %s", logging.Sanitize(m.addr))
		}
	})
	return err
}

// trackedConn keeps the active channel count in step with Close.
type trackedConn struct {
	net.Conn
	metrics *sessionMetrics
	once    sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(c.metrics.channelClosed)
	return c.Conn.Close()
}
