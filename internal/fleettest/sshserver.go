package fleettest

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	channelDirectTCPIP     = "direct-tcpip"
	channelDirectStreamLoc = "direct-streamlocal@openssh.com"
)

// SSHServerOptions configures NewSSHServer.
type SSHServerOptions struct {
	// User, when set, is the only user name accepted.
	User string
	// Password enables password auth with this password.
	Password string
	// AuthorizedKeys enables public key auth for these keys.
	AuthorizedKeys []ssh.PublicKey
	// DisableStreamLocal rejects direct-streamlocal@openssh.com channels
	// the way a server without unix socket forwarding does.
	DisableStreamLocal bool
}

// SSHServer is an in-process SSH server that forwards direct-tcpip and
// direct-streamlocal channels to the local machine.
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey

	opts     SSHServerOptions
	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	netConns []net.Conn

	channels atomic.Int64
	rejected atomic.Int64
}

// NewSSHServer starts a server on 127.0.0.1 with a freshly generated host
// key. It is shut down by t.Cleanup.
func NewSSHServer(t testing.TB, opts SSHServerOptions) *SSHServer {
	t.Helper()

	hostKey := GenerateKey(t)
	s := &SSHServer{
		HostKey: hostKey.Signer.PublicKey(),
		opts:    opts,
		done:    make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{}
	if opts.Password != "" {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.userAllowed(conn.User()) && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if len(opts.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !s.userAllowed(conn.User()) {
				return nil, fmt.Errorf("unknown user %q", conn.User())
			}
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	s.config.AddHostKey(hostKey.Signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *SSHServer) userAllowed(user string) bool {
	return s.opts.User == "" || s.opts.User == user
}

func (s *SSHServer) serve() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

// Host returns the listen host.
func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listen port.
func (s *SSHServer) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(p)
	return port
}

// Channels returns how many forwarding channels were accepted.
func (s *SSHServer) Channels() int64 { return s.channels.Load() }

// Rejected returns how many channel open requests were rejected.
func (s *SSHServer) Rejected() int64 { return s.rejected.Load() }

// KnownHostsLine returns a known_hosts entry for the server.
func (s *SSHServer) KnownHostsLine() string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.Addr)}, s.HostKey)
}

// WriteKnownHosts writes a known_hosts file trusting the server and
// returns its path.
func (s *SSHServer) WriteKnownHosts(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, []byte(s.KnownHostsLine()+"\n"), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

// DropConnections closes every accepted TCP connection, simulating a
// network failure.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// Close stops the listener and drops all connections.
func (s *SSHServer) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *SSHServer) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case channelDirectTCPIP:
			var payload struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				s.reject(newChan, ssh.ConnectionFailed, "malformed direct-tcpip request")
				continue
			}
			addr := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
			s.forward(newChan, "tcp", addr)

		case channelDirectStreamLoc:
			if s.opts.DisableStreamLocal {
				s.reject(newChan, ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			var payload struct {
				SocketPath string
				Reserved0  string
				Reserved1  uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				s.reject(newChan, ssh.ConnectionFailed, "malformed streamlocal request")
				continue
			}
			s.forward(newChan, "unix", payload.SocketPath)

		default:
			s.reject(newChan, ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *SSHServer) reject(newChan ssh.NewChannel, reason ssh.RejectionReason, msg string) {
	s.rejected.Add(1)
	newChan.Reject(reason, msg)
}

// forward connects to the target before accepting, so an unreachable
// target surfaces as a channel open failure.
func (s *SSHServer) forward(newChan ssh.NewChannel, network, addr string) {
	target, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		s.reject(newChan, ssh.ConnectionFailed, err.Error())
		return
	}
	ch, requests, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	s.channels.Add(1)
	go ssh.DiscardRequests(requests)

	go func() {
		defer ch.Close()
		defer target.Close()
		done := make(chan struct{}, 2)
		go func() { io.Copy(ch, target); done <- struct{}{} }()
		go func() { io.Copy(target, ch); done <- struct{}{} }()
		<-done
	}()
}
