package sshtunnel

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/internal/logging"
)

// hostKeyChecker verifies the jump host key against a known hosts file
// and, under HostKeyAutoAdd, records hosts it has not seen before.
type hostKeyChecker struct {
	path   string
	policy HostKeyPolicy
	known  ssh.HostKeyCallback // nil when the file does not exist yet

	mu       sync.Mutex
	accepted map[string]ssh.PublicKey
	failure  error
}

func newHostKeyChecker(path string, policy HostKeyPolicy) (*hostKeyChecker, error) {
	hk := &hostKeyChecker{
		path:     path,
		policy:   policy,
		accepted: make(map[string]ssh.PublicKey),
	}

	known, err := knownhosts.New(path)
	switch {
	case err == nil:
		hk.known = known
	case policy == HostKeyAutoAdd && errors.Is(err, os.ErrNotExist):
	default:
		return nil, &fleeterr.ConfigError{Reason: fmt.Sprintf("load known hosts file %s", path), Err: err}
	}
	return hk, nil
}

func (hk *hostKeyChecker) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := hk.check(hostname, remote, key)
	if err != nil {
		hk.mu.Lock()
		hk.failure = err
		hk.mu.Unlock()
	}
	return err
}

// failed returns the last verification error, if any.
func (hk *hostKeyChecker) failed() error {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	return hk.failure
}

func (hk *hostKeyChecker) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if hk.known != nil {
		err := hk.known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			// Revoked, mismatched or otherwise invalid.
			return err
		}
	}

	if hk.policy != HostKeyAutoAdd {
		return fmt.Errorf("host %s is not in %s", hostname, hk.path)
	}

	name := knownhosts.Normalize(hostname)
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if prev, ok := hk.accepted[name]; ok {
		if !bytes.Equal(prev.Marshal(), key.Marshal()) {
			return fmt.Errorf("host key for %s changed since it was trusted", hostname)
		}
		return nil
	}
	hk.accepted[name] = key

	if err := hk.persist(name, key); err != nil {
		log.Printf("WARNING: cannot record host key for %s in %s: %v", logging.Sanitize(hostname), hk.path, err)
	} else {
		log.Printf("Permanently added %s (%s) to %s", logging.Sanitize(hostname), key.Type(), hk.path)
	}
	return nil
}

// persist appends a known hosts line for name. Caller must hold hk.mu.
func (hk *hostKeyChecker) persist(name string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(hk.path), 0700); err != nil {
		return fmt.Errorf("create known hosts directory: %w", err)
	}
	f, err := os.OpenFile(hk.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open known hosts file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{name}, key)); err != nil {
		return fmt.Errorf("write known hosts file: %w", err)
	}
	return nil
}
