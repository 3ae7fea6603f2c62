package sshtunnel

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/cnelson/go-fleet/fleeterr"
)

// defaultIdentities are tried, in order, when no key is configured.
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods builds the client auth methods for c. All keys share one
// publickey method because the SSH client does not retry a method type
// after it fails. The returned cleanup releases the agent connection.
func (c Config) authMethods() ([]ssh.AuthMethod, func(), error) {
	cleanup := func() {}

	signers := append([]ssh.Signer(nil), c.Signers...)
	for _, path := range c.IdentityFiles {
		s, err := loadIdentity(path)
		if err != nil {
			return nil, cleanup, &fleeterr.ConfigError{Reason: fmt.Sprintf("load identity file %s", path), Err: err}
		}
		signers = append(signers, s)
	}

	var agentClient agent.ExtendedAgent
	if !c.DisableAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				log.Printf("SSH agent at %s unavailable: %v", sock, err)
			} else {
				agentClient = agent.NewClient(conn)
				cleanup = func() { conn.Close() }
			}
		}
	}

	if len(c.Signers) == 0 && len(c.IdentityFiles) == 0 {
		signers = append(signers, defaultSigners()...)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 || agentClient != nil {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			all := signers
			if agentClient != nil {
				if agentSigners, err := agentClient.Signers(); err == nil {
					all = append(append([]ssh.Signer(nil), agentSigners...), signers...)
				} else {
					log.Printf("SSH agent signers unavailable: %v", err)
				}
			}
			return all, nil
		}))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	if len(methods) == 0 {
		cleanup()
		return nil, func() {}, fleeterr.Configf("no SSH authentication method available: configure a password, an identity file or an SSH agent")
	}
	return methods, cleanup, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// defaultSigners loads the usable keys among ~/.ssh/id_*. Missing,
// unreadable and passphrase protected keys are skipped.
func defaultSigners() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var signers []ssh.Signer
	for _, name := range defaultIdentities {
		s, err := loadIdentity(filepath.Join(home, ".ssh", name))
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				log.Printf("Skipping passphrase protected key ~/.ssh/%s", name)
			}
			continue
		}
		signers = append(signers, s)
	}
	return signers
}
