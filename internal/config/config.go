// Package config loads fleetctl defaults from FLEETCTL_* environment
// variables. Command line flags override these values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Endpoint string `envconfig:"ENDPOINT" default:"http://127.0.0.1:49153"`
	Tunnel   string `envconfig:"TUNNEL" default:""`

	// SSH tunnel settings
	SSHUsername           string        `envconfig:"SSH_USERNAME" default:"core"`
	SSHTimeout            time.Duration `envconfig:"SSH_TIMEOUT" default:"10s"`
	KnownHostsFile        string        `envconfig:"KNOWN_HOSTS_FILE" default:"~/.fleetctl/known_hosts"`
	StrictHostKeyChecking bool          `envconfig:"STRICT_HOST_KEY_CHECKING" default:"true"`
	SSHIdentityFile       string        `envconfig:"SSH_IDENTITY_FILE" default:""`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"0s"`
	SocketTimeout  time.Duration `envconfig:"SOCKET_TIMEOUT" default:"10s"`

	LogPath string `envconfig:"LOG_PATH" default:""`
	Output  string `envconfig:"OUTPUT" default:"table"`
}

var Cfg Settings

// Load populates Cfg from the environment.
func Load() error {
	var s Settings
	if err := envconfig.Process("FLEETCTL", &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	s.KnownHostsFile = ExpandHome(s.KnownHostsFile)
	s.SSHIdentityFile = ExpandHome(s.SSHIdentityFile)
	s.LogPath = ExpandHome(s.LogPath)
	Cfg = s
	return nil
}

// Validate checks values envconfig cannot check by type alone.
func (s Settings) Validate() error {
	switch s.Output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("invalid output format %q (want table, json or yaml)", s.Output)
	}
	if s.SSHTimeout < 0 || s.RequestTimeout < 0 || s.SocketTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
