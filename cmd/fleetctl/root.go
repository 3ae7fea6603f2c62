package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cnelson/go-fleet/fleet"
	"github.com/cnelson/go-fleet/internal/config"
	"github.com/cnelson/go-fleet/internal/logging"
	"github.com/cnelson/go-fleet/sshtunnel"
)

// app carries the settings resolved from environment and flags.
type app struct {
	cfg     config.Settings
	verbose bool
}

// clientFunc is the body of a command that talks to the cluster.
type clientFunc func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error

func newRootCmd(cfg config.Settings) *cobra.Command {
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Manage units on a fleet cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.cfg.KnownHostsFile = config.ExpandHome(a.cfg.KnownHostsFile)
			a.cfg.SSHIdentityFile = config.ExpandHome(a.cfg.SSHIdentityFile)
			a.cfg.LogPath = config.ExpandHome(a.cfg.LogPath)
			if err := logging.Init(a.cfg.LogPath, a.verbose); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if err := logging.Close(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: close log: %v\n", err)
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.Endpoint, "endpoint", cfg.Endpoint, "fleet API endpoint (http://, https:// or http+unix://)")
	f.StringVar(&a.cfg.Tunnel, "tunnel", cfg.Tunnel, "SSH jump host (host[:port]) to reach the endpoint through")
	f.StringVar(&a.cfg.SSHUsername, "ssh-username", cfg.SSHUsername, "user name for the SSH tunnel")
	f.DurationVar(&a.cfg.SSHTimeout, "ssh-timeout", cfg.SSHTimeout, "timeout for establishing the SSH tunnel")
	f.StringVar(&a.cfg.KnownHostsFile, "known-hosts-file", cfg.KnownHostsFile, "known hosts file for the SSH tunnel")
	f.BoolVar(&a.cfg.StrictHostKeyChecking, "strict-host-key-checking", cfg.StrictHostKeyChecking, "refuse SSH hosts missing from the known hosts file")
	f.StringVar(&a.cfg.SSHIdentityFile, "identity-file", cfg.SSHIdentityFile, "private key for the SSH tunnel")
	f.DurationVar(&a.cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout for each API request (0 for none)")
	f.DurationVar(&a.cfg.SocketTimeout, "socket-timeout", cfg.SocketTimeout, "timeout for opening connections")
	f.StringVar(&a.cfg.LogPath, "log-path", cfg.LogPath, "append log output to this file")
	f.StringVarP(&a.cfg.Output, "output", "o", cfg.Output, "output format: table, json or yaml")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newListMachinesCmd(a),
		newListUnitsCmd(a),
		newListUnitFilesCmd(a),
		newCatCmd(a),
		newSubmitCmd(a),
		newDestroyCmd(a),
		newLogsCmd(a),
	)
	for _, t := range stateTransitions {
		root.AddCommand(newStateCmd(a, t))
	}
	return root
}

// fleetConfig translates the settings into a client configuration.
func (a *app) fleetConfig() fleet.Config {
	cfg := fleet.Config{
		Endpoint:       a.cfg.Endpoint,
		SocketTimeout:  a.cfg.SocketTimeout,
		RequestTimeout: a.cfg.RequestTimeout,
	}
	if a.cfg.Tunnel == "" {
		return cfg
	}

	tcfg := &sshtunnel.Config{
		Target:         a.cfg.Tunnel,
		User:           a.cfg.SSHUsername,
		Timeout:        a.cfg.SSHTimeout,
		KnownHostsFile: a.cfg.KnownHostsFile,
		HostKeyPolicy:  sshtunnel.HostKeyStrict,
	}
	if !a.cfg.StrictHostKeyChecking {
		tcfg.HostKeyPolicy = sshtunnel.HostKeyAutoAdd
	}
	if a.cfg.SSHIdentityFile != "" {
		tcfg.IdentityFiles = []string{a.cfg.SSHIdentityFile}
	}
	cfg.Tunnel = tcfg
	return cfg
}

// withClient connects to the cluster for the duration of fn.
func (a *app) withClient(fn clientFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := fleet.NewClient(ctx, a.fleetConfig())
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Printf("close client: %v", err)
			}
		}()
		return fn(ctx, cmd, c, args)
	}
}
