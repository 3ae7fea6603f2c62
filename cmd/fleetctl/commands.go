package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cnelson/go-fleet/fleet"
	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/internal/logging"
)

func newListMachinesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-machines",
		Short: "List the machines in the cluster",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			machines, err := c.ListMachines(ctx)
			if err != nil {
				return err
			}
			t := table{header: []string{"MACHINE", "IP", "METADATA"}, value: machines}
			if machines == nil {
				t.value = []fleet.Machine{}
			}
			for _, m := range machines {
				t.rows = append(t.rows, []string{m.ID, orDash(m.PrimaryIP), orDash(formatMetadata(m.Metadata))})
			}
			return a.print(cmd.OutOrStdout(), t)
		}),
	}
}

func formatMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + md[k]
	}
	return strings.Join(pairs, ",")
}

// unitRow joins a unit with its reported systemd state.
type unitRow struct {
	Unit    string `json:"unit" yaml:"unit"`
	Machine string `json:"machine" yaml:"machine"`
	Load    string `json:"load" yaml:"load"`
	Active  string `json:"active" yaml:"active"`
	Sub     string `json:"sub" yaml:"sub"`
}

func newListUnitsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-units",
		Short: "List units with the state reported by their machines",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			var (
				units  []*fleet.Unit
				states []fleet.UnitState
			)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				units, err = c.ListUnits(gctx)
				return err
			})
			g.Go(func() error {
				var err error
				states, err = c.ListUnitStates(gctx, fleet.StateFilter{})
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			byName := make(map[string][]fleet.UnitState)
			for _, s := range states {
				byName[s.Name] = append(byName[s.Name], s)
			}
			rows := []unitRow{}
			for _, u := range units {
				reported := byName[u.Name()]
				if len(reported) == 0 {
					rows = append(rows, unitRow{Unit: u.Name(), Machine: u.MachineID()})
					continue
				}
				for _, s := range reported {
					rows = append(rows, unitRow{
						Unit:    u.Name(),
						Machine: s.MachineID,
						Load:    s.SystemdLoadState,
						Active:  s.SystemdActiveState,
						Sub:     s.SystemdSubState,
					})
				}
			}

			t := table{header: []string{"UNIT", "MACHINE", "LOAD", "ACTIVE", "SUB"}, value: rows}
			for _, r := range rows {
				t.rows = append(t.rows, []string{r.Unit, orDash(r.Machine), orDash(r.Load), orDash(r.Active), orDash(r.Sub)})
			}
			return a.print(cmd.OutOrStdout(), t)
		}),
	}
}

func newListUnitFilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-unit-files",
		Short: "List the units submitted to the cluster",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			units, err := c.ListUnits(ctx)
			if err != nil {
				return err
			}
			t := table{header: []string{"UNIT", "DSTATE", "STATE", "TARGET"}, value: units}
			if units == nil {
				t.value = []*fleet.Unit{}
			}
			for _, u := range units {
				t.rows = append(t.rows, []string{
					u.Name(),
					orDash(string(u.DesiredState())),
					orDash(string(u.CurrentState())),
					orDash(u.MachineID()),
				})
			}
			return a.print(cmd.OutOrStdout(), t)
		}),
	}
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat UNIT",
		Short: "Print the unit file of a submitted unit",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			u, err := c.GetUnit(ctx, args[0])
			if err != nil {
				return unitErr(args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), u.String())
			return err
		}),
	}
}

func newSubmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "submit FILE...",
		Short: "Upload unit files without scheduling them",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			for _, path := range args {
				if _, err := submit(ctx, c, path, fleet.StateInactive); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unit %s submitted\n", filepath.Base(path))
			}
			return nil
		}),
	}
}

// submit creates the unit described by the file at path, named after the
// file, in the given state.
func submit(ctx context.Context, c *fleet.Client, path string, state fleet.State) (*fleet.Unit, error) {
	local, err := fleet.UnitFromFile(state, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	u, err := c.CreateUnit(ctx, name, local)
	if err != nil {
		return nil, unitErr(name, err)
	}
	return u, nil
}

// stateTransition is a command that moves units to a desired state.
type stateTransition struct {
	use   string
	short string
	state fleet.State
	verb  string
}

var stateTransitions = []stateTransition{
	{"load", "Schedule units to machines without starting them", fleet.StateLoaded, "loaded"},
	{"start", "Schedule and start units", fleet.StateLaunched, "launched"},
	{"stop", "Stop units, leaving them scheduled", fleet.StateLoaded, "stopped"},
	{"unload", "Unschedule units from their machines", fleet.StateInactive, "unloaded"},
}

func newStateCmd(a *app, t stateTransition) *cobra.Command {
	return &cobra.Command{
		Use:   t.use + " UNIT...",
		Short: t.short,
		Long: t.short + ".\n\nAn argument naming a local unit file that has not been submitted " +
			"yet is submitted first.",
		Args: cobra.MinimumNArgs(1),
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			for _, arg := range args {
				name := filepath.Base(arg)
				_, err := c.SetUnitDesiredState(ctx, name, t.state)
				if fleeterr.IsNotFound(err) || isMissingUnit(err) {
					if _, statErr := os.Stat(arg); statErr == nil {
						_, err = submit(ctx, c, arg, t.state)
					}
				}
				if err != nil {
					return unitErr(name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unit %s %s\n", name, t.verb)
			}
			return nil
		}),
	}
}

// isMissingUnit reports fleet's answer to a state change for a unit it
// does not know: a conflict, because the request carries no options.
func isMissingUnit(err error) bool {
	var apiErr *fleeterr.APIError
	return errors.As(err, &apiErr) && apiErr.Code == 409 && strings.Contains(apiErr.Message, "does not exist")
}

func newDestroyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy UNIT...",
		Short: "Remove units from the cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withClient(func(ctx context.Context, cmd *cobra.Command, c *fleet.Client, args []string) error {
			for _, arg := range args {
				name := filepath.Base(arg)
				if err := c.DestroyUnit(ctx, name); err != nil {
					return unitErr(name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Destroyed %s\n", name)
			}
			return nil
		}),
	}
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		lines    int
		truncate bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or clear the fleetctl log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.LogPath == "" {
				return errors.New("no log file configured; set --log-path or FLEETCTL_LOG_PATH")
			}
			if truncate {
				return logging.Clear(a.cfg.LogPath)
			}
			text, err := logging.ReadTail(a.cfg.LogPath, lines)
			if err != nil {
				return err
			}
			if text == "" {
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVar(&truncate, "clear", false, "truncate the log file")
	return cmd
}

func unitErr(name string, err error) error {
	if fleeterr.IsNotFound(err) {
		return fmt.Errorf("unit %s not found", name)
	}
	return err
}
