// Command fleetctl drives a fleet cluster through the fleet v1 API.
//
// Defaults come from FLEETCTL_* environment variables and are overridden by
// flags:
//
//	fleetctl --endpoint http+unix://%2Fvar%2Frun%2Ffleet.sock list-machines
//	fleetctl --tunnel 10.0.0.1 submit hello.service
//	fleetctl --tunnel 10.0.0.1 start hello.service
package main

import (
	"fmt"
	"os"

	"github.com/cnelson/go-fleet/internal/config"
)

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(2)
	}
	if err := newRootCmd(config.Cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
}
