// preflight-landing is the init-container entry point: it provisions
// the landing-page symlinks and exits. Configuration is environment
// only; there are no flags or subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/envmap"
	"github.com/skylabhq/preflight/internal/landing"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     log.InfoLevel,
		Formatter: log.JSONFormatter,
	}).With("component", "landing")

	set, err := landing.ResolveSet(envmap.FromEnviron(os.Environ()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve landing links: %v\n", err)
		os.Exit(2)
	}

	if err := landing.Provision(logger, set); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger.Info("landing links provisioned", "dir", set.Dir, "links", len(set.Links))
}
