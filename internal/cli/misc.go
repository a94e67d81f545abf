package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/rules"
	"github.com/mbd888/preflight/internal/server"
)

// Build info, set by ldflags in cmd/preflightctl.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func (a *app) sampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print the static demo evaluation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := a.jsonOutput()
			if err != nil {
				return err
			}
			res := preflight.SampleResult(time.Now())
			if asJSON {
				return a.printJSON(res)
			}
			writeResult(a.out, res)
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "preflightctl %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			fmt.Fprintf(a.out, "api %s, rule set %s\n", server.Version, rules.RuleSetVersion)
		},
	}
}
