package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, injected at release time via
// -ldflags "-X .../commands.version=... -X .../commands.commit=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				OutputJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
					"go":      runtime.Version(),
				})
				return
			}
			fmt.Printf("incentix %s (commit %s, built %s, %s)\n", version, commit, date, runtime.Version())
		},
	}
}
