package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				_ = printJSON(map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
				return
			}
			fmt.Printf("skylift %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
