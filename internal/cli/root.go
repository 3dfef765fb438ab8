// Package cli implements the chorus command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for chorus.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "chorus",
		Short: "Chorus — message relay between integrations and an upstream backend",
		Long: "Chorus accepts integration and watcher connections, routes events between\n" +
			"them and the upstream backend, queues undeliverable messages durably, and\n" +
			"arbitrates concurrent decision replies into a single response.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chorus version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chorus", version)
		},
	}
}
