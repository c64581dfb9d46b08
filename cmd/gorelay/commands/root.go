// Package commands implements the gorelay command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, set from main.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gorelay",
		Short: "Entity query server with live WebSocket subscriptions",
		Long: `gorelay serves entity queries and mutations over HTTP and relays
changes to WebSocket subscribers.

Configuration is read from an optional YAML file and GORELAY_* environment
variables, e.g. GORELAY_SERVER_PORT=4000.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")

	root.AddCommand(newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gorelay %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
