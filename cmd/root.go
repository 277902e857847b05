package cmd

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unnode",
		Short: "Unnode - clustered web server harness",
		Long: `Unnode - clustered web server harness

Runs a pool of worker processes behind a supervising parent. Workers serve
HTTP and HTTPS according to a declarative servers config; the supervisor
restarts crashed workers and performs zero-downtime hot restarts.

All runtime settings come from UNNODE_* environment variables.`,
	}

	rootCmd.AddCommand(
		NewServeCommand(),
		NewWorkerCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewReloadCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
