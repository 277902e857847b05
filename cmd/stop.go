package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewStopCommand() *cobra.Command {
	stopCmd := &cobra.Command{
		Use:     "stop",
		Aliases: []string{"quit", "shutdown"},
		Short:   "Drain all workers and stop the supervisor",
		Long:    `Drains all workers gracefully and shuts down the supervisor.`,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()
			response, err := supervisor.SendCommand(cfg, "STOP")
			if err != nil {
				slog.Error("Could not connect to supervisor. Nothing to stop.")
				os.Exit(1)
			}
			response.LogMessages()
		},
	}

	return stopCmd
}
