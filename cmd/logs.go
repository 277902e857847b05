package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewLogsCommand() *cobra.Command {
	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream the aggregated supervisor and worker logs",
		Long: `Stream the aggregated log feed in real-time.

Replays a short history on connect, then follows new log lines from the
supervisor and all workers until Ctrl+C.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()
			if _, err := supervisor.SendCommand(cfg, "STATUS"); err != nil {
				slog.Error("Supervisor is not running.")
				os.Exit(1)
			}
			if err := supervisor.StreamLogs(cfg, os.Stdout); err != nil {
				slog.Error("Log stream ended", "error", err)
				os.Exit(1)
			}
		},
	}

	return logsCmd
}
