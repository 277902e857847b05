package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewReloadCommand() *cobra.Command {
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot restart the worker pool without dropping connections",
		Long: `Hot restart the worker pool with zero downtime.

Spawns a fresh generation of workers while the old generation keeps serving,
then drains the old workers gracefully. In-flight requests finish on the old
generation; new connections land on the new one.

A reload is refused until the pool has completed its first successful
startup.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()
			response, err := supervisor.SendCommand(cfg, "RELOAD")
			if err != nil {
				slog.Error("Could not connect to supervisor. Is it running?")
				os.Exit(1)
			}
			response.LogMessages()
		},
	}

	return reloadCmd
}
