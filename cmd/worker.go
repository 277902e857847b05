package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/worker"
)

// The worker command is never typed by a user; main injects it when the
// supervisor re-execs the binary with a worker identity in the environment.
func NewWorkerCommand() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()
			a := worker.AgentFromEnv(cfg, nil)
			if err := a.Run(); err != nil {
				// startup failures land here; the supervisor classifies the
				// non-zero exit and decides whether to respawn
				os.Exit(1)
			}
		},
	}

	return workerCmd
}
