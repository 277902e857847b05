package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewServeCommand() *cobra.Command {
	var workers string
	var configPath string
	var stateDir string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor in the foreground",
		Long: `Run the supervisor in the foreground.

Spawns the worker pool, monitors it and serves the control socket until
SIGTERM or SIGINT. Configuration comes from UNNODE_* environment variables;
the servers config file pointed to by UNNODE_SERVERS_CONFIG is watched and a
hot restart is triggered when it changes.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()
			// flags override the environment
			if workers != "" {
				cfg.WorkerOverride = workers
			}
			if configPath != "" {
				cfg.ServersConfigPath = configPath
			}
			if stateDir != "" {
				cfg.StateDir = stateDir
			}
			s := supervisor.New(cfg)
			if err := s.Run(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().StringVarP(&workers, "workers", "w", "", "Number of workers (default: one per CPU)")
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the servers config file")
	serveCmd.Flags().StringVar(&stateDir, "state-dir", "", "Runtime directory for socket, pidfile and event log")

	return serveCmd
}
