package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both the client and the supervisor (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientVersion)

			cfg := core.LoadSettings()
			response, err := supervisor.SendCommand(cfg, "VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Supervisor: not running")
				return
			}

			if dataMap, ok := response.Data.(map[string]interface{}); ok {
				if version, ok := dataMap["version"].(string); ok {
					fmt.Fprintf(os.Stderr, "Supervisor version: %s\n", version)
					if clientVersion != version {
						slog.Warn(fmt.Sprintf(
							"Version mismatch! Client %s and supervisor %s differ. Consider a hot restart.",
							clientVersion, version,
						))
					}
				}
			}
		},
	}

	return versionCmd
}
