package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nurminendev/unnode/internal/core"
	"github.com/nurminendev/unnode/internal/db"
	"github.com/nurminendev/unnode/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker pool status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := core.LoadSettings()

			if events, _ := cmd.Flags().GetBool("events"); events {
				limit, _ := cmd.Flags().GetInt("limit")
				showEvents(cfg, limit)
				return
			}

			response, err := supervisor.SendCommand(cfg, "STATUS")
			if err != nil {
				slog.Warn("Supervisor is not running.")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			status := supervisor.PoolStatus{}
			json.Unmarshal(jsonBytes, &status)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				ready := "starting"
				if status.FullyReady {
					ready = "ready"
				}
				fmt.Printf("Supervisor %s (PID: %d, epoch: %d, %s, %d/%d workers ready)\n",
					status.Version, status.Pid, status.Epoch, ready, status.ReadyCount, status.Desired)
				for _, w := range status.Workers {
					uptime := (time.Duration(w.UptimeSec) * time.Second).String()
					fmt.Printf(
						"  - worker %d (PID: %d, state: %s, epoch: %d, uptime: %s)\n",
						w.ID, w.Pid, w.State, w.Epoch, uptime,
					)
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	statusCmd.Flags().Bool("events", false, "Show recent lifecycle events from the event log")
	statusCmd.Flags().IntP("limit", "n", 20, "Number of events to show with --events")

	return statusCmd
}

// showEvents reads the supervisor's event log directly; it works whether or
// not the supervisor is running.
func showEvents(cfg *core.Settings, limit int) {
	path := cfg.EventsDBPath()
	if _, err := os.Stat(path); err != nil {
		slog.Warn("No event log found", "path", path)
		return
	}
	eventDB, err := db.Open(path)
	if err != nil {
		slog.Error("Failed to open event log", "error", err)
		os.Exit(1)
	}
	defer eventDB.Close()

	supEvents, err := eventDB.RecentSupervisorEvents(limit)
	if err != nil {
		slog.Error("Failed to read event log", "error", err)
		os.Exit(1)
	}
	workerEvents, err := eventDB.RecentWorkerEvents(limit)
	if err != nil {
		slog.Error("Failed to read event log", "error", err)
		os.Exit(1)
	}

	fmt.Println("Supervisor events:")
	for _, e := range supEvents {
		fmt.Printf("  %s  %-10s %s\n", e.Timestamp.Format(time.DateTime), e.EventType, e.Details)
	}
	fmt.Println("Worker events:")
	for _, e := range workerEvents {
		fmt.Printf("  %s  worker %d (epoch %d)  %-10s %s\n",
			e.Timestamp.Format(time.DateTime), e.WorkerID, e.Epoch, e.EventType, e.Details)
	}
}
