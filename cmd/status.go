package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the daemon is doing",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				// Tell a crashed daemon from one that never ran
				if pid, alive := daemon.RunningPID(core.GetPIDFilePath()); alive {
					slog.Error(fmt.Sprintf("Daemon (PID %d) is running but not answering on %s", pid, core.GetSocketPath()))
					os.Exit(1)
				} else if pid != 0 {
					slog.Warn(fmt.Sprintf("Daemon is not running (stale pid file for PID %d)", pid))
					return
				}
				slog.Warn("Daemon is not running. Start it with 'idlesync daemon'.")
				return
			}

			var status daemon.Status
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Failed to parse status: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(status, time.Now()))
			case "json":
				jsonBytes, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
