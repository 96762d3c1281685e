package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the idlesync daemon",
		Long: `Stop the idlesync daemon.

Held inhibitions are released and the compositor connection is closed. The
TV is left as it is.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if !daemon.WaitForShutdown(5 * time.Second) {
				slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
			}
		},
	}
}
