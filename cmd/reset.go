package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewResetCommand() *cobra.Command {
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Restart the idle window and turn the TV back on",
		Long: `Restart the idle window as if there had been input, and run the resume action.

Useful from scripts that know someone is present although the compositor
saw no input, such as a remote control handler.`,
		Aliases: []string{"nudge"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()
			response, err := daemon.SendCommand("RESET")
			if err != nil {
				slog.Error("Could not connect to daemon. Is idlesync running?")
				os.Exit(1)
			}
			response.LogMessages()
			if response.Failed() {
				os.Exit(1)
			}
		},
	}

	return resetCmd
}
