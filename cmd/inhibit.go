package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewInhibitCommand() *cobra.Command {
	inhibitCmd := &cobra.Command{
		Use:   "inhibit [reason]",
		Short: "Keep the TV on until interrupted",
		Long: `Hold an inhibition until Ctrl+C.

While any inhibition is held the idle action never runs. The hold is
released when this command exits, however it exits.

Examples:
  idlesync inhibit                # hold until Ctrl+C
  idlesync inhibit "game night"   # with a reason shown in the daemon logs`,
		Args: cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			// Reasons travel on a single command line
			reason := strings.Join(strings.Fields(strings.Join(args, " ")), "_")

			conn, response, err := daemon.Hold(reason)
			if err != nil {
				slog.Error("Could not connect to daemon. Is idlesync running?")
				os.Exit(1)
			}
			response.LogMessages()
			if conn == nil {
				os.Exit(1)
			}
			defer conn.Close()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// The daemon closes the connection when it stops
			gone := make(chan struct{})
			go func() {
				defer close(gone)
				buf := make([]byte, 1)
				conn.Read(buf)
			}()

			select {
			case <-sigChan:
				fmt.Println("\nInhibition released.")
			case <-gone:
				slog.Warn("Daemon went away, inhibition is gone")
				os.Exit(1)
			}
		},
	}

	return inhibitCmd
}
