package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the idlesync daemon in the foreground",
		Long: `Run the idlesync daemon in the foreground.

Meant to be started by the session, e.g. from a systemd user unit or the
compositor's autostart. Only one daemon runs per config path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := daemon.New(core.Config).Run(context.Background())
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				return fmt.Errorf("%w (config path %s)", err, core.Config.ConfigPath)
			}
			return err
		},
	}

	return daemonCmd
}
