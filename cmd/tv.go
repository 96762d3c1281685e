package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/daemon"
	"go.olrik.dev/idlesync/internal/tv"
)

func NewTVCommand() *cobra.Command {
	tvCmd := &cobra.Command{
		Use:   "tv",
		Short: "Run the TV actions by hand",
		Long: `Run the TV actions by hand, without going through the daemon.

  on      - the resume action: screen on (Wake-on-LAN if needed), sound output
  off     - the idle action: screen off
  status  - show the TV power state`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if core.Config.TV.Host == "" {
				return fmt.Errorf("no TV configured in %s", core.Config.ConfigPath)
			}
			return nil
		},
	}

	tvCmd.AddCommand(
		&cobra.Command{
			Use:   "on",
			Short: "Turn the screen on",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return daemon.NewTVClient(core.Config.TV).Resume()
			},
		},
		&cobra.Command{
			Use:   "off",
			Short: "Turn the screen off",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return daemon.NewTVClient(core.Config.TV).Idle()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the TV power state",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*core.Config.TV.Timeout)
				defer cancel()
				state, err := daemon.NewTVClient(core.Config.TV).PowerState(ctx)
				if err != nil {
					slog.Warn(fmt.Sprintf("%s: %v", core.Config.TV.Host, err))
					os.Exit(1)
				}
				fmt.Printf("%s: %s\n", core.Config.TV.Host, describePower(state))
			},
		},
	)

	return tvCmd
}

func describePower(state string) string {
	switch state {
	case tv.PowerActive, tv.PowerScreenOn:
		return colorGreen + state + colorReset
	case tv.PowerScreenOff:
		return colorGray + state + colorReset
	default:
		return colorYellow + state + colorReset
	}
}
