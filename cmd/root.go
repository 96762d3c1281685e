package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "idlesync",
		Short: "idlesync - Wayland idle to LG TV bridge",
		Long: `idlesync turns the TV off when the desktop goes idle and back on when you return.

Idle is detected by the Wayland compositor. Video players holding a
PowerManagement inhibition, 'idlesync inhibit' and new audio streams keep the
TV on.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.InitializeConfig(configPath, verbose)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStatusCommand(),
		NewInhibitCommand(),
		NewResetCommand(),
		NewStopCommand(),
		NewLogsCommand(),
		NewHistoryCommand(),
		NewPairCommand(),
		NewTVCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
