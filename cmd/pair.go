package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/daemon"
	"go.olrik.dev/idlesync/internal/keyring"
	"go.olrik.dev/idlesync/internal/tv"
)

func NewPairCommand() *cobra.Command {
	var manual, forget bool

	pairCmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with the TV and store its client key",
		Long: `Pair with the TV configured in the tv block.

The TV shows a prompt that has to be accepted with the remote within a minute.
The client key it hands out is stored in the system keyring.

Examples:
  idlesync pair            # pair, accept the prompt on the TV
  idlesync pair --manual   # paste a key obtained by another webOS client
  idlesync pair --forget   # remove the stored key`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			host := core.Config.TV.Host
			if host == "" {
				slog.Error(fmt.Sprintf("No TV configured, add a tv block to %s", filepath.Join(core.Config.ConfigPath, core.ConfigFileName)))
				os.Exit(1)
			}
			store := keyring.Default()

			switch {
			case forget:
				if err := store.DeleteClientKey(host); err != nil {
					slog.Error(fmt.Sprintf("Failed to remove client key: %v", err))
					os.Exit(1)
				}
				slog.Info(fmt.Sprintf("Removed client key for %s", host))
				return
			case manual:
				key, err := keyring.PromptClientKey(host)
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				if err := store.SetClientKey(host, key); err != nil {
					slog.Error(fmt.Sprintf("Failed to store client key: %v", err))
					os.Exit(1)
				}
				slog.Info(fmt.Sprintf("Stored client key for %s", host))
				return
			}

			if store.HasClientKey(host) {
				slog.Info(fmt.Sprintf("Already paired with %s, pairing again", host))
			}
			fmt.Fprintf(os.Stderr, "Accept the pairing prompt on the TV at %s...\n", host)

			ctx, cancel := context.WithTimeout(context.Background(), tv.PairingTimeout+core.Config.TV.Timeout)
			defer cancel()
			if _, err := daemon.NewTVClient(core.Config.TV).Pair(ctx); err != nil {
				if errors.Is(err, tv.ErrRejected) {
					slog.Error("Pairing was rejected on the TV")
				} else {
					slog.Error(fmt.Sprintf("Pairing failed: %v", err))
				}
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Paired with %s", host))
		},
	}
	pairCmd.Flags().BoolVar(&manual, "manual", false, "Enter an existing client key instead of pairing")
	pairCmd.Flags().BoolVar(&forget, "forget", false, "Remove the stored client key")
	pairCmd.MarkFlagsMutuallyExclusive("manual", "forget")

	return pairCmd
}
