package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/services"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"w"},
	Short:   "Build, then rebuild on filesystem changes",
	Long: `Run an initial build, then watch the content and components roots and
rebuild whenever files change. Changes are debounced: a burst of writes
produces one rebuild after a quiet period, and rebuilds never overlap.

With a reload port configured, connected browsers are told to refresh
after each successful rebuild.

Examples:
  loom watch                      # Watch with the configured roots
  loom watch --debounce 500ms     # Longer quiet period
  loom watch --reload-port 7331   # Enable the browser reload endpoint`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("debounce", 0, "quiet period before a rebuild fires (overrides watch.debounce)")
	watchCmd.Flags().Int("reload-port", 0, "port for the browser reload websocket, 0 disables (overrides watch.reload_port)")
	bindFlag(watchCmd.Flags(), "watch.debounce", "debounce")
	bindFlag(watchCmd.Flags(), "watch.reload_port", "reload-port")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := services.NewWatchService(cfg, logger)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
