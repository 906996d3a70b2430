package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/services"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the content tree once",
	Long: `Walk the content root, classify every file, and run the two-phase build:
data and assets first, then pages. Per-file failures are reported at the
end without stopping the pass.

Examples:
  loom build                      # Build with the configured roots
  loom build --output dist        # Build into a specific directory
  loom build --concurrency 8      # Bound worker concurrency`,
	RunE: runBuild,
}

const timeRounding = time.Millisecond

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("output", "o", "", "output directory (overrides roots.build)")
	buildCmd.Flags().Int("concurrency", 0, "maximum concurrent build tasks (overrides build.concurrency)")
	bindFlag(buildCmd.Flags(), "roots.build", "output")
	bindFlag(buildCmd.Flags(), "build.concurrency", "concurrency")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg)

	svc := services.NewBuildService(cfg, logger)
	result, err := svc.Build(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Built %d files in %s (%d succeeded, %d failed)\n",
		result.Files, result.Duration.Round(timeRounding), result.Succeeded, result.Failed)

	if len(result.Errors) > 0 {
		for _, buildErr := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", buildErr.Error())
		}
		return fmt.Errorf("%d files failed to build", len(result.Errors))
	}
	return nil
}
