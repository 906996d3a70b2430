// Package cmd provides the loom command-line interface.
//
// Configuration is layered, highest priority first: command-line flags,
// LOOM_* environment variables, then the .loom.yml config file in the
// working directory (or the file named by --config / LOOM_CONFIG_FILE).
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "A content build orchestrator with watch-driven rebuilds",
	Long: `Loom walks a content tree, classifies every file, and builds it through
a two-phase pipeline: data and assets first, then the pages that reference
them. In watch mode it rebuilds on change and can push reload signals to
connected browsers.

Quick Start:
  loom build                      Build the content tree once
  loom watch                      Build, then rebuild on changes`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .loom.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	bindFlag(rootCmd.PersistentFlags(), "log.level", "log-level")
	bindFlag(rootCmd.PersistentFlags(), "log.format", "log-format")
}

// bindFlag routes a cobra flag into the viper key it overrides.
func bindFlag(flags *pflag.FlagSet, key, name string) {
	viper.BindPFlag(key, flags.Lookup(name))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LOOM_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".loom")
	}

	viper.SetEnvPrefix("LOOM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the loaded configuration.
func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}
