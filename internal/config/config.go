// Package config provides configuration management for Loom using Viper for
// flexible loading from files, environment variables and command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with the LOOM_ prefix, and validation. It manages the content,
// component and build roots, exclusion and asset-path globs, scheduler
// concurrency, task priorities and the rebuild debounce window.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Roots RootsConfig `yaml:"roots" mapstructure:"roots"`
	Build BuildConfig `yaml:"build" mapstructure:"build"`
	Watch WatchConfig `yaml:"watch" mapstructure:"watch"`
	Log   LogConfig   `yaml:"log" mapstructure:"log"`
}

// RootsConfig names the directory roots the orchestrator operates on.
type RootsConfig struct {
	// Content is the root holding source content files.
	Content string `yaml:"content" mapstructure:"content"`
	// Components holds shared fragments; changes there also trigger rebuilds.
	Components string `yaml:"components" mapstructure:"components"`
	// Build receives built artifacts.
	Build string `yaml:"build" mapstructure:"build"`
}

type BuildConfig struct {
	// Concurrency bounds the number of tasks executing at once.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// Exclude lists doublestar globs skipped during the walk.
	Exclude []string `yaml:"exclude" mapstructure:"exclude"`
	// AssetPaths lists doublestar globs marking verbatim-copy asset areas.
	AssetPaths []string `yaml:"asset_paths" mapstructure:"asset_paths"`
	// UrgentPaths and DeferredPaths classify task priorities by glob;
	// everything else runs at normal priority.
	UrgentPaths   []string `yaml:"urgent_paths" mapstructure:"urgent_paths"`
	DeferredPaths []string `yaml:"deferred_paths" mapstructure:"deferred_paths"`
	// IgnoreMissingRoot tolerates a missing content root during the walk.
	IgnoreMissingRoot bool `yaml:"ignore_missing_root" mapstructure:"ignore_missing_root"`
}

type WatchConfig struct {
	// Debounce is the quiet period before a rebuild fires.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	// ReloadPort serves the browser-reload websocket; 0 disables it.
	ReloadPort int `yaml:"reload_port" mapstructure:"reload_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads the configuration from viper, applies defaults and validates.
func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Roots.Content == "" {
		config.Roots.Content = "./content"
	}
	if config.Roots.Components == "" {
		config.Roots.Components = "./components"
	}
	if config.Roots.Build == "" {
		config.Roots.Build = "./build"
	}

	if config.Build.Concurrency == 0 {
		config.Build.Concurrency = runtime.NumCPU()
	}
	if len(config.Build.Exclude) == 0 {
		config.Build.Exclude = []string{"**/node_modules/**", "**/.git/**", "**/*.bak"}
	}

	// Workaround for viper slice handling when values come from env vars.
	if viper.IsSet("build.asset_paths") && len(config.Build.AssetPaths) == 0 {
		config.Build.AssetPaths = viper.GetStringSlice("build.asset_paths")
	}
	if viper.IsSet("build.exclude") {
		if patterns := viper.GetStringSlice("build.exclude"); len(patterns) > 0 {
			config.Build.Exclude = patterns
		}
	}

	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 300 * time.Millisecond
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validateConfig validates configuration values for correctness.
func validateConfig(config *Config) error {
	if config.Build.Concurrency < 1 {
		return fmt.Errorf("build.concurrency must be at least 1, got %d", config.Build.Concurrency)
	}
	if config.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if config.Watch.ReloadPort < 0 || config.Watch.ReloadPort > 65535 {
		return fmt.Errorf("watch.reload_port %d is not in valid range 0-65535", config.Watch.ReloadPort)
	}

	for _, section := range [][]string{
		config.Build.Exclude,
		config.Build.AssetPaths,
		config.Build.UrgentPaths,
		config.Build.DeferredPaths,
	} {
		for _, pattern := range section {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid glob pattern %q", pattern)
			}
		}
	}

	return nil
}

// Matcher compiles a list of doublestar globs into a path predicate. The
// predicate matches against the path as given and, for absolute paths,
// against the path made relative to root.
func Matcher(root string, patterns []string) func(string) bool {
	cleanRoot := filepath.Clean(root)
	return func(path string) bool {
		candidates := []string{filepath.ToSlash(path)}
		if rel, err := filepath.Rel(cleanRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
		for _, pattern := range patterns {
			for _, candidate := range candidates {
				if ok, _ := doublestar.Match(pattern, candidate); ok {
					return true
				}
			}
		}
		return false
	}
}

// ExcludeMatcher returns the walk exclusion predicate.
func (c *Config) ExcludeMatcher() func(string) bool {
	return Matcher(c.Roots.Content, c.Build.Exclude)
}

// AssetMatcher returns the asset-path predicate used by classification.
func (c *Config) AssetMatcher() func(string) bool {
	return Matcher(c.Roots.Content, c.Build.AssetPaths)
}

// PriorityFor returns the priority tier for a path: positive for urgent
// globs, negative for deferred globs, zero otherwise.
func (c *Config) PriorityFor() func(string) int {
	urgent := Matcher(c.Roots.Content, c.Build.UrgentPaths)
	deferred := Matcher(c.Roots.Content, c.Build.DeferredPaths)
	return func(path string) int {
		switch {
		case urgent(path):
			return 1
		case deferred(path):
			return -1
		default:
			return 0
		}
	}
}
