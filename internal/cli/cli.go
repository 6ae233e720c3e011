// Package cli implements the cipm command-line interface.
//
// cipm installs a project's dependencies exactly as its lockfile records
// them. The CLI is built using cobra and supports verbose logging via the
// charmbracelet/log library.
//
// # Commands
//
//   - install: Install from the lockfile (also the default command)
//   - plan: Print the install plan as text, DOT, or SVG
//   - cache: Add tarballs to, inspect, and clear the content cache
//   - history: List previous install runs
//   - completion: Generate shell completion scripts
//
// # Configuration
//
// Defaults come from the TOML file loaded by package config. Command-line
// flags override it.
package cli

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/cipm/pkg/buildinfo"
	"github.com/matzehuels/cipm/pkg/cache"
	"github.com/matzehuels/cipm/pkg/config"
	"github.com/matzehuels/cipm/pkg/history"
)

// =============================================================================
// Constants
// =============================================================================

// appName is the application name used for directories and display.
const appName = "cipm"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	// ConfigPath is the --config flag; empty means the default location.
	ConfigPath string

	out io.Writer // logs and the spinner
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level), out: w}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// verbose reports whether debug logging is on.
func (c *CLI) verbose() bool {
	return c.Logger.GetLevel() <= log.DebugLevel
}

// RootCommand creates the root cobra command with all subcommands registered.
// Running the root command without a subcommand installs.
func (c *CLI) RootCommand() *cobra.Command {
	var flags installFlags

	root := &cobra.Command{
		Use:          appName,
		Short:        "cipm installs dependencies exactly as the lockfile records them",
		Long:         `cipm is a clean, lockfile-driven installer for Node.js projects. It reads package.json and package-lock.json (or npm-shrinkwrap.json), lays out node_modules as the lockfile dictates, and runs lifecycle scripts in dependency order.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInstall(cmd, flags)
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.ConfigPath, "config", "", "config file (default $XDG_CONFIG_HOME/cipm/config.toml)")
	flags.register(root)

	root.AddCommand(c.installCommand())
	root.AddCommand(c.planCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.historyCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Backend Factories
// =============================================================================

func (c *CLI) loadConfig() (config.Config, error) {
	return config.Load(c.ConfigPath)
}

// newCache opens the configured content cache.
func newCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.BackendNone:
		return cache.NewNullCache(), nil
	case config.BackendRedis:
		return cache.NewRedisCache(ctx, cache.RedisConfig{URL: cfg.Cache.RedisURL, Prefix: cfg.Cache.Prefix})
	}
	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, err
	}
	return cache.NewFileCache(dir)
}

// newKeyer scopes keys when the config sets a prefix for a file cache;
// the redis backend applies its prefix itself.
func newKeyer(cfg config.Config) cache.Keyer {
	if cfg.Cache.Prefix != "" && cfg.Cache.Backend != config.BackendRedis {
		return cache.NewScopedKeyer(cache.NewDefaultKeyer(), cfg.Cache.Prefix)
	}
	return cache.NewDefaultKeyer()
}

// newHistory opens the configured history store.
func newHistory(ctx context.Context, cfg config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case config.BackendNone:
		return history.NewNullStore(), nil
	case config.BackendMongo:
		return history.NewMongoStore(ctx, history.MongoConfig{
			URI:      cfg.History.MongoURI,
			Database: cfg.History.Database,
		})
	}
	return history.NewFileStore(cfg.History.Dir)
}
