// Package config loads cipm's TOML configuration file.
//
// The file lives at $XDG_CONFIG_HOME/cipm/config.toml (or
// ~/.config/cipm/config.toml) unless a path is given explicitly. Every key
// is optional; command-line flags override whatever the file sets.
//
//	[install]
//	workers = 16
//	policy = "abort"        # or "tolerate"
//	ignore_scripts = false
//	production = false
//	clean = true
//
//	[cache]
//	backend = "redis"       # "file", "redis" or "none"
//	dir = "/var/cache/cipm"
//	redis_url = "redis://cache:6379/0"
//	prefix = "cipm:"
//
//	[history]
//	backend = "mongo"       # "file", "mongo" or "none"
//	mongo_uri = "mongodb://db:27017"
//	database = "cipm"
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/cipm/pkg/errors"
)

// Backend names.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendMongo = "mongo"
	BackendNone  = "none"
)

// Config is the decoded configuration file.
type Config struct {
	Install InstallConfig `toml:"install"`
	Cache   CacheConfig   `toml:"cache"`
	History HistoryConfig `toml:"history"`
}

// InstallConfig holds defaults for the install command.
type InstallConfig struct {
	Workers       int    `toml:"workers"`
	Policy        string `toml:"policy"`
	IgnoreScripts bool   `toml:"ignore_scripts"`
	Production    bool   `toml:"production"`
	Clean         *bool  `toml:"clean"`
}

// CleanOrDefault returns Clean, or true when unset.
func (c InstallConfig) CleanOrDefault() bool {
	return c.Clean == nil || *c.Clean
}

// CacheConfig selects the content cache backend.
type CacheConfig struct {
	Backend  string `toml:"backend"`
	Dir      string `toml:"dir"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
}

// HistoryConfig selects the install history backend.
type HistoryConfig struct {
	Backend  string `toml:"backend"`
	Dir      string `toml:"dir"`
	MongoURI string `toml:"mongo_uri"`
	Database string `toml:"database"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Cache:   CacheConfig{Backend: BackendFile},
		History: HistoryConfig{Backend: BackendFile},
	}
}

// DefaultPath returns the config file location.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "cipm", "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cipm", "config.toml"), nil
}

// Load reads the file at path over the defaults. An empty path reads the
// default location, where a missing file is not an error; an explicit path
// must exist. Unknown keys are rejected so typos do not go unnoticed.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, errors.Wrap(errors.ErrCodeInvalidInput, err, "read config %s", path)
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidInput, err, "parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errors.New(errors.ErrCodeInvalidInput, "unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated values and numeric ranges.
func (c Config) Validate() error {
	if c.Install.Workers < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "install.workers must not be negative")
	}
	if p := c.Install.Policy; p != "" && p != "tolerate" && p != "abort" {
		return errors.New(errors.ErrCodeInvalidInput, "install.policy must be tolerate or abort, got %q", p)
	}
	if !validBackend(c.Cache.Backend, BackendFile, BackendRedis, BackendNone) {
		return errors.New(errors.ErrCodeInvalidInput, "unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == BackendRedis && c.Cache.RedisURL == "" {
		return errors.New(errors.ErrCodeInvalidInput, "cache.redis_url is required for the redis backend")
	}
	if !validBackend(c.History.Backend, BackendFile, BackendMongo, BackendNone) {
		return errors.New(errors.ErrCodeInvalidInput, "unknown history backend %q", c.History.Backend)
	}
	if c.History.Backend == BackendMongo && c.History.MongoURI == "" {
		return errors.New(errors.ErrCodeInvalidInput, "history.mongo_uri is required for the mongo backend")
	}
	return nil
}

func validBackend(name string, allowed ...string) bool {
	return name == "" || slices.Contains(allowed, name)
}

// CacheDir returns the content cache directory: the configured one, or
// $XDG_CACHE_HOME/cipm, or ~/.cache/cipm.
func (c Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "cipm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "cipm"), nil
}
