package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/matzehuels/cipm/pkg/config"
	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/extract"
	"github.com/matzehuels/cipm/pkg/manifest"
	"github.com/matzehuels/cipm/pkg/plan"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the package content cache",
	}

	cmd.AddCommand(c.cacheAddCommand())
	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())

	return cmd
}

// cacheAddCommand creates the "cache add" subcommand.
func (c *CLI) cacheAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <tarball|dir>...",
		Short: "Add package tarballs or directories to the cache",
		Long: `Add packages to the content cache. Each argument is either a package
tarball (.tgz) or a directory holding a package.json, which is packed first.

Packages are stored under their integrity and under name@version, so they
satisfy lockfile entries with and without an integrity field.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			store, err := newCache(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			prog := newProgress(c.Logger)
			fetcher := extract.NewCacheFetcher(store, newKeyer(cfg))
			for _, arg := range args {
				id, err := addToCache(ctx, fetcher, arg)
				if err != nil {
					return err
				}
				printSuccess("Added %s", id)
				printDetail("%s", id.Integrity)
			}
			prog.done(fmt.Sprintf("Added %s", countOf(len(args), "package")))
			return nil
		},
	}
}

// addToCache loads one tarball or package directory and stores it.
func addToCache(ctx context.Context, f *extract.CacheFetcher, path string) (plan.Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return plan.Identity{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "add %s", path)
	}

	var (
		data []byte
		m    manifest.Manifest
	)
	if info.IsDir() {
		if data, err = extract.PackDir(path); err != nil {
			return plan.Identity{}, err
		}
		if err := manifest.ReadJSON(path, manifest.ManifestFile, &m); err != nil {
			return plan.Identity{}, errors.Wrap(errors.ErrCodeInvalidPackage, err, "read %s in %s", manifest.ManifestFile, path)
		}
	} else {
		if data, err = os.ReadFile(path); err != nil {
			return plan.Identity{}, err
		}
		tmp, err := os.MkdirTemp("", "cipm-add-")
		if err != nil {
			return plan.Identity{}, err
		}
		defer os.RemoveAll(tmp)
		if _, err := extract.Unpack(data, tmp); err != nil {
			return plan.Identity{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := manifest.ReadJSON(tmp, manifest.ManifestFile, &m); err != nil {
			return plan.Identity{}, errors.Wrap(errors.ErrCodeInvalidPackage, err, "read %s in %s", manifest.ManifestFile, path)
		}
	}

	if m.Name == "" || m.Version == "" {
		return plan.Identity{}, errors.New(errors.ErrCodeInvalidPackage, "%s: package.json must set name and version", path)
	}
	if err := errors.ValidateNpmPackageName(m.Name); err != nil {
		return plan.Identity{}, err
	}

	id := plan.Identity{Name: m.Name, Version: m.Version}
	if err := f.Put(ctx, id, data); err != nil {
		return id, err
	}
	id.Integrity = extract.Integrity(data)
	if err := f.Put(ctx, id, data); err != nil {
		return id, err
	}
	return id, nil
}

// cacheClearCommand creates the "cache clear" subcommand.
func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached tarball",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if b := cfg.Cache.Backend; b != "" && b != config.BackendFile {
				return errors.New(errors.ErrCodeInvalidInput, "cache clear only supports the file backend, not %q", b)
			}
			dir, err := cfg.CacheDir()
			if err != nil {
				return fmt.Errorf("get cache dir: %w", err)
			}

			count, err := clearDir(dir)
			if err != nil {
				return err
			}
			if count == 0 {
				printInfo("Cache is empty")
				return nil
			}
			printSuccess("Cleared %d cached entries", count)
			printDetail("Directory: %s", dir)
			return nil
		},
	}
}

// clearDir removes every file below dir, then the emptied subdirectories,
// and reports how many files went.
func clearDir(dir string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	var (
		count int
		dirs  []string
	)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == dir {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if err := os.Remove(path); err == nil {
			count++
		}
		return nil
	})
	if err != nil {
		return count, err
	}

	// Deepest first; directories still holding files stay.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return count, nil
}

// cachePathCommand creates the "cache path" subcommand.
func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache location",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			switch cfg.Cache.Backend {
			case config.BackendRedis:
				fmt.Println(redactURL(cfg.Cache.RedisURL))
				return nil
			case config.BackendNone:
				printInfo("Caching is disabled")
				return nil
			}
			dir, err := cfg.CacheDir()
			if err != nil {
				return fmt.Errorf("get cache dir: %w", err)
			}
			fmt.Println(dir)
			return nil
		},
	}
}

// redactURL masks the password in a connection URL. Input that does not
// parse is withheld entirely.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
