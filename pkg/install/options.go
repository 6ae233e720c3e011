package install

import (
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/extract"
	"github.com/matzehuels/cipm/pkg/history"
	"github.com/matzehuels/cipm/pkg/lifecycle"
)

// Options configures an Installer.
type Options struct {
	// Prefix is the project directory holding package.json. Defaults to the
	// working directory.
	Prefix string

	// IgnoreScripts skips every lifecycle script.
	IgnoreScripts bool

	// Production leaves out packages the lockfile marks dev.
	Production bool

	// KeepModules leaves an existing node_modules in place instead of
	// removing it before extraction.
	KeepModules bool

	// Workers bounds concurrent extractions. Zero uses extract.DefaultWorkers.
	Workers int

	// Policy decides whether a failed dependency extraction ends the run.
	Policy extract.Policy

	// Fetcher supplies package tarballs. Required.
	Fetcher extract.Fetcher

	// Runner executes lifecycle scripts. Defaults to lifecycle.ShellRunner.
	Runner lifecycle.Runner

	// Env is the base script environment. Defaults to os.Environ().
	Env []string

	// History records the run. Defaults to history.NullStore.
	History history.Store

	// Logger receives progress. Defaults to log.Default().
	Logger *log.Logger
}

// ValidateAndSetDefaults checks required fields, makes Prefix absolute and
// fills in defaults.
func (o *Options) ValidateAndSetDefaults() error {
	if o.Fetcher == nil {
		return errors.New(errors.ErrCodeInvalidInput, "a package fetcher is required")
	}
	if o.Workers < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "workers must not be negative, got %d", o.Workers)
	}

	prefix := o.Prefix
	if prefix == "" {
		prefix = "."
	}
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "resolve prefix %q", o.Prefix)
	}
	o.Prefix = abs

	if o.Runner == nil {
		o.Runner = lifecycle.ShellRunner{}
	}
	if o.History == nil {
		o.History = history.NewNullStore()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return nil
}
