package cli

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/cipm/pkg/config"
	"github.com/matzehuels/cipm/pkg/extract"
	"github.com/matzehuels/cipm/pkg/install"
	"github.com/matzehuels/cipm/pkg/lifecycle"
	"github.com/matzehuels/cipm/pkg/observability"
)

// installFlags holds the flags shared by the root and install commands.
type installFlags struct {
	prefix        string
	ignoreScripts bool
	production    bool
	keepModules   bool
	workers       int
	policy        string
}

func (f *installFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "project directory (default: current directory)")
	cmd.Flags().BoolVar(&f.ignoreScripts, "ignore-scripts", false, "do not run lifecycle scripts")
	cmd.Flags().BoolVar(&f.production, "production", false, "skip packages the lockfile marks dev")
	cmd.Flags().BoolVar(&f.keepModules, "keep-modules", false, "do not remove an existing node_modules first")
	cmd.Flags().IntVarP(&f.workers, "workers", "j", extract.DefaultWorkers, "concurrent package extractions")
	cmd.Flags().StringVar(&f.policy, "policy", "", "on dependency extraction failure: tolerate or abort")
}

// merge applies the config file's install defaults, letting any flag the
// user set explicitly win.
func (f installFlags) merge(cmd *cobra.Command, cfg config.InstallConfig) (installFlags, error) {
	changed := cmd.Flags().Changed
	if !changed("ignore-scripts") {
		f.ignoreScripts = cfg.IgnoreScripts
	}
	if !changed("production") {
		f.production = cfg.Production
	}
	if !changed("keep-modules") {
		f.keepModules = !cfg.CleanOrDefault()
	}
	if !changed("workers") && cfg.Workers > 0 {
		f.workers = cfg.Workers
	}
	if !changed("policy") {
		f.policy = cfg.Policy
	}
	if f.workers < 1 {
		return f, fmt.Errorf("--workers must be at least 1, got %d", f.workers)
	}
	return f, nil
}

// installCommand creates the install command.
func (c *CLI) installCommand() *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:     "install",
		Aliases: []string{"ci", "i"},
		Short:   "Install dependencies from the lockfile",
		Long: `Install every package recorded in npm-shrinkwrap.json or package-lock.json.

An existing node_modules directory is removed first, then every package is
extracted from the content cache and lifecycle scripts run with
dependencies before dependents. The lockfile must be in sync with
package.json; nothing is resolved over the network.

Use "cipm cache add" to populate the content cache.`,
		Example: `  # Install the project in the current directory
  cipm install

  # Install without dev dependencies or lifecycle scripts
  cipm install --production --ignore-scripts

  # Stop at the first missing tarball
  cipm install --policy abort`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInstall(cmd, flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func (c *CLI) runInstall(cmd *cobra.Command, flags installFlags) error {
	ctx := cmd.Context()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	flags, err = flags.merge(cmd, cfg.Install)
	if err != nil {
		return err
	}
	policy, err := extract.ParsePolicy(flags.policy)
	if err != nil {
		return err
	}

	store, err := newCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	hist, err := newHistory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	// The spinner and info-level logs would fight over the terminal, so
	// without --verbose only warnings are logged.
	logger := c.Logger
	var spinner *Spinner
	if !c.verbose() {
		logger = newLogger(c.out, log.WarnLevel)
		spinner = newSpinnerWithContext(ctx, c.out, "Building install plan...")
		observability.SetInstallHooks(newInstallProgress(spinner, c.out))
		defer observability.Reset()
		spinner.Start()
		defer spinner.Stop()
	}

	inst, err := install.New(install.Options{
		Prefix:        flags.prefix,
		IgnoreScripts: flags.ignoreScripts,
		Production:    flags.production,
		KeepModules:   flags.keepModules,
		Workers:       flags.workers,
		Policy:        policy,
		Fetcher:       extract.NewCacheFetcher(store, newKeyer(cfg)),
		Runner:        lifecycle.ShellRunner{Stdout: cmd.OutOrStdout(), Stderr: c.out},
		History:       hist,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	summary, err := inst.Run(ctx)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}

	printSummary(summary)
	return nil
}

func printSummary(s *install.Summary) {
	name := s.Name
	if s.Version != "" {
		name += "@" + s.Version
	}
	if name == "" {
		name = "project"
	}

	installed := s.PkgCount - len(s.Failures)
	printSuccess("Installed %s in %s", StyleNumber.Render(countOf(installed, "package")), s.Duration.Round(time.Millisecond))
	fmt.Println(statsLine(name, s.Lockfile, optCount(s.ScriptsRun, "script")))

	for _, w := range s.Warnings {
		printWarning("%s", w)
	}
	for _, f := range s.Failures {
		printError("%s not installed: %v", f.Node.Identity, f.Err)
		printDetail("%s", f.Node.Path)
	}
}

// =============================================================================
// Progress Hooks
// =============================================================================

// installProgress drives a spinner from install hooks. The spinner stops
// when the first script starts, since scripts write to the terminal.
type installProgress struct {
	observability.NoopInstallHooks

	spinner   *Spinner
	out       io.Writer // script headers once the spinner is gone
	total     atomic.Int64
	extracted atomic.Int64
}

func newInstallProgress(s *Spinner, out io.Writer) *installProgress {
	return &installProgress{spinner: s, out: out}
}

func (p *installProgress) OnPlanBuilt(_ context.Context, pkgCount int, _ time.Duration, err error) {
	if err != nil {
		return
	}
	p.total.Store(int64(pkgCount))
	p.spinner.Update(fmt.Sprintf("Extracting packages (0/%d)...", pkgCount))
}

func (p *installProgress) OnExtractComplete(_ context.Context, _ string, _ int, _ time.Duration, _ error) {
	n := p.extracted.Add(1)
	p.spinner.Update(fmt.Sprintf("Extracting packages (%d/%d)...", n, p.total.Load()))
}

func (p *installProgress) OnScriptStart(_ context.Context, pkg, event string) {
	p.spinner.Stop()
	fmt.Fprintf(p.out, "%s %s %s\n", styleIconInfo.Render(iconInfo), pkg, StyleDim.Render(event))
}
