// Package install runs a complete lockfile-driven install.
//
// An [Installer] takes a project directory from manifest and lockfile to a
// populated node_modules tree:
//
//  1. load package.json and the lockfile (npm-shrinkwrap.json wins over
//     package-lock.json)
//  2. build the install plan and check it against the manifest
//  3. remove any existing node_modules
//  4. extract every package with a bounded worker pool
//  5. read lifecycle scripts the lockfile did not embed
//  6. run lifecycle scripts, dependencies before dependents
//  7. record the run in the history store
//
// Nothing is resolved over the network: the lockfile is the single source
// of truth and tarballs come from the configured [extract.Fetcher].
//
// # Usage
//
//	inst, err := install.New(install.Options{
//	    Prefix:  dir,
//	    Fetcher: extract.NewCacheFetcher(c, nil),
//	    Logger:  logger,
//	})
//	if err != nil {
//	    return err
//	}
//	summary, err := inst.Run(ctx)
package install

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/extract"
	"github.com/matzehuels/cipm/pkg/history"
	"github.com/matzehuels/cipm/pkg/lifecycle"
	"github.com/matzehuels/cipm/pkg/manifest"
	"github.com/matzehuels/cipm/pkg/observability"
	"github.com/matzehuels/cipm/pkg/plan"
)

// Summary reports a finished install.
type Summary struct {
	RunID      string
	Name       string
	Version    string
	Lockfile   string
	PkgCount   int
	Failures   []extract.Failure
	Warnings   []string
	ScriptsRun int
	Duration   time.Duration
}

// Installer runs installs. It is stateless between runs.
type Installer struct {
	opts Options
}

// New validates opts and creates an Installer.
func New(opts Options) (*Installer, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Installer{opts: opts}, nil
}

// Prefix returns the absolute project directory.
func (i *Installer) Prefix() string { return i.opts.Prefix }

// Plan loads the manifest and lockfile and builds the install plan without
// touching node_modules.
func (i *Installer) Plan() (*plan.Plan, error) {
	m, err := manifest.LoadManifest(i.opts.Prefix)
	if err != nil {
		return nil, err
	}
	lock, err := manifest.LoadLockfile(i.opts.Prefix)
	if err != nil {
		return nil, err
	}
	return plan.Build(m, lock, plan.Options{
		Prefix:     i.opts.Prefix,
		Production: i.opts.Production,
	})
}

// Run performs the install. Every run, failed or not, is recorded in the
// history store.
func (i *Installer) Run(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString()}
	logger := i.opts.Logger.With("run", sum.RunID[:8])

	defer func() {
		sum.Duration = time.Since(start)
		observability.Install().OnInstallComplete(ctx, sum.PkgCount, len(sum.Failures), sum.Duration, err)
		i.record(ctx, start, sum, err)
	}()

	planStart := time.Now()
	p, err := i.Plan()
	observability.Install().OnPlanBuilt(ctx, planPkgCount(p), time.Since(planStart), err)
	if err != nil {
		return nil, err
	}
	sum.Name, sum.Version = p.Root.Name, p.Root.Version
	sum.Lockfile = p.Lockfile
	sum.PkgCount = p.PkgCount()
	sum.Warnings = p.Warnings

	logger.Info("built install plan",
		"lockfile", p.Lockfile,
		"packages", sum.PkgCount,
		"duration", time.Since(planStart).Round(time.Millisecond))
	for _, w := range p.Warnings {
		logger.Warn(w)
	}

	if !i.opts.KeepModules {
		if err := os.RemoveAll(p.Root.ModulesPath()); err != nil {
			return nil, errors.Wrap(errors.ErrCodeExtraction, err, "remove existing %s", plan.ModulesDir)
		}
		logger.Debug("removed existing node_modules", "path", p.Root.ModulesPath())
	}

	extractStart := time.Now()
	pool := extract.NewPool(i.opts.Fetcher, extract.Options{
		Workers: i.opts.Workers,
		Policy:  i.opts.Policy,
		Logger:  logger.Debugf,
	})
	res, err := pool.ExtractAll(ctx, p.Nodes())
	sum.Failures = res.Failures
	if err != nil {
		return nil, err
	}
	for _, f := range res.Failures {
		logger.Warn("package not extracted", "pkg", f.Node.Identity.String(), "path", f.Node.Path, "err", f.Err)
	}
	logger.Info("extracted packages",
		"extracted", res.Extracted-1,
		"failed", len(res.Failures),
		"duration", time.Since(extractStart).Round(time.Millisecond))

	if err := resolveScripts(p, res.Failures); err != nil {
		return nil, err
	}

	scriptStart := time.Now()
	sched := lifecycle.NewScheduler(lifecycle.Options{
		IgnoreScripts: i.opts.IgnoreScripts,
		Prefix:        i.opts.Prefix,
		Runner:        i.opts.Runner,
		Env:           i.opts.Env,
		Logger:        logger.Debugf,
	})
	scripts, err := sched.Run(ctx, p.Root)
	sum.ScriptsRun = scripts.ScriptsRun
	if err != nil {
		return nil, err
	}
	if !i.opts.IgnoreScripts {
		logger.Info("ran lifecycle scripts",
			"scripts", scripts.ScriptsRun,
			"duration", time.Since(scriptStart).Round(time.Millisecond))
	}

	return sum, nil
}

// resolveScripts fills in the scripts of nodes whose lockfile entry did not
// embed them by reading the extracted package.json. Packages that failed
// to extract get no scripts.
func resolveScripts(p *plan.Plan, failures []extract.Failure) error {
	failed := make(map[*plan.Node]bool, len(failures))
	for _, f := range failures {
		failed[f.Node] = true
	}

	for _, n := range p.Dependencies() {
		if failed[n] {
			n.Scripts = map[string]string{}
			continue
		}
		if n.ScriptsResolved() {
			continue
		}

		var m manifest.Manifest
		err := manifest.ReadJSON(n.Path, manifest.ManifestFile, &m)
		if os.IsNotExist(err) {
			n.Scripts = map[string]string{}
			continue
		}
		if err != nil {
			return fmt.Errorf("read scripts of %s: %w", n.Identity, err)
		}

		scripts := m.Scripts
		if scripts == nil {
			scripts = map[string]string{}
		}
		if m.Gypfile == nil || *m.Gypfile {
			scripts = lifecycle.WithGypDefault(scripts, n.Path)
		}
		n.Scripts = scripts
	}
	return nil
}

func (i *Installer) record(ctx context.Context, start time.Time, sum *Summary, err error) {
	rec := &history.Record{
		ID:         sum.RunID,
		Name:       sum.Name,
		Version:    sum.Version,
		Prefix:     i.opts.Prefix,
		Lockfile:   sum.Lockfile,
		StartedAt:  start.UTC(),
		Duration:   sum.Duration,
		PkgCount:   sum.PkgCount,
		ScriptsRun: sum.ScriptsRun,
		Warnings:   sum.Warnings,
	}
	for _, f := range sum.Failures {
		rec.Failures = append(rec.Failures, fmt.Sprintf("%s: %v", f.Node.Identity, f.Err))
	}
	if err != nil {
		rec.Code = string(errors.GetCode(err))
		rec.Error = err.Error()
	}
	if addErr := i.opts.History.Add(context.WithoutCancel(ctx), rec); addErr != nil {
		i.opts.Logger.Warn("failed to record install history", "err", addErr)
	}
}

func planPkgCount(p *plan.Plan) int {
	if p == nil {
		return 0
	}
	return p.PkgCount()
}
