// Package extract materializes install plan nodes on disk.
//
// A [Pool] runs a bounded set of workers over the plan's nodes. Each worker
// fetches a package's tarball through a [Fetcher] and unpacks it into the
// node's directory. Independent nodes extract in no particular order; every
// directory is created with MkdirAll, so a nested package can land before
// the package that contains it.
//
// # Failure Policy
//
// A failure to prepare the root is fatal. Other failures are recorded and
// tolerated by default; with [AbortOnFailure] the first one is fatal too. A
// fatal failure stops queued jobs from starting (they are reported as
// canceled) while jobs already running finish.
//
// # Usage
//
//	pool := extract.NewPool(extract.NewCacheFetcher(c, nil), extract.Options{})
//	res, err := pool.ExtractAll(ctx, p.Nodes())
//	if err != nil {
//	    return err // EXTRACTION_FAILED
//	}
//	for _, f := range res.Failures {
//	    log.Warn("skipped", "pkg", f.Node.Identity, "err", f.Err)
//	}
package extract

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/observability"
	"github.com/matzehuels/cipm/pkg/plan"
)

// DefaultWorkers is the number of concurrent extractions when
// Options.Workers is unset.
const DefaultWorkers = 10

// Policy decides whether a non-root extraction failure ends the run.
type Policy int

const (
	// TolerateFailures records non-root failures and keeps going.
	TolerateFailures Policy = iota
	// AbortOnFailure treats any failure as fatal.
	AbortOnFailure
)

// String returns the policy's config name.
func (p Policy) String() string {
	if p == AbortOnFailure {
		return "abort"
	}
	return "tolerate"
}

// ParsePolicy maps "tolerate" and "abort" to a Policy. The empty string is
// TolerateFailures.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "tolerate":
		return TolerateFailures, nil
	case "abort":
		return AbortOnFailure, nil
	}
	return 0, errors.New(errors.ErrCodeInvalidInput, "unknown extraction policy %q (want tolerate or abort)", s)
}

// Options configures a Pool.
type Options struct {
	Workers int
	Policy  Policy
	Logger  func(string, ...any) // failure callback (optional)
}

// WithDefaults returns a copy of Options with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	opts := o
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = func(string, ...any) {}
	}
	return opts
}

// Failure is one node that was not extracted.
type Failure struct {
	Node     *plan.Node
	Err      error
	Canceled bool // never started because the run was stopped
}

// Results summarizes an extraction run.
type Results struct {
	Extracted int
	Failures  []Failure
}

// Canceled returns the number of jobs that never started.
func (r Results) Canceled() int {
	n := 0
	for _, f := range r.Failures {
		if f.Canceled {
			n++
		}
	}
	return n
}

// Pool extracts plan nodes with a bounded number of workers.
type Pool struct {
	fetcher Fetcher
	opts    Options
}

// NewPool creates a Pool reading tarballs from fetcher.
func NewPool(fetcher Fetcher, opts Options) *Pool {
	return &Pool{fetcher: fetcher, opts: opts.WithDefaults()}
}

type result struct {
	node     *plan.Node
	err      error
	canceled bool
}

// ExtractAll extracts every node and waits for the run to settle. The
// returned error is non-nil only for a fatal failure, an EXTRACTION_FAILED
// error whose cause is an [errors.PackageError], or when ctx is canceled.
// Results are complete in both cases.
func (p *Pool) ExtractAll(ctx context.Context, nodes []*plan.Node) (Results, error) {
	stop, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *plan.Node, len(nodes))
	for _, n := range nodes {
		jobs <- n
	}
	close(jobs)

	results := make(chan result, len(nodes))
	var wg sync.WaitGroup
	for range min(p.opts.Workers, max(len(nodes), 1)) {
		wg.Add(1)
		go p.worker(ctx, stop, cancel, jobs, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		res   Results
		fatal error
	)
	for r := range results {
		switch {
		case r.canceled:
			res.Failures = append(res.Failures, Failure{Node: r.node, Err: context.Canceled, Canceled: true})
		case r.err != nil:
			res.Failures = append(res.Failures, Failure{Node: r.node, Err: r.err})
			if fatal == nil && p.fatal(r.node) {
				fatal = extractionError(r.node, r.err)
				continue
			}
			p.opts.Logger("extract failed: %s: %v", r.node.Identity, r.err)
		default:
			res.Extracted++
		}
	}

	if fatal != nil {
		return res, fatal
	}
	return res, ctx.Err()
}

// worker runs jobs until the queue drains. Jobs taken after stop is done
// are reported as canceled; runCtx is what a started job runs under, so
// stopping the pool lets running jobs finish.
func (p *Pool) worker(runCtx, stop context.Context, cancel context.CancelFunc, jobs <-chan *plan.Node, results chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()
	for n := range jobs {
		if stop.Err() != nil {
			results <- result{node: n, canceled: true}
			continue
		}
		err := p.extractOne(runCtx, n)
		if err != nil && p.fatal(n) {
			cancel()
		}
		results <- result{node: n, err: err}
	}
}

func (p *Pool) fatal(n *plan.Node) bool {
	return n.Root || p.opts.Policy == AbortOnFailure
}

func (p *Pool) extractOne(ctx context.Context, n *plan.Node) error {
	if n.Root {
		return os.MkdirAll(n.Path, 0755)
	}

	hooks := observability.Install()
	id := n.Identity.String()
	start := time.Now()
	hooks.OnExtractStart(ctx, id)

	size, err := p.fetchAndUnpack(ctx, n)
	hooks.OnExtractComplete(ctx, id, size, time.Since(start), err)
	return err
}

func (p *Pool) fetchAndUnpack(ctx context.Context, n *plan.Node) (int, error) {
	data, err := p.fetcher.Fetch(ctx, n.Identity)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(n.Path, 0755); err != nil {
		return len(data), err
	}
	if _, err := Unpack(data, n.Path); err != nil {
		return len(data), err
	}
	return len(data), nil
}

func extractionError(n *plan.Node, err error) error {
	return errors.Wrap(errors.ErrCodeExtraction, &errors.PackageError{
		Name:    n.Name,
		Version: n.Version,
		Path:    n.Path,
		Err:     err,
	}, "failed to extract %s", n.Identity)
}
