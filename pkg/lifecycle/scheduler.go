// Package lifecycle runs package lifecycle scripts over an install plan.
//
// The [Scheduler] walks the plan in post-order so every package's
// dependencies have run their scripts before the package itself. Scripts run
// one at a time. The root package runs the full set of install events;
// dependencies run only the install subset:
//
//	root:        preinstall, install, postinstall, prepublish, prepare
//	dependency:  preinstall, install, postinstall
//
// The first script that exits non-zero stops the run with a SCRIPT_FAILED
// error and every package not yet visited is marked skipped.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/observability"
	"github.com/matzehuels/cipm/pkg/plan"
)

// Event lists, in the order they run.
var (
	RootEvents       = []string{"preinstall", "install", "postinstall", "prepublish", "prepare"}
	DependencyEvents = []string{"preinstall", "install", "postinstall"}
)

// State is the progress of one package through the scheduler.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Skipped
)

var stateNames = [...]string{"pending", "running", "succeeded", "failed", "skipped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Scheduler.
type Options struct {
	// IgnoreScripts turns Run into a no-op.
	IgnoreScripts bool

	// Prefix is exported as npm_config_prefix. Defaults to the root's path.
	Prefix string

	// Runner executes scripts. Defaults to a ShellRunner with no output.
	Runner Runner

	// Env is the base environment. Defaults to os.Environ().
	Env []string

	// Logger receives one line per script (optional).
	Logger func(string, ...any)
}

// WithDefaults returns a copy of Options with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	opts := o
	if opts.Runner == nil {
		opts.Runner = ShellRunner{}
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Logger == nil {
		opts.Logger = func(string, ...any) {}
	}
	return opts
}

// NodeResult is the outcome for one package.
type NodeResult struct {
	Node     *plan.Node
	State    State
	Ran      []string // events whose scripts ran to completion
	Event    string   // event that failed, if any
	ExitCode int
}

// Results is the outcome of a scheduler run, in execution order.
type Results struct {
	Nodes      []NodeResult
	ScriptsRun int
}

// Lookup returns the result for the package placed at path.
func (r Results) Lookup(path string) (NodeResult, bool) {
	for _, nr := range r.Nodes {
		if nr.Node.Path == path {
			return nr, true
		}
	}
	return NodeResult{}, false
}

// Scheduler runs lifecycle scripts in dependency order.
type Scheduler struct {
	opts Options
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts Options) *Scheduler {
	return &Scheduler{opts: opts.WithDefaults()}
}

// Run executes the scripts of root and its descendants. Nodes whose Scripts
// are nil have none to run.
func (s *Scheduler) Run(ctx context.Context, root *plan.Node) (Results, error) {
	if s.opts.IgnoreScripts {
		return Results{}, nil
	}

	order := root.PostOrder()
	res := Results{Nodes: make([]NodeResult, len(order))}
	for i, n := range order {
		res.Nodes[i] = NodeResult{Node: n, State: Pending}
	}

	prefix := s.opts.Prefix
	if prefix == "" {
		prefix = root.Path
	}

	for i := range res.Nodes {
		nr := &res.Nodes[i]
		if err := ctx.Err(); err != nil {
			skipFrom(res.Nodes, i)
			return res, err
		}

		nr.State = Running
		for _, event := range Events(nr.Node) {
			script := nr.Node.Scripts[event]
			if script == "" {
				continue
			}
			code, err := s.runScript(ctx, nr.Node, prefix, event, script)
			if err != nil || code != 0 {
				nr.State = Failed
				nr.Event = event
				nr.ExitCode = code
				skipFrom(res.Nodes, i+1)
				return res, scriptError(nr.Node, event, code, err)
			}
			nr.Ran = append(nr.Ran, event)
			res.ScriptsRun++
		}
		nr.State = Succeeded
	}
	return res, nil
}

// Events returns the lifecycle events that apply to n, in run order.
func Events(n *plan.Node) []string {
	if n.Root {
		return RootEvents
	}
	return DependencyEvents
}

func (s *Scheduler) runScript(ctx context.Context, n *plan.Node, prefix, event, script string) (int, error) {
	hooks := observability.Install()
	id := n.Identity.String()
	s.opts.Logger("%s %s: %s", id, event, script)

	start := time.Now()
	hooks.OnScriptStart(ctx, id, event)
	code, err := s.opts.Runner.Run(ctx, Command{
		Dir:    n.Path,
		Script: script,
		Env:    Env(s.opts.Env, n, prefix, event, script),
	})
	hooks.OnScriptComplete(ctx, id, event, code, time.Since(start), err)
	return code, err
}

// Env builds the environment a script runs with: base plus the npm
// lifecycle variables, with the node_modules/.bin directories of n and its
// ancestors put in front of PATH.
func Env(base []string, n *plan.Node, prefix, event, script string) []string {
	env := make([]string, 0, len(base)+6)
	path := ""
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if strings.EqualFold(k, "PATH") {
			path = v
			continue
		}
		env = append(env, kv)
	}

	var bins []string
	for p := n; p != nil; p = p.Parent {
		bins = append(bins, filepath.Join(p.ModulesPath(), ".bin"))
	}
	if top := filepath.Join(prefix, plan.ModulesDir, ".bin"); bins[len(bins)-1] != top {
		bins = append(bins, top)
	}
	if path != "" {
		bins = append(bins, path)
	}

	return append(env,
		"PATH="+strings.Join(bins, string(os.PathListSeparator)),
		"npm_lifecycle_event="+event,
		"npm_lifecycle_script="+script,
		"npm_package_name="+n.Name,
		"npm_package_version="+n.Version,
		"npm_config_prefix="+prefix,
	)
}

// GypScript is the install command for packages with native addons.
const GypScript = "node-gyp rebuild"

// WithGypDefault returns scripts with an install script of "node-gyp
// rebuild" added when dir holds a binding.gyp and scripts has neither an
// install nor a preinstall entry. scripts is not modified.
func WithGypDefault(scripts map[string]string, dir string) map[string]string {
	if scripts["install"] != "" || scripts["preinstall"] != "" {
		return scripts
	}
	if _, err := os.Stat(filepath.Join(dir, "binding.gyp")); err != nil {
		return scripts
	}
	out := make(map[string]string, len(scripts)+1)
	for k, v := range scripts {
		out[k] = v
	}
	out["install"] = GypScript
	return out
}

func skipFrom(nodes []NodeResult, i int) {
	for ; i < len(nodes); i++ {
		nodes[i].State = Skipped
	}
}

func scriptError(n *plan.Node, event string, code int, err error) error {
	return errors.Wrap(errors.ErrCodeScript, &errors.PackageError{
		Name:    n.Name,
		Version: n.Version,
		Path:    n.Path,
		Event:   event,
		Status:  code,
		Err:     err,
	}, "%s %s script failed", n.Identity, event)
}
