package install

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cipm/pkg/cache"
	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/extract"
	"github.com/matzehuels/cipm/pkg/history"
	"github.com/matzehuels/cipm/pkg/lifecycle"
	"github.com/matzehuels/cipm/pkg/plan"
)

const writeEnvScript = "echo $npm_lifecycle_event > $npm_lifecycle_event"

// fixture is a project directory plus a content cache holding its tarballs.
type fixture struct {
	t       *testing.T
	prefix  string
	fetcher *extract.CacheFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prefix := filepath.Join(t.TempDir(), "project")
	if err := os.MkdirAll(prefix, 0755); err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, prefix: prefix, fetcher: extract.NewCacheFetcher(c, nil)}
}

func (f *fixture) writeJSON(name string, v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.prefix, name), data, 0644); err != nil {
		f.t.Fatal(err)
	}
}

// publish stores a tarball for name@version and returns its integrity.
func (f *fixture) publish(name, version string, files map[string]string) string {
	f.t.Helper()
	var entries []extract.File
	for n, body := range files {
		entries = append(entries, extract.File{Name: n, Body: []byte(body)})
	}
	data, err := extract.Pack(entries)
	if err != nil {
		f.t.Fatal(err)
	}
	id := plan.Identity{Name: name, Version: version, Integrity: extract.Integrity(data)}
	if err := f.fetcher.Put(context.Background(), id, data); err != nil {
		f.t.Fatal(err)
	}
	return id.Integrity
}

func (f *fixture) installer(opts Options) *Installer {
	f.t.Helper()
	opts.Prefix = f.prefix
	opts.Fetcher = f.fetcher
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	inst, err := New(opts)
	if err != nil {
		f.t.Fatalf("New error: %v", err)
	}
	return inst
}

func (f *fixture) read(rel ...string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{f.prefix}, rel...)...))
	if err != nil {
		f.t.Fatalf("read %v: %v", rel, err)
	}
	return string(data)
}

func (f *fixture) missing(rel ...string) bool {
	_, err := os.Stat(filepath.Join(append([]string{f.prefix}, rel...)...))
	return os.IsNotExist(err)
}

func pkgJSON(name, version string, extra map[string]any) string {
	m := map[string]any{"name": name, "version": version}
	for k, v := range extra {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func allScripts() map[string]string {
	s := make(map[string]string)
	for _, e := range lifecycle.RootEvents {
		s[e] = writeEnvScript
	}
	return s
}

func TestRunMissingManifest(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1})

	_, err := f.installer(Options{}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeManifestNotFound) {
		t.Fatalf("Run error = %v, want MANIFEST_NOT_FOUND", err)
	}
}

func TestRunMissingLockfile(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{"name": "app", "version": "1.0.0"})

	_, err := f.installer(Options{}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeLockfileUnsupported) {
		t.Fatalf("Run error = %v, want LOCKFILE_UNSUPPORTED", err)
	}
	if !strings.Contains(errors.UserMessage(err), "lockfileVersion >= 1") {
		t.Errorf("message should explain the remedy: %s", errors.UserMessage(err))
	}
}

func TestRunOldShrinkwrap(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{"name": "app", "version": "1.0.0"})
	f.writeJSON("npm-shrinkwrap.json", map[string]any{"dependencies": map[string]any{}})
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1})

	_, err := f.installer(Options{}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeLockfileUnsupported) {
		t.Fatalf("Run error = %v, want LOCKFILE_UNSUPPORTED (shrinkwrap wins)", err)
	}
}

func TestRunOutOfSync(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"dependencies": map[string]string{"a": "^1"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies":    map[string]any{"b": map[string]string{"version": "1.0.0"}},
	})

	_, err := f.installer(Options{}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeLockfileOutOfSync) {
		t.Fatalf("Run error = %v, want LOCKFILE_OUT_OF_SYNC", err)
	}
	if !strings.Contains(err.Error(), "a@^1") {
		t.Errorf("message should name the missing dependency: %v", err)
	}
}

func TestRunEmptyDependencies(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{"name": "app", "version": "1.0.0"})
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1, "dependencies": map[string]any{}})

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.PkgCount != 0 {
		t.Errorf("PkgCount = %d, want 0", sum.PkgCount)
	}
	if sum.RunID == "" || sum.Lockfile != "package-lock.json" {
		t.Errorf("Summary = %+v", sum)
	}
}

func TestRunShallow(t *testing.T) {
	f := newFixture(t)
	integrity := f.publish("a", "1.1.1", map[string]string{
		"package.json": pkgJSON("a", "1.1.1", nil),
		"index.js":     "var a = 1;",
	})
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"dependencies": map[string]string{"a": "^1"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies": map[string]any{
			"a": map[string]string{"version": "1.1.1", "integrity": integrity},
		},
	})

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.PkgCount != 1 {
		t.Errorf("PkgCount = %d, want 1", sum.PkgCount)
	}
	if got := f.read("node_modules", "a", "index.js"); got != "var a = 1;" {
		t.Errorf("extracted content = %q", got)
	}
}

func TestRunDeep(t *testing.T) {
	f := newFixture(t)
	aInt := f.publish("a", "1.1.1", map[string]string{
		"package.json": pkgJSON("a", "1.1.1", nil),
		"index.js":     "var a = 1;",
	})
	bInt := f.publish("b", "2.2.2", map[string]string{
		"package.json": pkgJSON("b", "2.2.2", nil),
		"index.js":     "var b = 2;",
	})
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"dependencies": map[string]string{"a": "^1"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies": map[string]any{
			"a": map[string]any{
				"version":   "1.1.1",
				"integrity": aInt,
				"requires":  map[string]string{"b": "2.2.2"},
				"dependencies": map[string]any{
					"b": map[string]string{"version": "2.2.2", "integrity": bInt},
				},
			},
		},
	})

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.PkgCount != 2 {
		t.Errorf("PkgCount = %d, want 2", sum.PkgCount)
	}
	if got := f.read("node_modules", "a", "index.js"); got != "var a = 1;" {
		t.Errorf("first-level dep = %q", got)
	}
	if got := f.read("node_modules", "a", "node_modules", "b", "index.js"); got != "var b = 2;" {
		t.Errorf("nested dep = %q", got)
	}
}

func TestRunRemovesStaleModules(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{"name": "app", "version": "1.0.0"})
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1})
	stale := filepath.Join(f.prefix, "node_modules", "stale", "index.js")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := f.installer(Options{KeepModules: true}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.missing("node_modules", "stale", "index.js") {
		t.Fatal("KeepModules should leave node_modules alone")
	}

	if _, err := f.installer(Options{}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.missing("node_modules", "stale") {
		t.Error("stale packages should be removed before extraction")
	}
}

func TestRunLifecycleScripts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("scripts use sh syntax")
	}
	f := newFixture(t)
	integrity := f.publish("a", "1.0.0", map[string]string{
		"package.json": pkgJSON("a", "1.0.0", map[string]any{"scripts": allScripts()}),
	})
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"scripts":      allScripts(),
		"dependencies": map[string]string{"a": "^1"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies": map[string]any{
			"a": map[string]string{"version": "1.0.0", "integrity": integrity},
		},
	})

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.PkgCount != 1 {
		t.Errorf("PkgCount = %d, want 1", sum.PkgCount)
	}
	if sum.ScriptsRun != 8 {
		t.Errorf("ScriptsRun = %d, want 8", sum.ScriptsRun)
	}

	for _, event := range lifecycle.RootEvents {
		if got := strings.TrimSpace(f.read(event)); got != event {
			t.Errorf("root %s wrote %q", event, got)
		}
	}
	for _, event := range lifecycle.DependencyEvents {
		if got := strings.TrimSpace(f.read("node_modules", "a", event)); got != event {
			t.Errorf("dependency %s wrote %q", event, got)
		}
	}
	for _, event := range []string{"prepublish", "prepare"} {
		if !f.missing("node_modules", "a", event) {
			t.Errorf("%s must not run on dependencies", event)
		}
	}
}

func TestRunIgnoreScripts(t *testing.T) {
	f := newFixture(t)
	integrity := f.publish("a", "1.0.0", map[string]string{
		"package.json": pkgJSON("a", "1.0.0", map[string]any{"scripts": allScripts()}),
	})
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"scripts":      allScripts(),
		"dependencies": map[string]string{"a": "^1"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies": map[string]any{
			"a": map[string]string{"version": "1.0.0", "integrity": integrity},
		},
	})

	runner := &countingRunner{}
	sum, err := f.installer(Options{IgnoreScripts: true, Runner: runner}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.PkgCount != 1 || sum.ScriptsRun != 0 || runner.calls != 0 {
		t.Errorf("PkgCount %d, ScriptsRun %d, runner calls %d", sum.PkgCount, sum.ScriptsRun, runner.calls)
	}
	for _, event := range lifecycle.RootEvents {
		if !f.missing(event) || !f.missing("node_modules", "a", event) {
			t.Errorf("%s ran despite IgnoreScripts", event)
		}
	}
}

func TestRunScriptFailure(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"scripts": map[string]string{"install": "fail", "postinstall": "never"},
	})
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1})

	runner := &countingRunner{exit: map[string]int{"fail": 7}}
	_, err := f.installer(Options{Runner: runner}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeScript) {
		t.Fatalf("Run error = %v, want SCRIPT_FAILED", err)
	}
	if !strings.Contains(err.Error(), "app@1.0.0 install") || !strings.Contains(err.Error(), "exit status 7") {
		t.Errorf("error should name package, event and status: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
}

func TestRunToleratesMissingTarball(t *testing.T) {
	f := newFixture(t)
	f.writeJSON("package.json", map[string]any{
		"name": "app", "version": "1.0.0",
		"optionalDependencies": map[string]string{"fsevents": "^2"},
	})
	f.writeJSON("package-lock.json", map[string]any{
		"lockfileVersion": 1,
		"dependencies": map[string]any{
			"fsevents": map[string]any{"version": "2.3.3", "optional": true},
		},
	})

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Node.Name != "fsevents" {
		t.Errorf("Failures = %+v", sum.Failures)
	}

	_, err = f.installer(Options{Policy: extract.AbortOnFailure}).Run(context.Background())
	if !errors.Is(err, errors.ErrCodeExtraction) {
		t.Errorf("Run with AbortOnFailure error = %v, want EXTRACTION_FAILED", err)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t)
	store, err := history.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f.writeJSON("package.json", map[string]any{"name": "app", "version": "1.0.0"})

	// Fails: no lockfile yet.
	if _, err := f.installer(Options{History: store}).Run(context.Background()); err == nil {
		t.Fatal("expected failure without a lockfile")
	}
	f.writeJSON("package-lock.json", map[string]any{"lockfileVersion": 1})
	sum, err := f.installer(Options{History: store}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	records, err := store.List(context.Background(), history.ListOptions{Prefix: f.prefix})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	byID := map[string]*history.Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	ok := byID[sum.RunID]
	if ok == nil || !ok.Succeeded() || ok.Name != "app" {
		t.Errorf("successful run record = %+v", ok)
	}
	for id, r := range byID {
		if id != sum.RunID && r.Code != string(errors.ErrCodeLockfileUnsupported) {
			t.Errorf("failed run code = %q", r.Code)
		}
	}
}

func TestRunHandlesBOM(t *testing.T) {
	f := newFixture(t)
	bom := "\xEF\xBB\xBF"
	if err := os.WriteFile(filepath.Join(f.prefix, "package.json"), []byte(bom+`{"name":"app","version":"1.0.0"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.prefix, "package-lock.json"), []byte(bom+`{"lockfileVersion":1}`), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := f.installer(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.Name != "app" {
		t.Errorf("Name = %q", sum.Name)
	}
}

func TestNewRequiresFetcher(t *testing.T) {
	_, err := New(Options{Prefix: t.TempDir()})
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("New error = %v, want INVALID_INPUT", err)
	}
}

type countingRunner struct {
	calls int
	exit  map[string]int
}

func (r *countingRunner) Run(ctx context.Context, cmd lifecycle.Command) (int, error) {
	r.calls++
	return r.exit[cmd.Script], nil
}
