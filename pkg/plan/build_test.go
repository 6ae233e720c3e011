package plan

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/manifest"
)

const (
	pkgName    = "hark-a-package"
	pkgVersion = "1.0.0"
)

func rootManifest(deps map[string]string) *manifest.Manifest {
	return &manifest.Manifest{Name: pkgName, Version: pkgVersion, Dependencies: deps}
}

func lockfile(deps map[string]*manifest.Dependency) *manifest.Lockfile {
	return &manifest.Lockfile{LockfileVersion: 1, Dependencies: deps, Filename: manifest.LockFile}
}

func TestBuildUnsupportedLockfile(t *testing.T) {
	tests := []struct {
		name string
		lock *manifest.Lockfile
	}{
		{"missing", nil},
		{"old shrinkwrap", &manifest.Lockfile{}},
		{"version zero", &manifest.Lockfile{LockfileVersion: 0, Dependencies: map[string]*manifest.Dependency{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(rootManifest(nil), tt.lock, Options{Prefix: t.TempDir()})
			if !errors.Is(err, errors.ErrCodeLockfileUnsupported) {
				t.Fatalf("Build() error = %v, want %v", err, errors.ErrCodeLockfileUnsupported)
			}
			if errors.UserMessage(err) != msgUnsupportedLockfile {
				t.Errorf("message = %q", errors.UserMessage(err))
			}
		})
	}
}

func TestBuildOutOfSync(t *testing.T) {
	m := &manifest.Manifest{
		Name:                 pkgName,
		Version:              pkgVersion,
		Dependencies:         map[string]string{"a": "1"},
		OptionalDependencies: map[string]string{"b": "2"},
	}
	lock := &manifest.Lockfile{
		Version:         pkgVersion + "-0",
		LockfileVersion: 1,
		Dependencies:    map[string]*manifest.Dependency{},
	}

	_, err := Build(m, lock, Options{Prefix: t.TempDir()})
	if !errors.Is(err, errors.ErrCodeLockfileOutOfSync) {
		t.Fatalf("Build() error = %v, want %v", err, errors.ErrCodeLockfileOutOfSync)
	}
	msg := errors.UserMessage(err)
	if !strings.HasPrefix(msg, "cipm can only install packages when your package.json and package-lock.json or npm-shrinkwrap.json are in sync") {
		t.Errorf("unexpected message: %q", msg)
	}
	for _, want := range []string{"Missing: a@1", "does not match package.json's 1.0.0"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message should mention %q: %q", want, msg)
		}
	}
	if strings.Contains(msg, "b@2") {
		t.Errorf("optional dependency should not be an error: %q", msg)
	}
}

func TestBuildSyncChecks(t *testing.T) {
	tests := []struct {
		name    string
		m       *manifest.Manifest
		deps    map[string]*manifest.Dependency
		opts    Options
		wantErr bool
	}{
		{
			name: "range is not re-resolved",
			m:    rootManifest(map[string]string{"a": "^1"}),
			deps: map[string]*manifest.Dependency{"a": {Version: "1.9.0"}},
		},
		{
			name:    "exact pin mismatch",
			m:       rootManifest(map[string]string{"a": "1.0.0"}),
			deps:    map[string]*manifest.Dependency{"a": {Version: "1.0.1"}},
			wantErr: true,
		},
		{
			name: "exact pin match",
			m:    rootManifest(map[string]string{"a": "=1.0.1"}),
			deps: map[string]*manifest.Dependency{"a": {Version: "1.0.1"}},
		},
		{
			name: "range led by a prerelease",
			m:    rootManifest(map[string]string{"a": "1.2.3-rc.1 || 1.2.4"}),
			deps: map[string]*manifest.Dependency{"a": {Version: "1.2.4"}},
		},
		{
			name: "hyphen range with prerelease bound",
			m:    rootManifest(map[string]string{"a": "1.2.3-beta - 2.0.0"}),
			deps: map[string]*manifest.Dependency{"a": {Version: "1.5.0"}},
		},
		{
			name:    "prod dependency marked dev",
			m:       rootManifest(map[string]string{"a": "^1"}),
			deps:    map[string]*manifest.Dependency{"a": {Version: "1.0.0", Dev: true}},
			wantErr: true,
		},
		{
			name: "hoisted transitive entry is not drift",
			m:    rootManifest(map[string]string{"a": "^1"}),
			deps: map[string]*manifest.Dependency{
				"a": {Version: "1.0.0", Requires: map[string]string{"b": "^2"}},
				"b": {Version: "2.0.0"},
			},
		},
		{
			name:    "missing dev dependency",
			m:       &manifest.Manifest{Name: pkgName, Version: pkgVersion, DevDependencies: map[string]string{"t": "^1"}},
			deps:    map[string]*manifest.Dependency{},
			wantErr: true,
		},
		{
			name: "missing dev dependency in production",
			m:    &manifest.Manifest{Name: pkgName, Version: pkgVersion, DevDependencies: map[string]string{"t": "^1"}},
			deps: map[string]*manifest.Dependency{},
			opts: Options{Production: true},
		},
		{
			name: "optional listed in dependencies too",
			m: &manifest.Manifest{
				Name:                 pkgName,
				Version:              pkgVersion,
				Dependencies:         map[string]string{"fsevents": "^1"},
				OptionalDependencies: map[string]string{"fsevents": "^1"},
			},
			deps: map[string]*manifest.Dependency{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Prefix = t.TempDir()
			_, err := Build(tt.m, lockfile(tt.deps), tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrCodeLockfileOutOfSync) {
				t.Errorf("error code = %v, want %v", errors.GetCode(err), errors.ErrCodeLockfileOutOfSync)
			}
		})
	}
}

func TestBuildMissingOptionalIsWarning(t *testing.T) {
	m := &manifest.Manifest{
		Name:                 pkgName,
		Version:              pkgVersion,
		OptionalDependencies: map[string]string{"b": "2"},
	}

	p, err := Build(m, lockfile(nil), Options{Prefix: t.TempDir()})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(p.Warnings) != 1 || p.Warnings[0] != "Missing optional: b@2" {
		t.Errorf("Warnings = %v", p.Warnings)
	}
}

func TestBuildEmpty(t *testing.T) {
	prefix := t.TempDir()
	p, err := Build(rootManifest(nil), lockfile(map[string]*manifest.Dependency{}), Options{Prefix: prefix})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if p.PkgCount() != 0 {
		t.Errorf("PkgCount() = %d, want 0", p.PkgCount())
	}
	if !p.Root.Root || p.Root.Name != pkgName || p.Root.Version != pkgVersion {
		t.Errorf("root = %+v", p.Root.Identity)
	}
	if p.Root.Path != prefix {
		t.Errorf("root path = %q, want %q", p.Root.Path, prefix)
	}
	if !p.Root.ScriptsResolved() {
		t.Error("root scripts should always be resolved")
	}
	if p.Lockfile != manifest.LockFile {
		t.Errorf("Lockfile = %q", p.Lockfile)
	}
}

func TestBuildShallow(t *testing.T) {
	prefix := t.TempDir()
	p, err := Build(
		rootManifest(map[string]string{"a": "^1"}),
		lockfile(map[string]*manifest.Dependency{"a": {Version: "1.1.1", Integrity: "sha512-abc"}}),
		Options{Prefix: prefix},
	)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if p.PkgCount() != 1 {
		t.Fatalf("PkgCount() = %d, want 1", p.PkgCount())
	}
	a, ok := p.Root.Child("a")
	if !ok {
		t.Fatal("root has no child a")
	}
	if want := filepath.Join(prefix, "node_modules", "a"); a.Path != want {
		t.Errorf("a.Path = %q, want %q", a.Path, want)
	}
	if a.Parent != p.Root || a.Depth != 1 {
		t.Errorf("a parent/depth = %v/%d", a.Parent, a.Depth)
	}
	if a.Integrity != "sha512-abc" {
		t.Errorf("a.Integrity = %q", a.Integrity)
	}
	if a.ScriptsResolved() {
		t.Error("scripts without lockfile embedding should be deferred")
	}
}

func TestBuildNested(t *testing.T) {
	prefix := t.TempDir()
	p, err := Build(
		rootManifest(map[string]string{"a": "^1"}),
		lockfile(map[string]*manifest.Dependency{
			"a": {
				Version:  "1.1.1",
				Requires: map[string]string{"b": "2.2.2"},
				Dependencies: map[string]*manifest.Dependency{
					"b": {Version: "2.2.2"},
				},
			},
		}),
		Options{Prefix: prefix},
	)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if p.PkgCount() != 2 {
		t.Fatalf("PkgCount() = %d, want 2", p.PkgCount())
	}
	b, ok := p.Lookup(filepath.Join(prefix, "node_modules", "a", "node_modules", "b"))
	if !ok {
		t.Fatal("b not placed under node_modules/a/node_modules/b")
	}
	if b.Version != "2.2.2" || b.Parent.Name != "a" || b.Depth != 2 {
		t.Errorf("b = %+v", b.Identity)
	}
	if !strings.HasPrefix(b.Path, b.Parent.Path+string(filepath.Separator)) {
		t.Errorf("child path %q not under parent %q", b.Path, b.Parent.Path)
	}
	if p.Root.Children[0].Requires["b"] != "2.2.2" {
		t.Errorf("requires not kept: %v", p.Root.Children[0].Requires)
	}
}

func TestBuildScopedAndConflicting(t *testing.T) {
	prefix := t.TempDir()
	p, err := Build(
		rootManifest(map[string]string{"@scope/x": "^1", "a": "^1", "c": "^1"}),
		lockfile(map[string]*manifest.Dependency{
			"@scope/x": {Version: "1.0.0"},
			"a": {
				Version: "1.0.0",
				Dependencies: map[string]*manifest.Dependency{
					"c": {Version: "2.0.0"},
				},
			},
			"c": {Version: "1.0.0"},
		}),
		Options{Prefix: prefix},
	)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if _, ok := p.Lookup(filepath.Join(prefix, "node_modules", "@scope", "x")); !ok {
		t.Error("scoped package should be placed under node_modules/@scope/x")
	}
	top, _ := p.Lookup(filepath.Join(prefix, "node_modules", "c"))
	nested, _ := p.Lookup(filepath.Join(prefix, "node_modules", "a", "node_modules", "c"))
	if top == nil || nested == nil || top.Version != "1.0.0" || nested.Version != "2.0.0" {
		t.Errorf("conflicting versions not placed separately: top=%v nested=%v", top, nested)
	}

	seen := make(map[string]bool)
	for _, n := range p.Nodes() {
		if seen[n.Path] {
			t.Errorf("duplicate path %s", n.Path)
		}
		seen[n.Path] = true
	}
}

func TestBuildEmbeddedScripts(t *testing.T) {
	p, err := Build(
		&manifest.Manifest{Name: pkgName, Version: pkgVersion, Scripts: map[string]string{"prepare": "make"}},
		lockfile(map[string]*manifest.Dependency{
			"a": {Version: "1.0.0", Scripts: map[string]string{"install": "node-gyp rebuild"}},
		}),
		Options{Prefix: t.TempDir()},
	)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if p.Root.Scripts["prepare"] != "make" {
		t.Errorf("root scripts = %v", p.Root.Scripts)
	}
	a := p.Root.Children[0]
	if !a.ScriptsResolved() || a.Scripts["install"] != "node-gyp rebuild" {
		t.Errorf("a scripts = %v", a.Scripts)
	}
}

func TestBuildProductionSkipsDev(t *testing.T) {
	m := &manifest.Manifest{
		Name:            pkgName,
		Version:         pkgVersion,
		Dependencies:    map[string]string{"a": "^1"},
		DevDependencies: map[string]string{"t": "^1"},
	}
	lock := lockfile(map[string]*manifest.Dependency{
		"a": {Version: "1.0.0"},
		"t": {Version: "1.0.0", Dev: true, Dependencies: map[string]*manifest.Dependency{
			"u": {Version: "1.0.0", Dev: true},
		}},
	})

	full, err := Build(m, lock, Options{Prefix: t.TempDir()})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if full.PkgCount() != 3 {
		t.Errorf("full PkgCount() = %d, want 3", full.PkgCount())
	}

	prod, err := Build(m, lock, Options{Prefix: t.TempDir(), Production: true})
	if err != nil {
		t.Fatalf("Build(production) error: %v", err)
	}
	if prod.PkgCount() != 1 {
		t.Errorf("production PkgCount() = %d, want 1", prod.PkgCount())
	}
	if _, ok := prod.Root.Requires["t"]; ok {
		t.Error("production root should not require dev dependencies")
	}
}

func TestBuildRejectsUnsafeNames(t *testing.T) {
	tests := []string{"../evil", "a/b", "@scope/../x", ""}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(
				rootManifest(nil),
				lockfile(map[string]*manifest.Dependency{name: {Version: "1.0.0"}}),
				Options{Prefix: t.TempDir()},
			)
			if !errors.Is(err, errors.ErrCodeInvalidPackage) {
				t.Errorf("Build(%q) error = %v, want %v", name, err, errors.ErrCodeInvalidPackage)
			}
		})
	}
}

func TestBuildMissingVersion(t *testing.T) {
	_, err := Build(
		rootManifest(nil),
		lockfile(map[string]*manifest.Dependency{"a": {}}),
		Options{Prefix: t.TempDir()},
	)
	if !errors.Is(err, errors.ErrCodeInvalidPackage) {
		t.Errorf("Build() error = %v, want %v", err, errors.ErrCodeInvalidPackage)
	}
}

func TestPostOrder(t *testing.T) {
	p, err := Build(
		rootManifest(map[string]string{"a": "^1", "z": "^1"}),
		lockfile(map[string]*manifest.Dependency{
			"z": {Version: "1.0.0"},
			"a": {
				Version: "1.0.0",
				Dependencies: map[string]*manifest.Dependency{
					"c": {Version: "1.0.0"},
					"b": {Version: "1.0.0"},
				},
			},
		}),
		Options{Prefix: t.TempDir()},
	)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	var got []string
	for _, n := range p.PostOrder() {
		got = append(got, n.Name)
	}
	want := []string{"b", "c", "a", "z", pkgName}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("PostOrder() = %v, want %v", got, want)
	}

	var pre []string
	for _, n := range p.Nodes() {
		pre = append(pre, n.Name)
	}
	if strings.Join(pre, ",") != strings.Join([]string{pkgName, "a", "b", "c", "z"}, ",") {
		t.Errorf("Nodes() = %v", pre)
	}
	if len(p.Dependencies()) != 4 {
		t.Errorf("Dependencies() = %d nodes, want 4", len(p.Dependencies()))
	}
}

func TestExactVersion(t *testing.T) {
	tests := []struct {
		spec  string
		want  string
		exact bool
	}{
		{"1.2.3", "1.2.3", true},
		{"=1.2.3", "1.2.3", true},
		{"v1.2.3", "1.2.3", true},
		{"1.2.3-beta.1", "1.2.3-beta.1", true},
		{"^1.2.3", "", false},
		{"~1.2", "", false},
		{"1", "", false},
		{">=1.0.0", "", false},
		{"latest", "", false},
		{"file:../x", "", false},
		{"1.2.3+build.5", "1.2.3+build.5", true},
		{"1.2.3-rc.1 || 1.2.4", "", false},
		{"1.2.3-beta - 2.0.0", "", false},
		{"1.2.3 - 2.0.0", "", false},
		{">=1.0.0-0", "", false},
	}

	for _, tt := range tests {
		got, exact := exactVersion(tt.spec)
		if got != tt.want || exact != tt.exact {
			t.Errorf("exactVersion(%q) = %q, %v; want %q, %v", tt.spec, got, exact, tt.want, tt.exact)
		}
	}
}
