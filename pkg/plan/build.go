package plan

import (
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/manifest"
)

// Messages shown when the install inputs cannot be used as-is.
const (
	msgUnsupportedLockfile = "cipm can only install packages with an existing package-lock.json or " +
		"npm-shrinkwrap.json with lockfileVersion >= 1. Run an install with npm@5 or later to " +
		"generate it, then try again."

	msgOutOfSync = "cipm can only install packages when your package.json and package-lock.json or " +
		"npm-shrinkwrap.json are in sync. Please update your lock file with `npm install` before continuing."
)

// Options configures plan construction.
type Options struct {
	// Prefix is the project directory. Relative paths are made absolute.
	Prefix string

	// Production omits lockfile entries flagged dev, with their subtrees,
	// and skips devDependencies when checking for drift.
	Production bool
}

// Build validates m against lock and materializes the install plan.
//
// It fails with LOCKFILE_UNSUPPORTED when lock is nil or older than
// [manifest.MinLockfileVersion], with LOCKFILE_OUT_OF_SYNC when the two
// documents disagree, and with INVALID_PACKAGE when a lockfile entry could
// not be placed safely. Missing optional dependencies are reported in
// Plan.Warnings instead.
func Build(m *manifest.Manifest, lock *manifest.Lockfile, opts Options) (*Plan, error) {
	if m == nil {
		return nil, errors.New(errors.ErrCodeManifestNotFound, "no %s to install from", manifest.ManifestFile)
	}
	if lock == nil || lock.LockfileVersion < manifest.MinLockfileVersion {
		return nil, errors.New(errors.ErrCodeLockfileUnsupported, "%s", msgUnsupportedLockfile)
	}

	prefix, err := filepath.Abs(opts.Prefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidPath, err, "resolve prefix %q", opts.Prefix)
	}

	problems, warnings := checkSync(m, lock, opts)
	if len(problems) > 0 {
		return nil, errors.New(errors.ErrCodeLockfileOutOfSync, "%s\n\n%s", msgOutOfSync, strings.Join(problems, "\n"))
	}

	root := &Node{
		Identity: Identity{Name: m.Name, Version: m.Version},
		Path:     prefix,
		Requires: rootRequires(m, opts),
		Scripts:  cloneScripts(m.Scripts),
		Root:     true,
	}
	if root.Scripts == nil {
		root.Scripts = map[string]string{}
	}

	b := &builder{
		opts:   opts,
		byPath: map[string]*Node{prefix: root},
		nodes:  []*Node{root},
	}
	if err := b.place(root, lock.Dependencies); err != nil {
		return nil, err
	}

	return &Plan{
		Root:     root,
		Lockfile: lock.Filename,
		Warnings: warnings,
		nodes:    b.nodes,
		byPath:   b.byPath,
	}, nil
}

type builder struct {
	opts   Options
	byPath map[string]*Node
	nodes  []*Node
}

// place attaches deps as children of parent, recursing into nested
// dependencies maps. Nodes are appended in pre-order.
func (b *builder) place(parent *Node, deps map[string]*manifest.Dependency) error {
	for _, name := range slices.Sorted(maps.Keys(deps)) {
		dep := deps[name]
		if dep == nil {
			continue
		}
		if b.opts.Production && dep.Dev {
			continue
		}
		if err := errors.ValidateNpmPackageName(name); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidPackage, err, "lockfile entry under %s", parent.Path)
		}
		if dep.Version == "" {
			return errors.New(errors.ErrCodeInvalidPackage, "lockfile entry %s under %s has no version", name, parent.Path)
		}

		path := filepath.Join(parent.ModulesPath(), filepath.FromSlash(name))
		if prev, dup := b.byPath[path]; dup {
			return errors.New(errors.ErrCodeInvalidPackage, "%s and %s@%s both placed at %s", prev.Identity, name, dep.Version, path)
		}

		n := &Node{
			Identity: Identity{
				Name:      name,
				Version:   dep.Version,
				Integrity: dep.Integrity,
				Resolved:  dep.Resolved,
			},
			Path:     path,
			Requires: maps.Clone(dep.Requires),
			Parent:   parent,
			Scripts:  cloneScripts(dep.Scripts),
			Dev:      dep.Dev,
			Optional: dep.Optional,
			Bundled:  dep.Bundled,
			Depth:    parent.Depth + 1,
		}
		parent.Children = append(parent.Children, n)
		b.byPath[path] = n
		b.nodes = append(b.nodes, n)

		if err := b.place(n, dep.Dependencies); err != nil {
			return err
		}
	}
	return nil
}

// checkSync compares the manifest's declared dependencies with the
// lockfile's top level. It returns fatal problems and non-fatal warnings,
// both sorted for stable output.
func checkSync(m *manifest.Manifest, lock *manifest.Lockfile, opts Options) (problems, warnings []string) {
	if lock.Version != "" && lock.Version != m.Version {
		problems = append(problems, fmt.Sprintf("Invalid: lock file's version %s does not match package.json's %s", lock.Version, m.Version))
	}

	check := func(deps map[string]string, dev bool) {
		for _, name := range slices.Sorted(maps.Keys(deps)) {
			spec := deps[name]
			if _, optional := m.OptionalDependencies[name]; optional {
				continue
			}
			entry := lock.Dependencies[name]
			if entry == nil {
				problems = append(problems, fmt.Sprintf("Missing: %s@%s", name, spec))
				continue
			}
			if !dev && entry.Dev {
				problems = append(problems, fmt.Sprintf("Invalid: %s is a dependency but the lock file marks it dev", name))
			}
			if v, exact := exactVersion(spec); exact && v != entry.Version {
				problems = append(problems, fmt.Sprintf("Invalid: lock file's %s@%s does not satisfy %s@%s", name, entry.Version, name, spec))
			}
		}
	}
	check(m.Dependencies, false)
	if !opts.Production {
		check(m.DevDependencies, true)
	}

	for _, name := range slices.Sorted(maps.Keys(m.OptionalDependencies)) {
		if lock.Dependencies[name] == nil {
			warnings = append(warnings, fmt.Sprintf("Missing optional: %s@%s", name, m.OptionalDependencies[name]))
		}
	}
	return problems, warnings
}

// fullVersion matches one complete version with an optional "=" or "v"
// prefix, prerelease and build metadata.
var fullVersion = regexp.MustCompile(`^=?v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// exactVersion reports whether spec pins a single full version
// ("1.2.3", "=1.2.3", "v1.2.3") and returns it. Ranges, tags, URLs and
// partial versions are left unchecked; the lockfile is authoritative for
// them.
func exactVersion(spec string) (string, bool) {
	v := strings.TrimSpace(spec)
	if !fullVersion.MatchString(v) {
		return "", false
	}
	v = strings.TrimPrefix(v, "=")
	return strings.TrimPrefix(v, "v"), true
}

func rootRequires(m *manifest.Manifest, opts Options) map[string]string {
	req := make(map[string]string, len(m.Dependencies)+len(m.OptionalDependencies)+len(m.DevDependencies))
	if !opts.Production {
		maps.Copy(req, m.DevDependencies)
	}
	maps.Copy(req, m.Dependencies)
	maps.Copy(req, m.OptionalDependencies)
	return req
}

// cloneScripts copies scripts, keeping nil as nil so unresolved scripts stay
// distinguishable from an empty set.
func cloneScripts(s map[string]string) map[string]string {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}
