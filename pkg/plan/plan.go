// Package plan turns a manifest and its lockfile into an install plan: a
// tree of package placements rooted at the project being installed.
//
// The lockfile already encodes every hoisting and deduplication decision.
// An entry at the top of its dependencies map lives in the project's
// node_modules directory; an entry nested inside another entry lives in
// that entry's node_modules directory, however deep. [Build] materializes
// exactly that structure and never moves a package.
//
// # Ownership
//
// The [Plan] owns its root, and every [Node] owns its Children. Parent is a
// back-reference used for path construction and ordering only. A plan is
// built once, fully populated before extraction begins, and treated as
// read-only by the extraction and script phases, so it needs no locking.
//
// # Usage
//
//	p, err := plan.Build(m, lock, plan.Options{Prefix: dir})
//	if err != nil {
//	    return err // LOCKFILE_UNSUPPORTED, LOCKFILE_OUT_OF_SYNC, INVALID_PACKAGE
//	}
//	for _, n := range p.PostOrder() {
//	    // dependencies before dependents
//	}
package plan

import (
	"path/filepath"
	"slices"
	"strings"
)

// ModulesDir is the directory a node's nested packages are placed in.
const ModulesDir = "node_modules"

// Identity identifies one resolved package version. It is immutable once
// read from the lockfile.
type Identity struct {
	Name      string
	Version   string
	Integrity string // Subresource Integrity string, e.g. "sha512-..."
	Resolved  string // tarball URL recorded by the lockfile; informational
}

// String returns "name@version".
func (id Identity) String() string { return id.Name + "@" + id.Version }

// Node is one package placement in the install plan.
type Node struct {
	Identity

	// Path is the absolute directory the package's files land in.
	Path string

	// Requires maps dependency names to the ranges this package asked for.
	// It is kept for validation and reporting, never re-resolved.
	Requires map[string]string

	// Children are the packages placed in this node's node_modules,
	// ordered by name.
	Children []*Node

	// Parent is nil for the root.
	Parent *Node

	// Scripts maps lifecycle event names to shell commands. A nil map means
	// the lockfile did not embed them and they are read from the extracted
	// package.json after extraction; an empty map means "no scripts".
	Scripts map[string]string

	Root     bool
	Dev      bool
	Optional bool
	Bundled  bool
	Depth    int
}

// ModulesPath returns the node_modules directory under the node.
func (n *Node) ModulesPath() string { return filepath.Join(n.Path, ModulesDir) }

// ScriptsResolved reports whether the node's lifecycle scripts are known.
func (n *Node) ScriptsResolved() bool { return n.Scripts != nil }

// Child returns the direct child with the given package name.
func (n *Node) Child(name string) (*Node, bool) {
	i, ok := slices.BinarySearchFunc(n.Children, name, func(c *Node, name string) int {
		return strings.Compare(c.Name, name)
	})
	if !ok {
		return nil, false
	}
	return n.Children[i], true
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the visited node's subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Plan is a fully built install plan.
type Plan struct {
	// Root is the project being installed.
	Root *Node

	// Lockfile is the base name of the lockfile the plan was built from.
	Lockfile string

	// Warnings holds non-fatal validation findings such as missing
	// optional dependencies.
	Warnings []string

	nodes  []*Node
	byPath map[string]*Node
}

// Nodes returns every node in pre-order, root first.
func (p *Plan) Nodes() []*Node { return slices.Clone(p.nodes) }

// Dependencies returns every node except the root, in pre-order.
func (p *Plan) Dependencies() []*Node { return slices.Clone(p.nodes[1:]) }

// PkgCount returns the number of packages placed, excluding the root.
func (p *Plan) PkgCount() int { return len(p.nodes) - 1 }

// Lookup returns the node placed at the given absolute path.
func (p *Plan) Lookup(path string) (*Node, bool) {
	n, ok := p.byPath[filepath.Clean(path)]
	return n, ok
}

// PostOrder returns every node with descendants before their ancestors.
// Siblings keep name order, so the sequence is deterministic.
func (p *Plan) PostOrder() []*Node { return p.Root.PostOrder() }

// PostOrder returns n's subtree with descendants before their ancestors.
func (n *Node) PostOrder() []*Node {
	var out []*Node
	var visit func(*Node)
	visit = func(n *Node) {
		for _, c := range n.Children {
			visit(c)
		}
		out = append(out, n)
	}
	visit(n)
	return out
}
