package plan

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-graphviz"
)

// DOTOptions configures Graphviz output of a plan.
type DOTOptions struct {
	// Detailed adds each node's path relative to the root to its label.
	Detailed bool
}

// ToDOT converts the plan tree to Graphviz DOT. Edges point from a node to
// the packages placed in its node_modules directory. Dev and optional
// packages are drawn dashed.
func ToDOT(p *Plan, opts DOTOptions) string {
	var buf bytes.Buffer
	buf.WriteString("digraph plan {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=14];\n")
	buf.WriteString("\n")

	for _, n := range p.nodes {
		attrs := []string{fmt.Sprintf("label=%q", dotLabel(p, n, opts.Detailed))}
		switch {
		case n.Root:
			attrs = append(attrs, "fillcolor=lightblue", "penwidth=2")
		case n.Dev || n.Optional:
			attrs = append(attrs, "style=\"rounded,filled,dashed\"", "fillcolor=lightgrey")
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", n.Path, strings.Join(attrs, ", "))
	}

	buf.WriteString("\n")
	for _, n := range p.nodes {
		for _, c := range n.Children {
			fmt.Fprintf(&buf, "  %q -> %q;\n", n.Path, c.Path)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

func dotLabel(p *Plan, n *Node, detailed bool) string {
	label := n.Identity.String()
	if !detailed || n.Root {
		return label
	}
	rel, err := filepath.Rel(p.Root.Path, n.Path)
	if err != nil {
		return label
	}
	return label + "\n" + filepath.ToSlash(rel)
}

// RenderSVG renders a DOT graph to SVG using the embedded Graphviz build.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
