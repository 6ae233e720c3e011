package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/cipm/pkg/manifest"
	"github.com/matzehuels/cipm/pkg/plan"
)

// Plan output formats.
const (
	formatText = "text"
	formatDOT  = "dot"
	formatSVG  = "svg"
)

// planCommand creates the plan command.
func (c *CLI) planCommand() *cobra.Command {
	var (
		prefix     string
		production bool
		format     string
		output     string
		detailed   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show where each locked package would be installed",
		Long: `Build the install plan from package.json and the lockfile without
touching node_modules, and print it as a tree, as Graphviz DOT, or as SVG.`,
		Example: `  # Print the placement tree
  cipm plan

  # Render the plan as an SVG
  cipm plan --format svg -o plan.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case formatText, formatDOT, formatSVG:
			default:
				return fmt.Errorf("unknown format %q (want text, dot, or svg)", format)
			}

			prog := newProgress(c.Logger)
			p, err := loadPlan(prefix, production)
			if err != nil {
				return err
			}
			c.Logger.Debug("built install plan", "lockfile", p.Lockfile, "packages", p.PkgCount())

			var out []byte
			switch format {
			case formatText:
				var b strings.Builder
				writeTree(&b, p)
				out = []byte(b.String())
			case formatDOT:
				out = []byte(plan.ToDOT(p, plan.DOTOptions{Detailed: detailed}))
			case formatSVG:
				out, err = plan.RenderSVG(cmd.Context(), plan.ToDOT(p, plan.DOTOptions{Detailed: detailed}))
				if err != nil {
					return err
				}
			}

			if output == "" {
				_, err := os.Stdout.Write(out)
				return err
			}
			if err := os.WriteFile(output, out, 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			prog.done(fmt.Sprintf("Planned %s", countOf(p.PkgCount(), "package")))
			printFile(output)
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "project directory (default: current directory)")
	cmd.Flags().BoolVar(&production, "production", false, "skip packages the lockfile marks dev")
	cmd.Flags().StringVarP(&format, "format", "f", formatText, "output format: text, dot, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "label graph nodes with their install path")

	return cmd
}

// loadPlan reads package.json and the lockfile from prefix and builds the plan.
func loadPlan(prefix string, production bool) (*plan.Plan, error) {
	if prefix == "" {
		prefix = "."
	}
	m, err := manifest.LoadManifest(prefix)
	if err != nil {
		return nil, err
	}
	lock, err := manifest.LoadLockfile(prefix)
	if err != nil {
		return nil, err
	}
	return plan.Build(m, lock, plan.Options{Prefix: prefix, Production: production})
}

// writeTree prints the plan as an indented tree, one line per placement.
func writeTree(w io.Writer, p *plan.Plan) {
	fmt.Fprintln(w, StyleTitle.Render(p.Root.Identity.String())+" "+StyleDim.Render(p.Lockfile))
	writeChildren(w, p.Root, "")
}

func writeChildren(w io.Writer, n *plan.Node, indent string) {
	for i, c := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}

		line := c.Identity.String()
		var tags []string
		if c.Dev {
			tags = append(tags, "dev")
		}
		if c.Optional {
			tags = append(tags, "optional")
		}
		if c.Bundled {
			tags = append(tags, "bundled")
		}
		if len(tags) > 0 {
			line += " " + styleDev.Render(strings.Join(tags, ", "))
		}

		fmt.Fprintln(w, StyleDim.Render(indent+branch)+line)
		writeChildren(w, c, indent+next)
	}
}
