package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/cipm/pkg/history"
)

// historyCommand creates the history command.
func (c *CLI) historyCommand() *cobra.Command {
	var (
		prefix string
		all    bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous install runs",
		Long: `List recorded install runs, newest first. By default only runs for the
project in the current directory are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			store, err := newHistory(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			opts := history.ListOptions{Limit: limit}
			if !all {
				if prefix == "" {
					prefix = "."
				}
				if opts.Prefix, err = filepath.Abs(prefix); err != nil {
					return err
				}
			}

			records, err := store.List(ctx, opts)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				printInfo("No installs recorded")
				return nil
			}
			for _, r := range records {
				printRecord(r, all)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "project directory (default: current directory)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "show runs for every project")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "maximum number of runs to show")

	return cmd
}

func printRecord(r *history.Record, showPrefix bool) {
	name := r.Name
	if r.Version != "" {
		name += "@" + r.Version
	}
	when := r.StartedAt.Local().Format(time.DateTime)

	if r.Succeeded() {
		printSuccess("%s %s", StyleDim.Render(when), name)
	} else {
		printError("%s %s %s", StyleDim.Render(when), name, StyleWarning.Render(r.Code))
	}
	fmt.Println(statsLine(
		countOf(r.PkgCount, "package"),
		optCount(r.ScriptsRun, "script"),
		optCount(len(r.Failures), "failure"),
		r.Duration.Round(time.Millisecond).String(),
	))
	if showPrefix {
		printDetail("%s", r.Prefix)
	}
}
