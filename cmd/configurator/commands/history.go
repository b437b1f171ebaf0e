package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/configurator/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `List recorded runs, newest first, or show the resource results of one run.

History is written only when history.path is set in the settings file.
With --host, only runs of that host are listed.
It is a record of what happened and is never used to decide what to change.`,
		Example: `  # List the last 20 runs
  configurator history

  # List runs of one host
  configurator history --host web01

  # Show what one run did
  configurator history 6f1c0c7e-5b1a-4c47-9d6b-0f5f3b1e2a10

  # Drop runs older than 30 days
  configurator history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			s, err := newSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.close(); cerr != nil && err == nil {
					err = cerr
				}
			}()
			if err := s.requireJournal(); err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			if prune > 0 {
				n, err := s.journal.PruneRuns(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				s.logger.Info().Int64("runs", n).Dur("older_than", prune).Msg("Pruned history")
				return nil
			}

			if len(args) == 1 {
				run, err := s.journal.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := s.journal.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRun(w, run, results)
			}

			runs, err := s.journal.ListRuns(ctx, hostName, limit, offset)
			if err != nil {
				return err
			}
			return printRuns(w, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this duration")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return writeJSON(w, runs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOST\tSTATUS\tSTARTED\tCHANGED\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Host, r.Status, r.StartedAt.Local().Format(time.RFC3339), r.Changed, r.Failed)
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run, results []*stores.ResourceResult) error {
	if jsonOutput {
		return writeJSON(w, map[string]any{"run": run, "results": results})
	}

	fmt.Fprintf(w, "run %s\n  host:     %s\n  manifest: %s\n  status:   %s\n  started:  %s\n",
		run.ID, run.Host, run.ManifestPath, run.Status, run.StartedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "  duration: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.TraceID != "" {
		fmt.Fprintf(w, "  trace:    %s\n", run.TraceID)
	}
	if run.Error != nil {
		fmt.Fprintf(w, "  error:    %s\n", *run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		state := "ok"
		switch {
		case r.Skipped:
			state = "skipped"
		case r.Error != nil:
			state = "failed"
		case r.Changed:
			state = "changed"
		}
		detail := strings.Join(r.Actions, ",")
		if r.Error != nil && !r.Skipped {
			detail = *r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\n", state, r.ResourceType, r.ResourceID, detail, r.DurationMS)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
