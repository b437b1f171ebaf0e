package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/configurator/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge this host to its manifest section",
		Long: `Apply the manifest section for this host.

This command:
  - Loads and validates the manifest
  - Selects the section keyed by the hostname (or --host)
  - Runs the policy gate and stops on blocking violations
  - Applies packages, then files, then commands
  - Restarts services whose files changed or whose commands succeeded
  - Records the run in the history database when configured

A missing host section is logged and exits successfully without changes.
Individual resource failures are reported but do not fail the command.`,
		Example: `  # Apply the default manifest
  configurator apply

  # Apply a CUE manifest as another host
  configurator apply --manifest site.cue --host web01

  # Re-apply whenever the manifest changes
  configurator apply --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, watch, debounce)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply when the manifest or policies change")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before re-applying in watch mode")

	return cmd
}

// runApply applies once, or keeps re-applying on changes when watch is set.
func runApply(cmd *cobra.Command, watch bool, debounce time.Duration) (err error) {
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

	a, err := s.agent(ctx)
	if err != nil {
		return err
	}

	if watch {
		s.logger.Info().
			Str("manifest", s.settings.Manifest).
			Dur("debounce", debounce).
			Msg("Starting watch mode")
		return a.Watch(ctx, debounce)
	}

	report, err := a.Apply(ctx)
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), report)
}

// commandOutput is where manifest commands write. JSON output keeps stdout clean.
func commandOutput() io.Writer {
	if jsonOutput {
		return os.Stderr
	}
	return os.Stdout
}

type resultView struct {
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	Action   string   `json:"action,omitempty"`
	Changed  bool     `json:"changed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Error    string   `json:"error,omitempty"`
	Actions  []string `json:"actions,omitempty"`
	Duration string   `json:"duration"`
}

func outcome(r engine.Result) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Failed():
		return "failed"
	case r.Changed:
		return "changed"
	default:
		return "ok"
	}
}

func printReport(w io.Writer, report *engine.Report) error {
	if jsonOutput {
		views := make([]resultView, 0, len(report.Results))
		for _, r := range report.Results {
			v := resultView{
				Type:     string(r.Type),
				ID:       r.ID,
				Action:   r.Action,
				Changed:  r.Changed,
				Skipped:  r.Skipped,
				Actions:  r.Actions,
				Duration: r.Duration.String(),
			}
			if r.Err != nil {
				v.Error = r.Err.Error()
			}
			views = append(views, v)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"host":     report.Host,
			"changed":  report.Changed(),
			"failed":   report.Failed(),
			"skipped":  report.Skipped(),
			"duration": report.Duration.String(),
			"results":  views,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range report.Results {
		detail := strings.Join(r.Actions, ",")
		if r.Err != nil {
			detail = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", outcome(r), r.Type, r.ID, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s: %d changed, %d failed, %d skipped in %s\n",
		report.Host, report.Changed(), report.Failed(), report.Skipped(), report.Duration.Round(time.Millisecond))
	return err
}
