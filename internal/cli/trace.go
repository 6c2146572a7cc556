package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padwerk/xtalk/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	Run     string
	Stage   string // optional - filter to one stage
}

// TraceEntry is one journalled event in the trace timeline.
type TraceEntry struct {
	Seq      int64  `json:"seq"`
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Note     int    `json:"note"`
	Velocity int    `json:"velocity"`
	Channel  int    `json:"channel"`
	AtMS     int64  `json:"at_ms"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run      string       `json:"run"`
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Received    int `json:"received"`
	Emitted     int `json:"emitted"`
	Reference   int `json:"reference"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a journalled run",
		Long: `Inspect the events recorded during a pipeline run.

Shows every event the pipeline received ("in"), emitted to the main output
("out") and emitted to the reference port ("ref"), in arrival order with
millisecond offsets from the start of the run.

Examples:
  xtalk trace --journal ./xtalk.db
  xtalk trace --journal ./xtalk.db --run 0192f3a1-...
  xtalk trace --journal ./xtalk.db --stage out --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite event journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().StringVar(&opts.Run, "run", "", "run id to trace (defaults to the most recent run)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "filter to one stage (in|out|ref)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	jnl, err := journal.Open(opts.Journal)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer jnl.Close()

	runID := opts.Run
	if runID == "" {
		runID, err = jnl.LastRun()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find a run", err)
		}
	}

	entries, err := jnl.Events(runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	result := buildTrace(runID, entries, opts.Stage)

	if opts.Format == "json" {
		f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return f.Success(result)
	}
	return outputTraceText(cmd, result)
}

// buildTrace converts journal entries to the trace result, applying the
// optional stage filter. Stats always cover the full run.
func buildTrace(runID string, entries []journal.Entry, stageFilter string) TraceResult {
	result := TraceResult{Run: runID, Timeline: []TraceEntry{}}
	for _, e := range entries {
		result.Stats.TotalEvents++
		switch e.Stage {
		case journal.StageIn:
			result.Stats.Received++
		case journal.StageOut:
			result.Stats.Emitted++
		case journal.StageRef:
			result.Stats.Reference++
		}
		if stageFilter != "" && e.Stage != stageFilter {
			continue
		}
		result.Timeline = append(result.Timeline, TraceEntry{
			Seq:      e.Seq,
			Stage:    e.Stage,
			Kind:     e.Kind,
			Note:     e.Note,
			Velocity: e.Velocity,
			Channel:  e.Channel,
			AtMS:     e.AtMS,
		})
	}
	return result
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Trace for Run: %s\n", result.Run)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, e := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %+8dms %-3s %-8s note=%d vel=%d ch=%d\n",
			e.Seq, e.AtMS, e.Stage, e.Kind, e.Note, e.Velocity, e.Channel)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Received:     %d\n", result.Stats.Received)
	fmt.Fprintf(w, "  Emitted:      %d\n", result.Stats.Emitted)
	fmt.Fprintf(w, "  Reference:    %d\n", result.Stats.Reference)

	return nil
}
