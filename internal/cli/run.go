package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/ctl"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/execrun"
	"github.com/padwerk/xtalk/internal/journal"
	"github.com/padwerk/xtalk/internal/midiio"
	"github.com/padwerk/xtalk/internal/pipeline"
	"github.com/padwerk/xtalk/internal/policy"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config  string
	Client  string
	Input   string
	Output  string
	Journal string
}

// inputBuffer absorbs bursts from the MIDI listener while the dispatch
// goroutine is busy. A full buffer drops the newest event rather than
// blocking the driver callback.
const inputBuffer = 128

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the event pipeline",
		Long: `Start the MIDI event pipeline.

The pipeline loads the policy chain from the configuration file, opens the
MIDI ports (virtual ports when --input/--output are not given, so other MIDI
software can connect to us), and filters note events until interrupted.

Example:
  xtalk run --config xtalk.yaml
  xtalk run --config xtalk.yaml --input "TD-17" --output "Synth" --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to configuration file (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&opts.Client, "client", "xtalk", "MIDI client name")
	cmd.Flags().StringVar(&opts.Input, "input", "", "input port to connect to (substring match; empty creates a virtual port)")
	cmd.Flags().StringVar(&opts.Output, "output", "", "output port to connect to (substring match; empty creates a virtual port)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite event journal (optional)")

	return cmd
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("loading configuration", "path", opts.Config)
	cfg, err := config.Load(opts.Config)
	if err != nil {
		if config.IsConfigError(err) {
			return WrapExitError(ExitFailure, "invalid configuration", err)
		}
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	slog.Info("configuration loaded", "pipeline", cfg.Pipeline)

	runner := execrun.New(slog.Default())
	policies, err := policy.BuildAll(cfg, policy.Deps{Runner: runner})
	if err != nil {
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}

	var jnl *journal.Journal
	if opts.Journal != "" {
		slog.Info("opening journal", "path", opts.Journal)
		jnl, err = journal.Open(opts.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := jnl.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
		runID, err := jnl.Begin(opts.Client, time.Now())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start journal run", err)
		}
		slog.Info("journal run started", "run", runID)
	}

	sys, err := midiio.NewSystem()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize MIDI", err)
	}
	defer sys.Close()

	duplex, err := sys.OpenDuplex(opts.Client, opts.Input, opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open MIDI ports", err)
	}
	defer duplex.Close()

	// The reference port only exists when the time policy can use it.
	var refPort *midiio.Output
	if pipelineHas(cfg.Pipeline, "time") {
		refPort, err = sys.OpenOutput(cfg.Time.Client)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open reference port", err)
		}
		defer refPort.Close()
	}

	out := func(ev event.Event) {
		if err := duplex.Send(ev); err != nil {
			slog.Error("output send failed", "event", ev.String(), "error", err)
		}
		record(jnl, journal.StageOut, ev)
	}
	ref := func(ev event.Event) {
		if refPort == nil {
			return
		}
		if err := refPort.Send(ev); err != nil {
			slog.Error("reference send failed", "event", ev.String(), "error", err)
		}
		record(jnl, journal.StageRef, ev)
	}

	pipe := pipeline.New(policies,
		pipeline.WithOutput(out),
		pipeline.WithReferenceOutput(ref),
		pipeline.WithLogger(slog.Default()),
	)

	// Control server, when the replace policy asks for one.
	if cfg.Replace.Server {
		rules := findReplace(policies)
		if rules == nil {
			return NewExitError(ExitFailure, "replace server enabled but replace policy is not in the pipeline")
		}
		srv := ctl.New(rules, ctl.WithLogger(slog.Default()))
		addr := fmt.Sprintf("%s:%d", cfg.Replace.Address, cfg.Replace.Port)
		if err := srv.Listen(addr); err != nil {
			return WrapExitError(ExitCommandError, "failed to start control server", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				slog.Error("error closing control server", "error", closeErr)
			}
		}()
	}

	in := make(chan event.Event, inputBuffer)
	err = duplex.Listen(func(ev event.Event) {
		record(jnl, journal.StageIn, ev)
		select {
		case in <- ev:
		default:
			slog.Warn("input buffer full, dropping event", "event", ev.String())
		}
	}, func(err error) {
		slog.Error("MIDI listener error", "error", err)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start MIDI listener", err)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("pipeline starting", "client", opts.Client)
	fmt.Fprintln(cmd.OutOrStdout(), "Pipeline started. Filtering events...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := pipe.Run(ctx, in); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "pipeline error", err)
	}

	slog.Info("pipeline stopped gracefully")
	return nil
}

// record writes one journal entry; journal failures are logged, never fatal.
func record(jnl *journal.Journal, stage string, ev event.Event) {
	if jnl == nil {
		return
	}
	if err := jnl.Record(stage, ev); err != nil {
		slog.Error("journal write failed", "stage", stage, "error", err)
	}
}

func pipelineHas(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// findReplace digs the replace policy out of the built chain so the control
// server mutates the same rule state the pipeline reads.
func findReplace(policies []pipeline.Policy) *policy.Replace {
	for _, p := range policies {
		if r, ok := p.(*policy.Replace); ok {
			return r
		}
	}
	return nil
}
