package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/execrun"
	"github.com/padwerk/xtalk/internal/policy"
)

// CheckResult holds configuration check results.
type CheckResult struct {
	Valid    bool     `json:"valid"`
	Pipeline []string `json:"pipeline,omitempty"`
	Policy   string   `json:"policy,omitempty"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <config-file>",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without starting the pipeline.

Checks the schema (types, note and velocity ranges, known policy names) and
builds every configured policy the way the run command would, so cross-field
mistakes like overlapping replay control notes are caught too.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}

	cfg, err := config.Load(path)
	if err == nil {
		// Policy construction catches what the schema alone cannot.
		_, err = policy.BuildAll(cfg, policy.Deps{Runner: execrun.New(nil)})
	}
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return outputCheckFailure(formatter, cfgErr)
		}
		return WrapExitError(ExitCommandError, "failed to read configuration", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(CheckResult{Valid: true, Pipeline: cfg.Pipeline})
	}
	fmt.Fprintln(formatter.Writer, "✓ Configuration valid")
	fmt.Fprintf(formatter.Writer, "  Pipeline: %v\n", cfg.Pipeline)
	return nil
}

func outputCheckFailure(formatter *OutputFormatter, cfgErr *config.ConfigError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: CheckResult{
				Valid:   false,
				Policy:  cfgErr.Policy,
				Field:   cfgErr.Field,
				Message: cfgErr.Message,
			},
			Error: &CLIError{
				Code:    "config",
				Message: cfgErr.Error(),
			},
		}
		enc := json.NewEncoder(formatter.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, cfgErr.Error())
	}

	fmt.Fprintln(formatter.Writer, "✗ Configuration invalid")
	fmt.Fprintln(formatter.Writer)
	fmt.Fprintf(formatter.Writer, "  %s\n", cfgErr.Error())
	return NewExitError(ExitFailure, cfgErr.Error())
}
