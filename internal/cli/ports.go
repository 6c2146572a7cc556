package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padwerk/xtalk/internal/midiio"
)

// PortList is the ports command payload.
type PortList struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// NewPortsCommand creates the ports command.
func NewPortsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available MIDI ports",
		Long: `List the MIDI input and output ports visible to this machine.

Use the listed names (or any unambiguous substring) with the run command's
--input and --output flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPorts(rootOpts, cmd)
		},
	}
}

func runPorts(opts *RootOptions, cmd *cobra.Command) error {
	sys, err := midiio.NewSystem()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize MIDI", err)
	}
	defer sys.Close()

	ins, outs, err := sys.List()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list ports", err)
	}

	if opts.Format == "json" {
		f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		if ins == nil {
			ins = []string{}
		}
		if outs == nil {
			outs = []string{}
		}
		return f.Success(PortList{Inputs: ins, Outputs: outs})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Inputs:")
	if len(ins) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, name := range ins {
		fmt.Fprintf(w, "  %s\n", name)
	}
	fmt.Fprintln(w, "Outputs:")
	if len(outs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, name := range outs {
		fmt.Fprintf(w, "  %s\n", name)
	}
	return nil
}
