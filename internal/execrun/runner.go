// Package execrun is the process-execution capability the exec policy
// invokes: spawn a command, detach, never block the caller.
package execrun

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"
)

// Runner spawns commands detached from the event path. The exit status is
// collected in the background and only logged; a failing or hung command
// cannot stall MIDI delivery.
type Runner struct {
	log *slog.Logger
}

// New creates a runner logging through log.
func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Spawn starts the command and returns as soon as it is running.
func (r *Runner) Spawn(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty command")
	}
	id := uuid.NewString()
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", command[0], err)
	}
	r.log.Debug("command started", "spawn", id, "command", command)
	go func() {
		if err := cmd.Wait(); err != nil {
			r.log.Error("command failed", "spawn", id, "command", command, "error", err)
		}
	}()
	return nil
}
