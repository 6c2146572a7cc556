package policy

import (
	"log/slog"
	"time"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Exec triggers an external command on matching notes, with velocity-tiered
// dispatch and a per-note debounce. Spawn failures are logged and never
// fatal to the pipeline.
type Exec struct {
	host   pipeline.Host
	runner Runner

	actions  map[int][]config.ExecAction
	pass     bool
	allNotes bool
	suppress time.Duration // <= 0 disables debounce

	lastFired map[int]time.Time
	expiry    map[int]pipeline.TimerID
}

// NewExec builds the exec policy from its configuration section.
func NewExec(cfg config.ExecConfig, runner Runner) (*Exec, error) {
	if runner == nil {
		return nil, config.NewConfigError("exec", "", "no process runner available")
	}
	for note, actions := range cfg.Exec {
		if !event.ValidNote(note) {
			return nil, config.NewConfigError("exec", "exec", "invalid note %d", note)
		}
		if len(actions) == 0 {
			return nil, config.NewConfigError("exec", "exec", "note %d: no actions configured", note)
		}
		for _, a := range actions {
			if len(a.Command) == 0 {
				return nil, config.NewConfigError("exec", "exec", "note %d: empty command", note)
			}
		}
	}
	return &Exec{
		runner:    runner,
		actions:   cfg.Exec,
		pass:      cfg.Pass,
		allNotes:  cfg.AllNotes,
		suppress:  time.Duration(cfg.Suppress) * time.Millisecond,
		lastFired: make(map[int]time.Time),
		expiry:    make(map[int]pipeline.TimerID),
	}, nil
}

// Name implements pipeline.Policy.
func (x *Exec) Name() string { return "exec" }

// Attach implements pipeline.Attacher.
func (x *Exec) Attach(h pipeline.Host) { x.host = h }

// Process implements pipeline.Policy.
func (x *Exec) Process(ev event.Event) ([]event.Event, error) {
	actions, ok := x.actions[ev.Note]
	if !ok {
		return []event.Event{ev}, nil
	}

	if x.allNotes || ev.IsNoteOn() {
		x.maybeSpawn(ev, actions)
	}

	// Matching note offs are held back too when pass is off, even if
	// nothing was spawned - the note is a control surface, not a drum.
	if !x.pass {
		return nil, nil
	}
	return []event.Event{ev}, nil
}

func (x *Exec) maybeSpawn(ev event.Event, actions []config.ExecAction) {
	now := ev.Time
	if x.suppress > 0 {
		if last, ok := x.lastFired[ev.Note]; ok && now.Sub(last) <= x.suppress {
			x.log().Debug("exec debounced", "note", ev.Note)
			return
		}
	}

	// First action whose velocity gate the event meets wins; listed order
	// provides velocity-tiered dispatch.
	for _, a := range actions {
		if ev.Velocity < a.MinVelocity {
			continue
		}
		x.lastFired[ev.Note] = now
		x.armExpiry(ev.Note, now)
		if err := x.runner.Spawn(a.Command); err != nil {
			x.log().Error("exec spawn failed", "note", ev.Note, "command", a.Command, "error", err)
		}
		return
	}
}

// armExpiry drops the debounce entry once the suppression window passed,
// keeping the cache bounded to notes hit within the last window.
func (x *Exec) armExpiry(note int, now time.Time) {
	if x.host == nil || x.suppress <= 0 {
		return
	}
	x.host.Cancel(x.expiry[note])
	x.expiry[note] = x.host.Schedule(now.Add(x.suppress), func(fired time.Time) {
		if last, ok := x.lastFired[note]; ok && fired.Sub(last) >= x.suppress {
			delete(x.lastFired, note)
			delete(x.expiry, note)
		}
	})
}

func (x *Exec) log() *slog.Logger { return hostLog(x.host) }
