package pipeline

import (
	"log/slog"
	"time"

	"github.com/padwerk/xtalk/internal/event"
)

// Policy is one configured filter stage.
//
// Process receives one event and returns the events to hand to the next
// stage: the input unchanged (pass), a derived copy (transform), several
// events (fan-out) or none (suppress). Returning an error marks a
// processing fault; the pipeline logs it and passes the input through
// unmodified.
type Policy interface {
	Name() string
	Process(ev event.Event) ([]event.Event, error)
}

// Host is the pipeline-side facility handed to a policy at attach time.
//
// Emit re-enters the chain directly after the emitting policy, so a
// scheduled emission (a replayed take, a delayed cross-talk verdict) still
// flows through every downstream stage. EmitRef writes to the reference
// output (the metronome/error port) and bypasses the chain.
type Host interface {
	Clock() Clock
	Schedule(at time.Time, fn func(now time.Time)) TimerID
	Cancel(id TimerID) bool
	Emit(ev event.Event)
	EmitRef(ev event.Event)
	Logger() *slog.Logger
}

// Attacher is implemented by policies that need the Host: the pipeline
// calls Attach once during construction, before any dispatch.
type Attacher interface {
	Attach(h Host)
}

type boundHost struct {
	p   *Pipeline
	idx int // position of the policy this host is bound to
}

func (h boundHost) Clock() Clock { return h.p.clock }

func (h boundHost) Schedule(at time.Time, fn func(now time.Time)) TimerID {
	return h.p.sched.Schedule(at, fn)
}

func (h boundHost) Cancel(id TimerID) bool { return h.p.sched.Cancel(id) }

func (h boundHost) Emit(ev event.Event) { h.p.dispatchFrom(h.idx+1, ev) }

func (h boundHost) EmitRef(ev event.Event) { h.p.ref(ev) }

func (h boundHost) Logger() *slog.Logger { return h.p.log }
