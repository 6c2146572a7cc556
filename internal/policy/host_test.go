package policy

import (
	"io"
	"log/slog"
	"time"

	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
	"github.com/padwerk/xtalk/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testHost drives a single policy deterministically: a frozen clock, a real
// scheduler fired by hand, and sinks capturing Emit/EmitRef.
type testHost struct {
	clock   *testutil.Clock
	sched   *pipeline.Scheduler
	emitted testutil.Sink
	ref     testutil.Sink
}

func newTestHost() *testHost {
	return &testHost{
		clock: testutil.NewClock(testEpoch),
		sched: pipeline.NewScheduler(),
	}
}

func (h *testHost) Clock() pipeline.Clock { return h.clock }

func (h *testHost) Schedule(at time.Time, fn func(now time.Time)) pipeline.TimerID {
	return h.sched.Schedule(at, fn)
}

func (h *testHost) Cancel(id pipeline.TimerID) bool { return h.sched.Cancel(id) }

func (h *testHost) Emit(ev event.Event) { h.emitted.Push(ev) }

func (h *testHost) EmitRef(ev event.Event) { h.ref.Push(ev) }

func (h *testHost) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// advance moves the clock forward and fires every timer that came due.
func (h *testHost) advance(d time.Duration) {
	h.sched.Fire(h.clock.Advance(d))
}

// noteOn builds a note on stamped at the host clock's current time.
func (h *testHost) noteOn(note, velocity int) event.Event {
	return event.Event{Note: note, Velocity: velocity, Kind: event.NoteOn, Time: h.clock.Now()}
}

// noteOff builds a note off stamped at the host clock's current time.
func (h *testHost) noteOff(note int) event.Event {
	return event.Event{Note: note, Kind: event.NoteOff, Time: h.clock.Now()}
}
