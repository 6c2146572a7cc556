package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/testutil"
)

// stubPolicy adapts a plain function to the Policy interface.
type stubPolicy struct {
	name string
	fn   func(ev event.Event) ([]event.Event, error)
}

func (p *stubPolicy) Name() string { return p.name }

func (p *stubPolicy) Process(ev event.Event) ([]event.Event, error) { return p.fn(ev) }

// attachingPolicy additionally captures the Host at attach time.
type attachingPolicy struct {
	stubPolicy
	host Host
}

func (p *attachingPolicy) Attach(h Host) { p.host = h }

func passThrough(name string) *stubPolicy {
	return &stubPolicy{name: name, fn: func(ev event.Event) ([]event.Event, error) {
		return []event.Event{ev}, nil
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipeline_DispatchRunsPoliciesInOrder(t *testing.T) {
	var order []string
	mk := func(name string) *stubPolicy {
		return &stubPolicy{name: name, fn: func(ev event.Event) ([]event.Event, error) {
			order = append(order, name)
			return []event.Event{ev.WithNote(ev.Note + 1)}, nil
		}}
	}

	sink := &testutil.Sink{}
	p := New([]Policy{mk("first"), mk("second"), mk("third")}, WithOutput(sink.Push))

	p.Dispatch(event.Event{Note: 10, Kind: event.NoteOn})

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []int{13}, sink.Notes(), "each stage increments the note")
}

func TestPipeline_SuppressStopsTheChain(t *testing.T) {
	reached := false
	suppress := &stubPolicy{name: "suppress", fn: func(event.Event) ([]event.Event, error) {
		return nil, nil
	}}
	after := &stubPolicy{name: "after", fn: func(ev event.Event) ([]event.Event, error) {
		reached = true
		return []event.Event{ev}, nil
	}}

	sink := &testutil.Sink{}
	p := New([]Policy{suppress, after}, WithOutput(sink.Push))
	p.Dispatch(event.Event{Note: 38, Kind: event.NoteOn})

	assert.False(t, reached, "downstream stage must not see a suppressed event")
	assert.Empty(t, sink.Events())
}

func TestPipeline_FanOutFeedsEveryDerivedEvent(t *testing.T) {
	double := &stubPolicy{name: "double", fn: func(ev event.Event) ([]event.Event, error) {
		return []event.Event{ev, ev.WithNote(ev.Note + 12)}, nil
	}}

	var seen []int
	record := &stubPolicy{name: "record", fn: func(ev event.Event) ([]event.Event, error) {
		seen = append(seen, ev.Note)
		return []event.Event{ev}, nil
	}}

	sink := &testutil.Sink{}
	p := New([]Policy{double, record}, WithOutput(sink.Push))
	p.Dispatch(event.Event{Note: 60, Kind: event.NoteOn})

	assert.Equal(t, []int{60, 72}, seen)
	assert.Equal(t, []int{60, 72}, sink.Notes())
}

func TestPipeline_FaultPassesEventThrough(t *testing.T) {
	faulty := &stubPolicy{name: "faulty", fn: func(event.Event) ([]event.Event, error) {
		return nil, errors.New("internal inconsistency")
	}}

	sink := &testutil.Sink{}
	p := New([]Policy{faulty}, WithOutput(sink.Push), WithLogger(quietLogger()))
	p.Dispatch(event.Event{Note: 38, Velocity: 90, Kind: event.NoteOn})

	require.Len(t, sink.Events(), 1)
	assert.Equal(t, 38, sink.Events()[0].Note, "faulting stage behaves as pass-through")
}

func TestPipeline_ScheduledEmissionReentersAfterEmitter(t *testing.T) {
	clk := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// The emitter suppresses everything it processes and re-emits it 10ms
	// later. If the emission re-entered at the chain head it would be
	// suppressed again and never come out.
	emitter := &attachingPolicy{}
	emitter.name = "emitter"
	emitter.fn = func(ev event.Event) ([]event.Event, error) {
		held := ev
		emitter.host.Schedule(ev.Time.Add(10*time.Millisecond), func(now time.Time) {
			emitter.host.Emit(held.WithTime(now))
		})
		return nil, nil
	}

	bump := &stubPolicy{name: "bump", fn: func(ev event.Event) ([]event.Event, error) {
		return []event.Event{ev.WithVelocity(ev.Velocity + 1)}, nil
	}}

	sink := &testutil.Sink{}
	p := New([]Policy{emitter, bump}, WithClock(clk), WithOutput(sink.Push))

	p.Dispatch(event.Event{Note: 38, Velocity: 90, Kind: event.NoteOn, Time: clk.Now()})
	assert.Empty(t, sink.Events(), "event is held until the timer fires")

	clk.Advance(10 * time.Millisecond)
	p.FireDue()

	require.Len(t, sink.Events(), 1)
	got := sink.Events()[0]
	assert.Equal(t, 38, got.Note)
	assert.Equal(t, 91, got.Velocity, "downstream stage processed the emission")
	assert.Equal(t, clk.Now(), got.Time, "emission carries the firing time")
}

func TestPipeline_EmitRefBypassesTheChain(t *testing.T) {
	emitter := &attachingPolicy{}
	emitter.name = "emitter"
	emitter.fn = func(ev event.Event) ([]event.Event, error) {
		emitter.host.EmitRef(ev.WithNote(1))
		return []event.Event{ev}, nil
	}

	blocker := &stubPolicy{name: "blocker", fn: func(event.Event) ([]event.Event, error) {
		return nil, nil
	}}

	sink := &testutil.Sink{}
	ref := &testutil.Sink{}
	p := New([]Policy{emitter, blocker}, WithOutput(sink.Push), WithReferenceOutput(ref.Push))

	p.Dispatch(event.Event{Note: 38, Kind: event.NoteOn})

	assert.Empty(t, sink.Events(), "main path was blocked downstream")
	assert.Equal(t, []int{1}, ref.Notes(), "reference emission skipped the blocker")
}

func TestPipeline_RunDispatchesInboundEvents(t *testing.T) {
	out := make(chan event.Event, 1)
	p := New([]Policy{passThrough("noop")}, WithOutput(func(ev event.Event) { out <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan event.Event, 1)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, in) }()

	in <- event.Event{Note: 38, Kind: event.NoteOn, Time: time.Now()}

	select {
	case ev := <-out:
		assert.Equal(t, 38, ev.Note)
	case <-time.After(time.Second):
		t.Fatal("event did not come out of the pipeline")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestPipeline_RunStopsWhenInputCloses(t *testing.T) {
	p := New([]Policy{passThrough("noop")})

	in := make(chan event.Event)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), in) }()

	close(in)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on input close")
	}
}

func TestPipeline_RunFiresTimers(t *testing.T) {
	emitter := &attachingPolicy{}
	emitter.name = "emitter"
	emitter.fn = func(ev event.Event) ([]event.Event, error) {
		held := ev
		emitter.host.Schedule(time.Now().Add(5*time.Millisecond), func(now time.Time) {
			emitter.host.Emit(held.WithTime(now))
		})
		return nil, nil
	}

	out := make(chan event.Event, 1)
	p := New([]Policy{emitter}, WithOutput(func(ev event.Event) { out <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan event.Event, 1)
	go func() { _ = p.Run(ctx, in) }()

	in <- event.Event{Note: 42, Kind: event.NoteOn, Time: time.Now()}

	select {
	case ev := <-out:
		assert.Equal(t, 42, ev.Note)
	case <-time.After(time.Second):
		t.Fatal("scheduled emission never fired")
	}
}
