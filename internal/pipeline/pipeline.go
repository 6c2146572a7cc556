package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/padwerk/xtalk/internal/event"
)

// Output receives events leaving the pipeline.
type Output func(ev event.Event)

// Pipeline feeds each inbound event through an ordered chain of policies.
//
// Policy order never changes after construction. All dispatch - hardware
// events and fired timers alike - happens on the goroutine running Run,
// or on the caller's goroutine when Dispatch is driven directly (tests).
type Pipeline struct {
	policies []Policy
	clock    Clock
	sched    *Scheduler
	out      Output
	ref      Output
	log      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock substitutes the pipeline clock (tests).
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithOutput sets the sink for events leaving the chain.
func WithOutput(out Output) Option {
	return func(p *Pipeline) { p.out = out }
}

// WithReferenceOutput sets the sink for reference-click and error events.
func WithReferenceOutput(ref Output) Option {
	return func(p *Pipeline) { p.ref = ref }
}

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New builds a pipeline over the given policies, in order, and attaches
// each policy that wants a Host.
func New(policies []Policy, opts ...Option) *Pipeline {
	p := &Pipeline{
		policies: policies,
		clock:    SystemClock(),
		sched:    NewScheduler(),
		out:      func(event.Event) {},
		ref:      func(event.Event) {},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i, pol := range p.policies {
		if a, ok := pol.(Attacher); ok {
			a.Attach(boundHost{p: p, idx: i})
		}
	}
	return p
}

// Clock returns the pipeline clock.
func (p *Pipeline) Clock() Clock { return p.clock }

// Dispatch runs one event through the full chain and forwards the
// surviving events to the output.
func (p *Pipeline) Dispatch(ev event.Event) {
	p.dispatchFrom(0, ev)
}

// FireDue runs every scheduler timer due at the current clock time.
// The Run loop calls this between events; tests call it after advancing a
// deterministic clock.
func (p *Pipeline) FireDue() int {
	return p.sched.Fire(p.clock.Now())
}

// dispatchFrom feeds ev through policies[idx:]. A runtime fault in one
// policy is logged and treated as pass-through so the stream stays live.
func (p *Pipeline) dispatchFrom(idx int, ev event.Event) {
	evs := []event.Event{ev}
	for i := idx; i < len(p.policies); i++ {
		pol := p.policies[i]
		next := make([]event.Event, 0, len(evs))
		for _, e := range evs {
			out, err := pol.Process(e)
			if err != nil {
				p.log.Error("policy fault, passing event through",
					"policy", pol.Name(), "event", e.String(), "error", err)
				out = []event.Event{e}
			}
			next = append(next, out...)
		}
		evs = next
		if len(evs) == 0 {
			return
		}
	}
	for _, e := range evs {
		p.out(e)
	}
}

// Run is the single-writer event loop: it interleaves inbound events with
// due timer callbacks until ctx is cancelled or in is closed.
func (p *Pipeline) Run(ctx context.Context, in <-chan event.Event) error {
	var wait *time.Timer
	defer func() {
		if wait != nil {
			wait.Stop()
		}
	}()

	for {
		now := p.clock.Now()
		p.sched.Fire(now)

		var due <-chan time.Time
		if at, ok := p.sched.NextDue(); ok {
			d := at.Sub(now)
			if d < 0 {
				d = 0
			}
			if wait == nil {
				wait = time.NewTimer(d)
			} else {
				if !wait.Stop() {
					select {
					case <-wait.C:
					default:
					}
				}
				wait.Reset(d)
			}
			due = wait.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			p.Dispatch(ev)
		case <-due:
			// Loop re-fires due timers.
		case <-p.sched.Wake():
			// An earlier deadline was scheduled; re-arm.
		}
	}
}
