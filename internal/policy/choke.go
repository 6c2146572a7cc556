package policy

import (
	"time"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Choke suppresses or softens cross-talk notes following a choke-triggering
// hit. A note on for a configured trigger opens that group's suppression
// window; group members arriving inside the window are velocity-capped for
// the first choke_cnt hits and fully suppressed after that. Note offs are
// never suppressed - choking must not create stuck notes.
type Choke struct {
	host pipeline.Host

	groups   map[int]map[int]bool // trigger note -> member set
	memberOf map[int][]int        // member note -> triggers listing it

	window  time.Duration // choke_max
	maxPass int           // choke_cnt
	velCap  int           // cymbal_max

	active map[int]*chokeWindow // trigger note -> open window
}

type chokeWindow struct {
	expires time.Time
	count   int
	timer   pipeline.TimerID
}

// NewChoke builds the choke policy from its configuration section.
func NewChoke(cfg config.ChokeConfig) (*Choke, error) {
	c := &Choke{
		groups:   make(map[int]map[int]bool, len(cfg.Choke)),
		memberOf: make(map[int][]int),
		window:   time.Duration(cfg.ChokeMax) * time.Millisecond,
		maxPass:  cfg.ChokeCnt,
		velCap:   cfg.CymbalMax,
		active:   make(map[int]*chokeWindow),
	}
	if cfg.ChokeMax <= 0 {
		return nil, config.NewConfigError("choke", "choke_max", "window must be positive, got %d", cfg.ChokeMax)
	}
	for trigger, members := range cfg.Choke {
		if !event.ValidNote(trigger) {
			return nil, config.NewConfigError("choke", "choke", "invalid trigger note %d", trigger)
		}
		set := make(map[int]bool, len(members))
		for _, m := range members {
			if !event.ValidNote(m) {
				return nil, config.NewConfigError("choke", "choke", "invalid group member %d for trigger %d", m, trigger)
			}
			set[m] = true
			c.memberOf[m] = append(c.memberOf[m], trigger)
		}
		c.groups[trigger] = set
	}
	return c, nil
}

// Name implements pipeline.Policy.
func (c *Choke) Name() string { return "choke" }

// Attach implements pipeline.Attacher.
func (c *Choke) Attach(h pipeline.Host) { c.host = h }

// Process implements pipeline.Policy.
func (c *Choke) Process(ev event.Event) ([]event.Event, error) {
	if !ev.IsNoteOn() {
		return []event.Event{ev}, nil
	}

	now := ev.Time
	suppress := false
	capped := false

	// Qualifying member hit inside any open window: count it, extend the
	// window, then cap or suppress.
	for _, trigger := range c.memberOf[ev.Note] {
		w := c.active[trigger]
		if w == nil || !now.Before(w.expires) {
			continue
		}
		w.count++
		c.extend(trigger, w, now)
		if w.count > c.maxPass {
			suppress = true
		} else {
			capped = true
		}
	}
	if suppress {
		return nil, nil
	}

	// A real (unsuppressed) hit on a trigger note opens or re-opens its
	// group's window with a fresh counter.
	if _, ok := c.groups[ev.Note]; ok {
		w := c.active[ev.Note]
		if w == nil {
			w = &chokeWindow{}
			c.active[ev.Note] = w
		}
		w.count = 0
		c.extend(ev.Note, w, now)
	}

	if capped && ev.Velocity > c.velCap {
		ev = ev.WithVelocity(c.velCap)
	}
	return []event.Event{ev}, nil
}

// extend pushes the window expiry out to now+choke_max and re-arms the
// expiry timer that resets the group state.
func (c *Choke) extend(trigger int, w *chokeWindow, now time.Time) {
	w.expires = now.Add(c.window)
	if c.host == nil {
		return
	}
	c.host.Cancel(w.timer)
	w.timer = c.host.Schedule(w.expires, func(time.Time) {
		c.expire(trigger, w.expires)
	})
}

// expire clears the group state once the window elapsed without a new
// qualifying hit. An extension reschedules the timer, so a stale firing
// (expiry moved) is a no-op.
func (c *Choke) expire(trigger int, expires time.Time) {
	w := c.active[trigger]
	if w == nil || !w.expires.Equal(expires) {
		return
	}
	delete(c.active, trigger)
}
