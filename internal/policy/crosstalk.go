package policy

import (
	"time"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Crosstalk cancels spurious secondary triggers by velocity comparison.
//
// Every note on is held for the configured delay so coupled hits can
// arrive, then compared against the strongest cause-note velocity seen in
// the last delay+history window: a hit below the threshold percentage of
// that maximum (or below the absolute minimum) is cross-talk and is
// suppressed. Note offs always pass immediately.
type Crosstalk struct {
	host pipeline.Host

	delay   time.Duration
	history time.Duration
	rules   []xtalkRule

	recent []histEntry // note on history, pruned lazily
}

type xtalkRule struct {
	notes     map[int]bool // nil matches all notes
	cause     map[int]bool // nil matches all notes
	threshold float64      // fraction of the max cause velocity; 0 disables the check
	minimum   int
}

type histEntry struct {
	note int
	vel  int
	at   time.Time
}

// NewCrosstalk builds the cancellation policy from its configuration
// section. Without explicit rules, one rule with the global parameters
// applies to all notes.
func NewCrosstalk(cfg config.CrosstalkConfig) (*Crosstalk, error) {
	x := &Crosstalk{
		delay:   time.Duration(cfg.Delay) * time.Millisecond,
		history: time.Duration(cfg.History) * time.Millisecond,
	}
	if len(cfg.Rules) == 0 {
		x.rules = []xtalkRule{{
			threshold: float64(cfg.Threshold) / 100,
			minimum:   cfg.Minimum,
		}}
		return x, nil
	}
	for i, rc := range cfg.Rules {
		rule := xtalkRule{
			threshold: float64(cfg.Threshold) / 100,
			minimum:   cfg.Minimum,
		}
		if rc.Threshold != nil {
			rule.threshold = float64(*rc.Threshold) / 100
		}
		if rc.Minimum != nil {
			rule.minimum = *rc.Minimum
		}
		if len(rc.Notes) > 0 {
			rule.notes = noteSet(rc.Notes)
		}
		if len(rc.Cause) > 0 {
			rule.cause = noteSet(rc.Cause)
		}
		for n := range rule.notes {
			if !event.ValidNote(n) {
				return nil, config.NewConfigError("crosstalk", "rules", "rule %d: invalid note %d", i, n)
			}
		}
		for n := range rule.cause {
			if !event.ValidNote(n) {
				return nil, config.NewConfigError("crosstalk", "rules", "rule %d: invalid cause note %d", i, n)
			}
		}
		x.rules = append(x.rules, rule)
	}
	return x, nil
}

// Name implements pipeline.Policy.
func (x *Crosstalk) Name() string { return "crosstalk" }

// Attach implements pipeline.Attacher.
func (x *Crosstalk) Attach(h pipeline.Host) { x.host = h }

// Process implements pipeline.Policy.
func (x *Crosstalk) Process(ev event.Event) ([]event.Event, error) {
	if !ev.IsNoteOn() {
		return []event.Event{ev}, nil
	}

	x.prune(ev.Time)
	x.recent = append(x.recent, histEntry{note: ev.Note, vel: ev.Velocity, at: ev.Time})

	if x.delay <= 0 || x.host == nil {
		if x.blocks(ev) {
			hostLog(x.host).Debug("crosstalk suppressed", "event", ev.String())
			return nil, nil
		}
		return []event.Event{ev}, nil
	}

	// Hold the hit until the coupling window closed, then decide.
	held := ev
	x.host.Schedule(ev.Time.Add(x.delay), func(now time.Time) {
		x.prune(now)
		if x.blocks(held) {
			hostLog(x.host).Debug("crosstalk suppressed", "event", held.String())
			return
		}
		x.host.Emit(held.WithTime(now))
	})
	return nil, nil
}

// blocks checks the hit against every rule matching its note. The history
// still contains the hit itself; a note can therefore only be suppressed
// when a strictly stronger cause note is present.
func (x *Crosstalk) blocks(ev event.Event) bool {
	for _, rule := range x.rules {
		if rule.notes != nil && !rule.notes[ev.Note] {
			continue
		}
		if ev.Velocity < rule.minimum {
			return true
		}
		if rule.threshold <= 0 {
			continue
		}
		max := 0
		for _, h := range x.recent {
			if rule.cause != nil && !rule.cause[h.note] {
				continue
			}
			if h.vel > max {
				max = h.vel
			}
		}
		if max == 0 {
			continue
		}
		if float64(ev.Velocity) < rule.threshold*float64(max) {
			return true
		}
	}
	return false
}

// prune drops history entries that left the delay+history window.
func (x *Crosstalk) prune(now time.Time) {
	cutoff := now.Add(-(x.delay + x.history))
	i := 0
	for ; i < len(x.recent); i++ {
		if !x.recent[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		x.recent = append(x.recent[:0], x.recent[i:]...)
	}
}
