package policy

import (
	"fmt"
	"sync"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Replace rewrites notes according to independently toggleable rules.
//
// Each rule maps its from-set to a single target note while enabled. Rules
// are toggled three ways: note triggers (a note on in the rule's enable or
// disable set; a note in both toggles), the TCP control server, and their
// configured initial state. Rules sharing an id form one group for the
// unique/next/previous commands.
//
// Rule state is the only policy state mutated outside the dispatch
// goroutine, so every reader and writer goes through the per-policy mutex.
// The lock is scoped to this policy alone: control traffic never blocks the
// other policies' timers.
type Replace struct {
	host pipeline.Host

	mu     sync.Mutex
	rules  []*replaceRule
	groups []string // distinct rule ids in configuration order
	cursor int
}

type replaceRule struct {
	id             string
	from           map[int]bool
	to             int
	enable         map[int]bool
	disable        map[int]bool
	enabled        bool
	defaultEnabled bool
}

// NewReplace builds the replace policy from its configuration section.
func NewReplace(cfg config.ReplaceConfig) (*Replace, error) {
	r := &Replace{}
	seen := make(map[string]bool)
	for i, rc := range cfg.Replace {
		if rc.ID == "" {
			return nil, config.NewConfigError("replace", "replace", "rule %d: missing id", i)
		}
		if !event.ValidNote(rc.To) {
			return nil, config.NewConfigError("replace", "replace", "rule %q: invalid to note %d", rc.ID, rc.To)
		}
		if len(rc.From) == 0 {
			return nil, config.NewConfigError("replace", "replace", "rule %q: empty from set", rc.ID)
		}
		rule := &replaceRule{
			id:             rc.ID,
			from:           noteSet(rc.From),
			to:             rc.To,
			enable:         noteSet(rc.Enable),
			disable:        noteSet(rc.Disable),
			enabled:        rc.Enabled,
			defaultEnabled: rc.Enabled,
		}
		for n := range rule.from {
			if !event.ValidNote(n) {
				return nil, config.NewConfigError("replace", "replace", "rule %q: invalid from note %d", rc.ID, n)
			}
		}
		r.rules = append(r.rules, rule)
		if !seen[rc.ID] {
			seen[rc.ID] = true
			r.groups = append(r.groups, rc.ID)
		}
	}
	return r, nil
}

func noteSet(notes []int) map[int]bool {
	s := make(map[int]bool, len(notes))
	for _, n := range notes {
		s[n] = true
	}
	return s
}

// Name implements pipeline.Policy.
func (r *Replace) Name() string { return "replace" }

// Attach implements pipeline.Attacher.
func (r *Replace) Attach(h pipeline.Host) { r.host = h }

// Process implements pipeline.Policy.
func (r *Replace) Process(ev event.Event) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.IsNoteOn() {
		for _, rule := range r.rules {
			inEnable := rule.enable[ev.Note]
			inDisable := rule.disable[ev.Note]
			switch {
			case inEnable && inDisable:
				rule.enabled = !rule.enabled
			case inEnable:
				rule.enabled = true
			case inDisable:
				rule.enabled = false
			}
		}
	}

	// First enabled rule in configuration order wins.
	for _, rule := range r.rules {
		if rule.enabled && rule.from[ev.Note] {
			return []event.Event{ev.WithNote(rule.to)}, nil
		}
	}
	return []event.Event{ev}, nil
}

// Enabled reports whether any rule with the given id is enabled.
func (r *Replace) Enabled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if rule.id == id && rule.enabled {
			return true
		}
	}
	return false
}

// Enable enables every rule with the given id.
func (r *Replace) Enable(id string) error { return r.set(id, true) }

// Disable disables every rule with the given id.
func (r *Replace) Disable(id string) error { return r.set(id, false) }

func (r *Replace) set(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, rule := range r.rules {
		if rule.id == id {
			rule.enabled = enabled
			found = true
		}
	}
	if !found {
		return fmt.Errorf("unknown replacement id %q", id)
	}
	return nil
}

// Toggle flips the enabled flag of every rule with the given id.
func (r *Replace) Toggle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, rule := range r.rules {
		if rule.id == id {
			rule.enabled = !rule.enabled
			found = true
		}
	}
	if !found {
		return fmt.Errorf("unknown replacement id %q", id)
	}
	return nil
}

// Unique enables the rules with the given id and disables every other
// rule - mutual exclusion across the whole rule list.
func (r *Replace) Unique(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uniqueLocked(id)
}

func (r *Replace) uniqueLocked(id string) error {
	found := false
	for _, rule := range r.rules {
		rule.enabled = rule.id == id
		if rule.enabled {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("unknown replacement id %q", id)
	}
	// Keep the next/previous cursor in step with explicit selections.
	for i, g := range r.groups {
		if g == id {
			r.cursor = i
			break
		}
	}
	return nil
}

// Next advances the group cursor and uniquely enables the newly selected
// group. Returns the selected id.
func (r *Replace) Next() (string, error) { return r.move(1) }

// Previous retreats the group cursor and uniquely enables the newly
// selected group. Next and Previous are inverse moves.
func (r *Replace) Previous() (string, error) { return r.move(-1) }

func (r *Replace) move(delta int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.groups) == 0 {
		return "", fmt.Errorf("no replacements configured")
	}
	r.cursor = (r.cursor + delta + len(r.groups)) % len(r.groups)
	id := r.groups[r.cursor]
	return id, r.uniqueLocked(id)
}
