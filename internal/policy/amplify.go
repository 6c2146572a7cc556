package policy

import (
	"math"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
)

// Amplify applies a deterministic per-note velocity transform:
// v' = clamp(round(v * multiply/100) + add, 0, 127). Stateless.
type Amplify struct {
	factors map[int]config.AmplifyFactors
}

// NewAmplify builds the amplify policy from its configuration section.
func NewAmplify(cfg config.AmplifyConfig) (*Amplify, error) {
	for note, f := range cfg.Amplify {
		if !event.ValidNote(note) {
			return nil, config.NewConfigError("amplify", "amplify", "invalid note %d", note)
		}
		if f.Multiply < 0 {
			return nil, config.NewConfigError("amplify", "amplify", "note %d: multiply must not be negative", note)
		}
	}
	return &Amplify{factors: cfg.Amplify}, nil
}

// Name implements pipeline.Policy.
func (a *Amplify) Name() string { return "amplify" }

// Process implements pipeline.Policy.
func (a *Amplify) Process(ev event.Event) ([]event.Event, error) {
	if ev.IsNoteOn() {
		if f, ok := a.factors[ev.Note]; ok {
			v := int(math.Round(float64(ev.Velocity)*float64(f.Multiply)/100)) + f.Add
			ev = ev.WithVelocity(event.ClampVelocity(v))
		}
	}
	return []event.Event{ev}, nil
}
