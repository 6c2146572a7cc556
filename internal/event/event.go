// Package event defines the canonical note event flowing through the
// filter pipeline.
//
// Events are value types and treated as immutable once dispatched: a policy
// that wants to alter one derives a copy via WithNote/WithVelocity instead
// of mutating it in place. This keeps fan-out chains safe - two policies
// downstream of the same input never observe each other's edits.
package event

import (
	"fmt"
	"time"
)

// Kind distinguishes note on from note off events.
type Kind uint8

const (
	// NoteOn is a note start (a pad or cymbal hit).
	NoteOn Kind = iota + 1
	// NoteOff is a note end.
	NoteOff
)

// String returns the wire-protocol style name of the kind.
func (k Kind) String() string {
	switch k {
	case NoteOn:
		return "note_on"
	case NoteOff:
		return "note_off"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is a single timestamped MIDI note event.
//
// Note and Velocity are in the MIDI range 0-127. Time is taken from the
// pipeline clock at receipt (monotonic, millisecond granularity is all the
// policies need).
type Event struct {
	Note     int
	Velocity int
	Channel  int
	Kind     Kind
	Time     time.Time
}

// IsNoteOn reports whether the event is a note start.
func (e Event) IsNoteOn() bool { return e.Kind == NoteOn }

// IsNoteOff reports whether the event is a note end.
func (e Event) IsNoteOff() bool { return e.Kind == NoteOff }

// WithNote returns a copy of the event remapped to another note.
func (e Event) WithNote(note int) Event {
	e.Note = note
	return e
}

// WithVelocity returns a copy of the event with a different velocity.
func (e Event) WithVelocity(velocity int) Event {
	e.Velocity = velocity
	return e
}

// WithTime returns a copy of the event stamped at t.
// Used by scheduled emissions so replayed events carry their emission time,
// not the time they were recorded.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// String renders the event for logs: "note_on 38 vel=102 ch=9".
func (e Event) String() string {
	return fmt.Sprintf("%s %d vel=%d ch=%d", e.Kind, e.Note, e.Velocity, e.Channel)
}

// ClampVelocity clamps v into the valid MIDI velocity range 0-127.
func ClampVelocity(v int) int {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return v
}

// ValidNote reports whether n is a valid MIDI note number.
func ValidNote(n int) bool { return n >= 0 && n <= 127 }
