package testutil

import (
	"sync"

	"github.com/padwerk/xtalk/internal/event"
)

// Sink collects pipeline output for assertions.
type Sink struct {
	mu     sync.Mutex
	events []event.Event
}

// Push appends an event; pass the method value as the pipeline output.
func (s *Sink) Push(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a snapshot of the collected events.
func (s *Sink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Notes returns just the note numbers, in emission order.
func (s *Sink) Notes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make([]int, len(s.events))
	for i, ev := range s.events {
		notes[i] = ev.Note
	}
	return notes
}

// Reset discards everything collected so far.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
