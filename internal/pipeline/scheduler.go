package pipeline

import (
	"container/heap"
	"sync"
	"time"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID int64

// Scheduler is a cancellable min-heap timer facility shared by all policies.
//
// Policies enqueue "run callback C at time T"; the pipeline Run loop pops
// due timers and runs their callbacks on the dispatch goroutine, so
// callbacks get the same state-access guarantees as direct dispatch.
//
// Enqueuing and cancelling are safe from any goroutine. Fire must only be
// called from the goroutine that owns dispatch.
type Scheduler struct {
	mu     sync.Mutex
	timers timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
	wake   chan struct{} // signals the Run loop that an earlier deadline exists
}

type timer struct {
	id    TimerID
	at    time.Time
	fn    func(now time.Time)
	index int // heap index
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		byID: make(map[TimerID]*timer),
		wake: make(chan struct{}, 1),
	}
}

// Schedule registers fn to run at time at and returns its id.
func (s *Scheduler) Schedule(at time.Time, fn func(now time.Time)) TimerID {
	s.mu.Lock()
	s.nextID++
	t := &timer{id: s.nextID, at: at, fn: fn}
	heap.Push(&s.timers, t)
	s.byID[t.id] = t
	earliest := s.timers[0] == t
	s.mu.Unlock()

	if earliest {
		// Non-blocking - a buffered signal of 1 coalesces multiple wakes.
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return t.id
}

// Cancel removes a pending timer. Returns false if the timer already fired
// or was cancelled before; firing after cancellation is a no-op either way.
func (s *Scheduler) Cancel(id TimerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.timers, t.index)
	delete(s.byID, id)
	return true
}

// NextDue returns the earliest pending deadline.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].at, true
}

// Wake returns a channel signalled whenever a newly scheduled timer becomes
// the earliest deadline. The Run loop selects on it to re-arm its wait.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

// Fire runs every timer due at now and returns how many fired.
//
// Callbacks run without the scheduler lock held, so they may schedule or
// cancel further timers. Must be called from the dispatch goroutine.
func (s *Scheduler) Fire(now time.Time) int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].at.After(now) {
			s.mu.Unlock()
			return fired
		}
		t := heap.Pop(&s.timers).(*timer)
		delete(s.byID, t.id)
		s.mu.Unlock()

		t.fn(now)
		fired++
	}
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// timerHeap orders timers by deadline, ties broken by scheduling order so
// two emissions scheduled for the same instant fire in FIFO order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
