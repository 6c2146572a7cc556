package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schedEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	s := NewScheduler()

	var fired []string
	s.Schedule(schedEpoch.Add(30*time.Millisecond), func(time.Time) { fired = append(fired, "c") })
	s.Schedule(schedEpoch.Add(10*time.Millisecond), func(time.Time) { fired = append(fired, "a") })
	s.Schedule(schedEpoch.Add(20*time.Millisecond), func(time.Time) { fired = append(fired, "b") })

	n := s.Fire(schedEpoch.Add(30 * time.Millisecond))
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_EqualDeadlinesFireFIFO(t *testing.T) {
	s := NewScheduler()
	at := schedEpoch.Add(5 * time.Millisecond)

	var fired []int
	for i := 1; i <= 4; i++ {
		i := i
		s.Schedule(at, func(time.Time) { fired = append(fired, i) })
	}

	s.Fire(at)
	assert.Equal(t, []int{1, 2, 3, 4}, fired)
}

func TestScheduler_FireSkipsFuture(t *testing.T) {
	s := NewScheduler()

	fired := 0
	s.Schedule(schedEpoch.Add(10*time.Millisecond), func(time.Time) { fired++ })
	s.Schedule(schedEpoch.Add(50*time.Millisecond), func(time.Time) { fired++ })

	n := s.Fire(schedEpoch.Add(10 * time.Millisecond))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()

	fired := false
	id := s.Schedule(schedEpoch.Add(10*time.Millisecond), func(time.Time) { fired = true })

	require.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id), "second cancel must report nothing to cancel")

	s.Fire(schedEpoch.Add(time.Second))
	assert.False(t, fired, "cancelled timer must not fire")
}

func TestScheduler_CancelAfterFire(t *testing.T) {
	s := NewScheduler()

	id := s.Schedule(schedEpoch.Add(10*time.Millisecond), func(time.Time) {})
	s.Fire(schedEpoch.Add(10 * time.Millisecond))

	assert.False(t, s.Cancel(id))
}

func TestScheduler_NextDue(t *testing.T) {
	s := NewScheduler()

	_, ok := s.NextDue()
	assert.False(t, ok)

	s.Schedule(schedEpoch.Add(20*time.Millisecond), func(time.Time) {})
	s.Schedule(schedEpoch.Add(10*time.Millisecond), func(time.Time) {})

	at, ok := s.NextDue()
	require.True(t, ok)
	assert.Equal(t, schedEpoch.Add(10*time.Millisecond), at)
}

func TestScheduler_CallbackMaySchedule(t *testing.T) {
	s := NewScheduler()

	var fired []string
	s.Schedule(schedEpoch.Add(10*time.Millisecond), func(now time.Time) {
		fired = append(fired, "first")
		s.Schedule(now.Add(10*time.Millisecond), func(time.Time) {
			fired = append(fired, "second")
		})
	})

	// The chained timer is not due yet at the first firing time.
	s.Fire(schedEpoch.Add(10 * time.Millisecond))
	assert.Equal(t, []string{"first"}, fired)

	s.Fire(schedEpoch.Add(20 * time.Millisecond))
	assert.Equal(t, []string{"first", "second"}, fired)
}

func TestScheduler_WakeOnNewEarliest(t *testing.T) {
	s := NewScheduler()

	s.Schedule(schedEpoch.Add(time.Hour), func(time.Time) {})
	drain(s.Wake())

	// A later deadline must not wake the loop.
	s.Schedule(schedEpoch.Add(2*time.Hour), func(time.Time) {})
	select {
	case <-s.Wake():
		t.Fatal("later deadline must not signal wake")
	default:
	}

	// An earlier one must.
	s.Schedule(schedEpoch.Add(time.Minute), func(time.Time) {})
	select {
	case <-s.Wake():
	default:
		t.Fatal("earlier deadline must signal wake")
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
