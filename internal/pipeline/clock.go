package pipeline

import "time"

// Clock supplies the pipeline's notion of now.
//
// Production uses the system clock; tests substitute a deterministic clock
// so timer-driven behavior (choke windows, replay playback, click
// generation) can be stepped without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
