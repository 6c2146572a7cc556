package policy

import (
	"time"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Channels for reference-output emissions. Errors go out on the last MIDI
// channel so listeners can filter them from the click.
const (
	clickChannel = 9
	errorChannel = 15
)

// TimeCheck emits a reference click at a fixed interval and grades hits on
// the control notes against it. A hit within accept_range of the nearest
// click is on time; within max_diff it earns an error note (early or late)
// on the reference output after a short delay; beyond max_diff it is an
// outlier and never influences calibration.
type TimeCheck struct {
	host pipeline.Host

	control   map[int]bool
	interval  time.Duration // play_interval; <= 0 disables the click
	clickNote int
	clickVel  int

	acceptRange time.Duration
	maxDiff     time.Duration
	delay       time.Duration
	errEarly    int
	errLate     int
	errVel      int // negative: reuse the hit's velocity
	drop        bool
	auto        bool

	calib *calibrator

	// Click cursor. The next click is always scheduled at the previous
	// nominal time plus the interval, so scheduling jitter cannot drift
	// the grid.
	lastClick time.Time
	nextClick time.Time
}

// NewTimeCheck builds the timing policy from its configuration section.
func NewTimeCheck(cfg config.TimeConfig) (*TimeCheck, error) {
	t := &TimeCheck{
		control:     make(map[int]bool, len(cfg.Control)),
		interval:    time.Duration(cfg.PlayInterval) * time.Millisecond,
		clickNote:   cfg.ClickNote,
		clickVel:    cfg.ClickVelocity,
		acceptRange: time.Duration(cfg.AcceptRange) * time.Millisecond,
		maxDiff:     time.Duration(cfg.MaxDiff) * time.Millisecond,
		delay:       time.Duration(cfg.Delay) * time.Millisecond,
		errEarly:    cfg.ErrorEarly,
		errLate:     cfg.ErrorLate,
		errVel:      cfg.ErrorVelocity,
		drop:        cfg.Drop,
		auto:        cfg.AutoCalibration,
		calib:       newCalibrator(time.Duration(cfg.Calibration) * time.Millisecond),
	}
	for _, n := range cfg.Control {
		if !event.ValidNote(n) {
			return nil, config.NewConfigError("time", "control", "invalid note %d", n)
		}
		t.control[n] = true
	}
	if t.maxDiff < t.acceptRange {
		return nil, config.NewConfigError("time", "max_diff", "must be >= accept_range (%d < %d)", cfg.MaxDiff, cfg.AcceptRange)
	}
	return t, nil
}

// Name implements pipeline.Policy.
func (t *TimeCheck) Name() string { return "time" }

// Attach implements pipeline.Attacher and starts the click.
func (t *TimeCheck) Attach(h pipeline.Host) {
	t.host = h
	if t.interval <= 0 {
		return
	}
	t.nextClick = h.Clock().Now().Add(t.interval)
	h.Schedule(t.nextClick, t.tick)
}

// tick emits one click to the reference output and advances the cursor.
func (t *TimeCheck) tick(now time.Time) {
	t.host.EmitRef(event.Event{
		Note: t.clickNote, Velocity: t.clickVel, Channel: clickChannel,
		Kind: event.NoteOn, Time: now,
	})
	t.host.EmitRef(event.Event{
		Note: t.clickNote, Channel: clickChannel,
		Kind: event.NoteOff, Time: now,
	})
	t.lastClick = t.nextClick
	t.nextClick = t.nextClick.Add(t.interval)
	t.host.Schedule(t.nextClick, t.tick)
}

// Process implements pipeline.Policy.
func (t *TimeCheck) Process(ev event.Event) ([]event.Event, error) {
	if !ev.IsNoteOn() || !t.control[ev.Note] {
		return []event.Event{ev}, nil
	}

	nearest, ok := t.nearestClick(ev.Time)
	if !ok {
		// No click heard yet; nothing to grade against.
		return []event.Event{ev}, nil
	}

	dev := ev.Time.Sub(nearest) - t.calib.Offset()
	adev := dev
	if adev < 0 {
		adev = -adev
	}

	switch {
	case adev <= t.acceptRange:
		// On time. Accepted-but-nonzero deviations feed calibration.
		if t.auto && dev != 0 {
			t.calib.Update(dev)
		}
	case adev <= t.maxDiff:
		t.emitError(ev, dev)
		if t.drop {
			return nil, nil
		}
	default:
		// Outlier: never calibrates, never earns an error note.
		if t.drop {
			return nil, nil
		}
	}
	return []event.Event{ev}, nil
}

// nearestClick returns the click timestamp closest to at, considering the
// previous click and the upcoming cursor position.
func (t *TimeCheck) nearestClick(at time.Time) (time.Time, bool) {
	if t.lastClick.IsZero() {
		return time.Time{}, false
	}
	if t.nextClick.IsZero() {
		return t.lastClick, true
	}
	past := at.Sub(t.lastClick)
	ahead := t.nextClick.Sub(at)
	if ahead < past {
		return t.nextClick, true
	}
	return t.lastClick, true
}

// emitError schedules the early/late indicator note on the reference
// output after the configured delay, so it does not collide audibly with
// the click.
func (t *TimeCheck) emitError(ev event.Event, dev time.Duration) {
	note := t.errLate
	if dev < 0 {
		note = t.errEarly
	}
	vel := t.errVel
	if vel < 0 {
		vel = ev.Velocity
	}
	hostLog(t.host).Debug("timing off", "note", ev.Note, "deviation", dev, "indicator", note)
	t.host.Schedule(ev.Time.Add(t.delay), func(now time.Time) {
		t.host.EmitRef(event.Event{
			Note: note, Velocity: vel, Channel: errorChannel,
			Kind: event.NoteOn, Time: now,
		})
		t.host.EmitRef(event.Event{
			Note: note, Channel: errorChannel,
			Kind: event.NoteOff, Time: now,
		})
	})
}

// calibWindow bounds the moving average feeding auto-calibration.
const calibWindow = 32

// calibrator maintains the calibration offset: the configured seed plus a
// bounded moving average of accepted deviations. A bounded window was
// chosen over a cumulative average so the offset keeps tracking slow drift;
// the averaging policy is isolated here and easy to swap.
type calibrator struct {
	seed    time.Duration
	history []time.Duration
	idx     int
	sum     time.Duration
}

func newCalibrator(seed time.Duration) *calibrator {
	return &calibrator{seed: seed}
}

// Offset returns the current calibration offset.
func (c *calibrator) Offset() time.Duration {
	if len(c.history) == 0 {
		return c.seed
	}
	return c.seed + c.sum/time.Duration(len(c.history))
}

// Update folds one accepted deviation into the moving average.
func (c *calibrator) Update(dev time.Duration) {
	if len(c.history) < calibWindow {
		c.history = append(c.history, dev)
		c.sum += dev
		return
	}
	c.sum += dev - c.history[c.idx]
	c.history[c.idx] = dev
	c.idx = (c.idx + 1) % calibWindow
}
