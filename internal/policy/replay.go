package policy

import (
	"time"

	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/event"
	"github.com/padwerk/xtalk/internal/pipeline"
)

type replayMode int

const (
	replayIdle replayMode = iota
	replayRecording
	replayPlaying
)

// Replay records incoming events into an in-memory take and plays it back
// through the remainder of the chain at the original relative offsets.
//
// Transitions are driven only by note on events on the configured record
// and play notes: record toggles Idle<->Recording, play toggles
// Idle<->Playing. The take lives for the process lifetime and is cleared
// each time a new recording starts.
type Replay struct {
	host pipeline.Host

	record          map[int]bool
	play            map[int]bool
	loop            bool
	pass            bool
	playStopsRecord bool

	mode     replayMode
	take     []recordedEvent
	length   time.Duration // recording span, keeps the loop gap
	recStart time.Time     // zero until the first captured event

	timers []pipeline.TimerID // pending playback emissions
}

type recordedEvent struct {
	ev     event.Event
	offset time.Duration // from recording start
}

// NewReplay builds the replay policy from its configuration section.
func NewReplay(cfg config.ReplayConfig) (*Replay, error) {
	r := &Replay{
		record:          make(map[int]bool, len(cfg.Record)),
		play:            make(map[int]bool, len(cfg.Play)),
		loop:            cfg.Loop,
		pass:            cfg.Pass,
		playStopsRecord: cfg.PlayStopsRecord,
	}
	for _, n := range cfg.Record {
		if !event.ValidNote(n) {
			return nil, config.NewConfigError("replay", "record", "invalid note %d", n)
		}
		r.record[n] = true
	}
	for _, n := range cfg.Play {
		if !event.ValidNote(n) {
			return nil, config.NewConfigError("replay", "play", "invalid note %d", n)
		}
		if r.record[n] {
			return nil, config.NewConfigError("replay", "play", "note %d is also a record note", n)
		}
		r.play[n] = true
	}
	return r, nil
}

// Name implements pipeline.Policy.
func (r *Replay) Name() string { return "replay" }

// Attach implements pipeline.Attacher.
func (r *Replay) Attach(h pipeline.Host) { r.host = h }

// Playing reports whether a take is currently being played back.
func (r *Replay) Playing() bool { return r.mode == replayPlaying }

// Recording reports whether a take is currently being recorded.
func (r *Replay) Recording() bool { return r.mode == replayRecording }

// Process implements pipeline.Policy.
func (r *Replay) Process(ev event.Event) ([]event.Event, error) {
	if ev.IsNoteOn() && r.record[ev.Note] {
		switch r.mode {
		case replayRecording:
			r.stopRecording(ev.Time)
		case replayPlaying:
			r.stopPlayback()
			r.startRecording()
		default:
			r.startRecording()
		}
		return r.controlResult(ev), nil
	}

	if ev.IsNoteOn() && r.play[ev.Note] {
		switch r.mode {
		case replayPlaying:
			r.stopPlayback()
		case replayRecording:
			if r.playStopsRecord {
				r.stopRecording(ev.Time)
				r.startPlayback(ev.Time)
			}
		default:
			r.startPlayback(ev.Time)
		}
		return r.controlResult(ev), nil
	}

	if r.mode == replayRecording {
		if r.recStart.IsZero() {
			r.recStart = ev.Time
		}
		r.take = append(r.take, recordedEvent{ev: ev, offset: ev.Time.Sub(r.recStart)})
	}
	return []event.Event{ev}, nil
}

// controlResult forwards or swallows a record/play control note per pass.
func (r *Replay) controlResult(ev event.Event) []event.Event {
	if r.pass {
		return []event.Event{ev}
	}
	return nil
}

func (r *Replay) startRecording() {
	hostLog(r.host).Debug("replay: recording")
	r.take = nil
	r.length = 0
	r.recStart = time.Time{}
	r.mode = replayRecording
}

func (r *Replay) stopRecording(now time.Time) {
	r.mode = replayIdle
	if len(r.take) > 0 {
		r.length = now.Sub(r.recStart)
	}
	hostLog(r.host).Debug("replay: recording stopped", "events", len(r.take))
}

func (r *Replay) startPlayback(now time.Time) {
	if len(r.take) == 0 || r.host == nil {
		return
	}
	hostLog(r.host).Debug("replay: playing", "events", len(r.take), "loop", r.loop)
	r.mode = replayPlaying
	r.scheduleIteration(now)
}

// scheduleIteration schedules one pass over the take plus a completion
// timer at the take's full length, which restarts the loop or returns to
// Idle. Using the recorded span (not the last event's offset) preserves the
// gap between loop iterations.
func (r *Replay) scheduleIteration(start time.Time) {
	end := r.length
	for _, rec := range r.take {
		rec := rec
		if rec.offset > end {
			end = rec.offset
		}
		id := r.host.Schedule(start.Add(rec.offset), func(now time.Time) {
			r.host.Emit(rec.ev.WithTime(now))
		})
		r.timers = append(r.timers, id)
	}
	done := r.host.Schedule(start.Add(end), func(now time.Time) {
		r.timers = r.timers[:0]
		if r.loop {
			r.scheduleIteration(now)
		} else {
			r.mode = replayIdle
		}
	})
	r.timers = append(r.timers, done)
}

// stopPlayback cancels every pending emission immediately.
func (r *Replay) stopPlayback() {
	hostLog(r.host).Debug("replay: playback stopped", "pending", len(r.timers))
	for _, id := range r.timers {
		r.host.Cancel(id)
	}
	r.timers = nil
	r.mode = replayIdle
}
