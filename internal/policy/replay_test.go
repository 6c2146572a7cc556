package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padwerk/xtalk/internal/config"
)

func newReplayUnderTest(t *testing.T, cfg config.ReplayConfig) (*Replay, *testHost) {
	t.Helper()
	r, err := NewReplay(cfg)
	require.NoError(t, err)
	h := newTestHost()
	r.Attach(h)
	return r, h
}

// recordTake records three hits at offsets 0, 100 and 250ms into a 400ms
// take, leaving the policy idle again.
func recordTake(t *testing.T, r *Replay, h *testHost) {
	t.Helper()

	_, err := r.Process(h.noteOn(48, 100)) // start recording
	require.NoError(t, err)
	require.True(t, r.Recording())

	h.advance(10 * time.Millisecond)
	_, err = r.Process(h.noteOn(38, 90))
	require.NoError(t, err)
	h.advance(100 * time.Millisecond)
	_, err = r.Process(h.noteOn(40, 80))
	require.NoError(t, err)
	h.advance(150 * time.Millisecond)
	_, err = r.Process(h.noteOn(42, 70))
	require.NoError(t, err)

	h.advance(150 * time.Millisecond)
	_, err = r.Process(h.noteOn(48, 100)) // stop recording
	require.NoError(t, err)
	require.False(t, r.Recording())
}

func TestReplay_RecordedEventsStillPassThrough(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Pass: false, PlayStopsRecord: true,
	})

	_, err := r.Process(h.noteOn(48, 100))
	require.NoError(t, err)

	out, err := r.Process(h.noteOn(38, 90))
	require.NoError(t, err)
	require.Len(t, out, 1, "recording observes, it does not consume")
	assert.Equal(t, 38, out[0].Note)
}

func TestReplay_ControlNotesFollowPass(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Pass: false, PlayStopsRecord: true,
	})
	out, err := r.Process(h.noteOn(48, 100))
	require.NoError(t, err)
	assert.Empty(t, out, "pass off consumes the control note")

	r, h = newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Pass: true, PlayStopsRecord: true,
	})
	out, err = r.Process(h.noteOn(48, 100))
	require.NoError(t, err)
	assert.Len(t, out, 1, "pass on forwards the control note")
}

func TestReplay_PlaybackReproducesOffsets(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: false, Pass: false, PlayStopsRecord: true,
	})
	recordTake(t, r, h)

	h.advance(time.Second)
	start := h.clock.Now()
	_, err := r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	require.True(t, r.Playing())

	// First event sits at offset zero: due the moment playback starts.
	h.advance(0)
	require.Equal(t, []int{38}, h.emitted.Notes())
	assert.Equal(t, start, h.emitted.Events()[0].Time, "emission is re-stamped at fire time")

	h.advance(100 * time.Millisecond)
	assert.Equal(t, []int{38, 40}, h.emitted.Notes())

	h.advance(150 * time.Millisecond)
	assert.Equal(t, []int{38, 40, 42}, h.emitted.Notes())

	// The take is 400ms long; playback ends there, not at the last event.
	h.advance(100 * time.Millisecond)
	assert.Equal(t, 3, len(h.emitted.Notes()))
	h.advance(50 * time.Millisecond)
	assert.False(t, r.Playing(), "single-shot playback returns to idle")
}

func TestReplay_LoopRestartsAfterFullLength(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: true, Pass: false, PlayStopsRecord: true,
	})
	recordTake(t, r, h)

	_, err := r.Process(h.noteOn(45, 100))
	require.NoError(t, err)

	// One full iteration plus the loop restart at 400ms, whose offset-zero
	// event fires immediately.
	h.advance(400 * time.Millisecond)
	assert.Equal(t, []int{38, 40, 42, 38}, h.emitted.Notes())
	assert.True(t, r.Playing())

	h.advance(100 * time.Millisecond)
	assert.Equal(t, []int{38, 40, 42, 38, 40}, h.emitted.Notes())
}

func TestReplay_PlayWhilePlayingStops(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: true, Pass: false, PlayStopsRecord: true,
	})
	recordTake(t, r, h)

	_, err := r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	h.advance(0)
	require.Equal(t, []int{38}, h.emitted.Notes())

	h.advance(50 * time.Millisecond)
	_, err = r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	assert.False(t, r.Playing())

	// Nothing pending survives the stop.
	h.advance(time.Second)
	assert.Equal(t, []int{38}, h.emitted.Notes())
}

func TestReplay_PlayStopsRecordingAndStartsPlayback(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: false, Pass: false, PlayStopsRecord: true,
	})

	_, err := r.Process(h.noteOn(48, 100))
	require.NoError(t, err)
	h.advance(10 * time.Millisecond)
	_, err = r.Process(h.noteOn(38, 90))
	require.NoError(t, err)

	h.advance(90 * time.Millisecond)
	_, err = r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	assert.False(t, r.Recording())
	assert.True(t, r.Playing())

	h.advance(0)
	assert.Equal(t, []int{38}, h.emitted.Notes())
}

func TestReplay_PlayDuringRecordingIgnoredWhenDisabled(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: false, Pass: false, PlayStopsRecord: false,
	})

	_, err := r.Process(h.noteOn(48, 100))
	require.NoError(t, err)
	_, err = r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	assert.True(t, r.Recording(), "recording keeps going")
	assert.False(t, r.Playing())
}

func TestReplay_RecordWhilePlayingStartsFreshTake(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: true, Pass: false, PlayStopsRecord: true,
	})
	recordTake(t, r, h)

	_, err := r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	h.advance(0)
	require.Equal(t, []int{38}, h.emitted.Notes())

	_, err = r.Process(h.noteOn(48, 100))
	require.NoError(t, err)
	assert.True(t, r.Recording())

	// The old take's pending emissions were cancelled with the playback.
	h.advance(time.Second)
	assert.Equal(t, []int{38}, h.emitted.Notes())
}

func TestReplay_PlayWithEmptyTakeIsANoOp(t *testing.T) {
	r, h := newReplayUnderTest(t, config.ReplayConfig{
		Record: []int{48}, Play: []int{45}, Loop: true, Pass: false, PlayStopsRecord: true,
	})

	_, err := r.Process(h.noteOn(45, 100))
	require.NoError(t, err)
	assert.False(t, r.Playing())
	h.advance(time.Second)
	assert.Empty(t, h.emitted.Notes())
}

func TestNewReplay_RejectsOverlappingControlNotes(t *testing.T) {
	_, err := NewReplay(config.ReplayConfig{Record: []int{48}, Play: []int{48}})
	assert.True(t, config.IsConfigError(err))

	_, err = NewReplay(config.ReplayConfig{Record: []int{200}})
	assert.True(t, config.IsConfigError(err))
}
