package captions

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	due     time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock fires timers in due order when advanced.
type fakeClock struct {
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, fn func()) Stopper {
	t := &fakeTimer{due: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	target := c.now + d
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.due > target {
				continue
			}
			if next == nil || t.due < next.due {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.due
		next.fired = true
		next.fn()
	}
	c.now = target
}

func (c *fakeClock) live() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func newTestSequencer(t *testing.T) (*Sequencer, *fakeClock, *[]Frame) {
	t.Helper()
	clock := &fakeClock{}
	var frames []Frame
	s, err := NewSequencer(shared.NewNopLogger(), RendererFunc(func(f Frame) {
		frames = append(frames, f)
	}), WithAfterFunc(clock.after))
	require.NoError(t, err)
	return s, clock, &frames
}

func TestSplit(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 45)) + "."
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"sentences", "Hello there. How are you? Fine!", []string{"Hello there.", "How are you?", "Fine!"}},
		{"no punctuation", "  just words  ", []string{"just words"}},
		{"trailing fragment", "Done. and then", []string{"Done.", "and then"}},
		{"repeated punctuation", "Wait... what?!", []string{"Wait...", "what?!"}},
		{"empty", "   ", nil},
		{"long sentence", long, []string{
			strings.TrimSpace(strings.Repeat("word ", 20)),
			strings.TrimSpace(strings.Repeat("word ", 20)),
			"word word word word word.",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.text))
		})
	}
}

func TestDurations(t *testing.T) {
	got := Durations([]string{"hi", strings.Repeat("a", 30), "નમસ્તે"})
	assert.Equal(t, []time.Duration{MinDuration, 1200 * time.Millisecond, MinDuration}, got)
}

func TestSequencerPacesChunks(t *testing.T) {
	s, clock, frames := newTestSequencer(t)
	first := strings.Repeat("a", 24) + "."  // 25 runes -> 1s
	second := strings.Repeat("b", 49) + "." // 50 runes -> 2s
	s.Start(first + " " + second)

	f := s.Frame()
	assert.Equal(t, Frame{Text: first, Index: 0, Total: 2, Visible: true}, f)

	clock.advance(time.Second)
	assert.True(t, s.Frame().Exiting)
	assert.Equal(t, 0, s.Frame().Index)

	clock.advance(TransitionTime)
	f = s.Frame()
	assert.Equal(t, 1, f.Index)
	assert.Equal(t, second, f.Text)
	assert.False(t, f.Exiting)
	assert.False(t, f.Complete)

	clock.advance(2 * time.Second)
	assert.True(t, s.Frame().Complete)
	assert.True(t, s.Frame().Visible)

	// start, exit, show, complete
	assert.Len(t, *frames, 4)
}

func TestSequencerHideWaitsForCompletion(t *testing.T) {
	s, clock, _ := newTestSequencer(t)
	s.Start("Short one.") // 750ms
	s.HideAfter(100 * time.Millisecond)

	clock.advance(100 * time.Millisecond)
	assert.True(t, s.Frame().Visible)
	assert.False(t, s.Frame().Exiting)

	// retry at 600ms still incomplete, next retry at 1100ms
	clock.advance(1000 * time.Millisecond)
	assert.True(t, s.Frame().Complete)
	assert.True(t, s.Frame().Exiting)

	clock.advance(HideTransition)
	f := s.Frame()
	assert.False(t, f.Visible)
	assert.False(t, f.Exiting)
}

func TestSequencerHideWhenNothingShown(t *testing.T) {
	s, clock, frames := newTestSequencer(t)
	s.HideAfter(time.Second)
	clock.advance(2 * time.Second)
	assert.Empty(t, *frames)
	assert.False(t, s.Frame().Visible)
}

func TestSequencerResetCancelsTimers(t *testing.T) {
	s, clock, frames := newTestSequencer(t)
	s.Start("One. Two. Three.")
	s.HideAfter(time.Second)
	require.Greater(t, clock.live(), 0)

	s.Reset()
	assert.Equal(t, 0, clock.live())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, Frame{Index: -1}, s.Frame())

	n := len(*frames)
	clock.advance(10 * time.Second)
	assert.Len(t, *frames, n)
}

func TestSequencerStaleTimerIsIgnored(t *testing.T) {
	s, clock, _ := newTestSequencer(t)
	s.Start("First. Second.")
	stale := clock.timers[0]

	s.Start("Other.")
	// fire a timer that slipped past Stop
	stale.fn()
	f := s.Frame()
	assert.Equal(t, "Other.", f.Text)
	assert.False(t, f.Exiting)
}

func TestSequencerSorted(t *testing.T) {
	// timers are armed in non-decreasing due order
	s, clock, _ := newTestSequencer(t)
	s.Start("A b c. D e f. G h i.")
	dues := make([]time.Duration, 0, len(clock.timers))
	for _, tm := range clock.timers {
		dues = append(dues, tm.due)
	}
	assert.True(t, sort.SliceIsSorted(dues, func(i, j int) bool { return dues[i] < dues[j] }))
	assert.Equal(t, s.Pending(), len(clock.timers))
}

func TestSequencerBlankTextKeepsRunningSequence(t *testing.T) {
	s, clock, _ := newTestSequencer(t)
	s.Start("Hello there.")
	clock.advance(100 * time.Millisecond)
	armed := s.Pending()

	s.Start("   ")
	assert.Equal(t, armed, s.Pending())
	assert.Equal(t, "Hello there.", s.Frame().Text)

	s.HideAfter(time.Second)
	clock.advance(time.Minute)
	f := s.Frame()
	assert.True(t, f.Complete)
	assert.False(t, f.Visible)
	assert.Equal(t, 0, clock.live())
	assert.Equal(t, 0, s.Pending())
}

func TestSequencerFiredTimersAreReleased(t *testing.T) {
	s, clock, _ := newTestSequencer(t)
	s.Start("One. Two. Three.")
	require.Greater(t, s.Pending(), 0)

	clock.advance(time.Minute)
	assert.True(t, s.Frame().Complete)
	assert.Equal(t, 0, s.Pending())
}
