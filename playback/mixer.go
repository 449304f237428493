package playback

import (
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/voice-session/tools"
)

// Mixer sums scheduled voices into mono float32 blocks. Its clock is the
// number of frames rendered so far. Render is driven by the output device;
// Suspend holds the clock and renders silence.
type Mixer struct {
	rate int

	mu        sync.Mutex
	frame     int64
	voices    []*mixVoice
	suspended bool
	closed    bool
}

type mixVoice struct {
	m       *Mixer
	samples []float32
	start   int64
	onEnded func()
}

func NewMixer(rate int) *Mixer {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Mixer{rate: rate}
}

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tools.SamplesDuration(int(m.frame), m.rate)
}

func (m *Mixer) SampleRate() int {
	return m.rate
}

// Schedule positions samples at the frame nearest to at. A start in the past
// plays from the current frame.
func (m *Mixer) Schedule(samples []float32, at time.Duration, onEnded func()) Voice {
	v := &mixVoice{m: m, samples: samples, onEnded: onEnded}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.start = max(tools.DurationFrames(at, m.rate), m.frame)
	if !m.closed {
		m.voices = append(m.voices, v)
	}
	return v
}

// Render fills dst with the next len(dst) frames and advances the clock.
func (m *Mixer) Render(dst []float32) {
	clear(dst)
	m.mu.Lock()
	if m.suspended || m.closed {
		m.mu.Unlock()
		return
	}
	from := m.frame
	to := from + int64(len(dst))
	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			dst[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	m.frame = to
	m.mu.Unlock()

	for i, s := range dst {
		dst[i] = min(max(s, -1), 1)
	}
	for _, fn := range ended {
		fn()
	}
}

// Active is the number of voices not yet finished or stopped.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

func (m *Mixer) Suspend() error {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
	return nil
}

func (m *Mixer) Resume() error {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
	return nil
}

// Close drops every voice without calling onEnded.
func (m *Mixer) Close() error {
	m.mu.Lock()
	m.closed = true
	clear(m.voices)
	m.voices = nil
	m.mu.Unlock()
	return nil
}

func (v *mixVoice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.voices {
		if other == v {
			m.voices = slices.Delete(m.voices, i, i+1)
			return
		}
	}
}
