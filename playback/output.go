package playback

import "time"

const DefaultSampleRate = 24000

// Voice is one scheduled buffer.
type Voice interface {
	// Stop halts the voice immediately. Stopping a finished or already
	// stopped voice is a no-op and never triggers its onEnded callback.
	Stop()
}

// Output is an audio device with a running clock. onEnded passed to Schedule
// is called once, from the output's own goroutine, when the voice finishes
// naturally.
type Output interface {
	Now() time.Duration
	SampleRate() int
	Schedule(samples []float32, at time.Duration, onEnded func()) Voice
	Suspend() error
	Resume() error
	Close() error
}
