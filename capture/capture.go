// Package capture turns microphone input into fixed-size outbound PCM frames.
package capture

const (
	// QuantumFrames is the number of frames handed to the processing callback
	// per invocation.
	QuantumFrames = 128

	DefaultSampleRate = 16000
)

// Constraints describe the microphone stream requested from a Device.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
}

func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       DefaultSampleRate,
		ChannelCount:     1,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Device opens a microphone. The process callback is invoked from the
// device's audio thread with exactly QuantumFrames mono samples; the slice is
// only valid for the duration of the call. Open must release anything it
// acquired before returning an error.
type Device interface {
	Open(c Constraints, process func(quantum []float32)) (Stream, error)
}

// Stream is an open microphone.
type Stream interface {
	SampleRate() int
	Close() error
}

// Sink receives encoded frames. Ownership of frame passes to the sink.
type Sink interface {
	SendAudio(frame []byte) bool
}
