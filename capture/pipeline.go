package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/bt-bridge/voice-session/tools"
	"go.uber.org/zap"
)

const packetLogInterval = 100

// Pipeline drives one microphone stream into a Sink. The per-quantum path
// touches atomics only.
type Pipeline struct {
	logger      shared.LoggerAdapter
	device      Device
	sink        Sink
	constraints Constraints

	mu     sync.Mutex
	stream Stream

	running    atomic.Bool
	packets    atomic.Uint64
	sampleRate atomic.Int64
}

func NewPipeline(logger shared.LoggerAdapter, device Device, sink Sink, c Constraints) (*Pipeline, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if device == nil {
		return nil, shared.ErrNoDevice
	}
	if sink == nil {
		return nil, shared.ErrNoSink
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ChannelCount <= 0 {
		c.ChannelCount = 1
	}
	p := &Pipeline{
		logger:      logger.With(zap.String("component", "capture")),
		device:      device,
		sink:        sink,
		constraints: c,
	}
	p.sampleRate.Store(int64(c.SampleRate))
	return p, nil
}

// Start opens the microphone. A failure is returned as *shared.MicrophoneError
// and leaves the pipeline stopped. Starting a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &shared.MicrophoneError{Err: err}
	}

	p.packets.Store(0)
	p.running.Store(true)
	stream, err := p.device.Open(p.constraints, p.process)
	if err != nil {
		p.running.Store(false)
		p.logger.Error("opening microphone", err)
		return &shared.MicrophoneError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		p.running.Store(false)
		_ = stream.Close()
		return &shared.MicrophoneError{Err: err}
	}
	p.stream = stream
	if rate := stream.SampleRate(); rate > 0 {
		p.sampleRate.Store(int64(rate))
	}
	p.logger.Info("microphone started", zap.Int64("sampleRate", p.sampleRate.Load()))
	return nil
}

// Stop releases the microphone. Safe to call when already stopped.
func (p *Pipeline) Stop() error {
	p.running.Store(false)
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream == nil {
		return nil
	}
	err := stream.Close()
	if err != nil {
		p.logger.Error("closing microphone", err)
	}
	p.logger.Info("microphone stopped", zap.Uint64("packets", p.packets.Load()))
	return err
}

func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Packets is the number of frames handed to the sink since the last Start.
func (p *Pipeline) Packets() uint64 {
	return p.packets.Load()
}

func (p *Pipeline) SampleRate() int {
	return int(p.sampleRate.Load())
}

func (p *Pipeline) process(quantum []float32) {
	if !p.running.Load() {
		return
	}
	frame := tools.Float32ToPCM16(make([]byte, 2*len(quantum)), quantum)
	if !p.sink.SendAudio(frame) {
		return
	}
	if n := p.packets.Add(1); n%packetLogInterval == 0 {
		p.logger.Trace("audio frames sent", zap.Uint64("packets", n))
	}
}
