// Package miniaudio captures the microphone through miniaudio (malgo).
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/bt-bridge/voice-session/capture"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

type Device struct {
	logger shared.LoggerAdapter
}

func NewDevice(logger shared.LoggerAdapter) (*Device, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Device{logger: logger.With(zap.String("component", "miniaudio"))}, nil
}

// Open starts a realtime-priority capture device with a period of one
// quantum. The output buffer is zeroed on every callback so the device is a
// tap, never a monitor.
func (d *Device) Open(c capture.Constraints, process func([]float32)) (capture.Stream, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, func(message string) {
		d.logger.Debug("miniaudio", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(c.ChannelCount)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInFrames = capture.QuantumFrames

	channels := max(c.ChannelCount, 1)
	rc := capture.NewRechunker(process)
	scratch := make([]float32, 0, 4*capture.QuantumFrames)
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, in []byte, frames uint32) {
			clear(out)
			scratch = decodeF32Mono(scratch[:0], in, channels)
			rc.Write(scratch)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	d.logger.Info("capture device started", zap.Uint32("sampleRate", device.SampleRate()))
	return &stream{ctx: mctx, device: device, rate: int(device.SampleRate())}, nil
}

type stream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int
	once   sync.Once
}

func (s *stream) SampleRate() int {
	return s.rate
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.device.Stop()
		s.device.Uninit()
		if uerr := s.ctx.Uninit(); err == nil {
			err = uerr
		}
		s.ctx.Free()
	})
	return err
}

// decodeF32Mono keeps channel 0 of interleaved little-endian float32 frames.
func decodeF32Mono(dst []float32, in []byte, channels int) []float32 {
	stride := 4 * channels
	for i := 0; i+4 <= len(in); i += stride {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(in[i:])))
	}
	return dst
}
