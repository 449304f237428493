// Package mediadev captures the microphone through pion/mediadevices.
package mediadev

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-session/capture"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

const closeWait = time.Second

var ErrNoAudioTrack = errors.New("no audio track found in microphone stream")

type Device struct {
	logger shared.LoggerAdapter
}

func NewDevice(logger shared.LoggerAdapter) (*Device, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Device{logger: logger.With(zap.String("component", "mediadev"))}, nil
}

func (d *Device) Open(c capture.Constraints, process func([]float32)) (capture.Stream, error) {
	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.ChannelCount)
			mc.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, err
	}
	tracks := ms.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudioTrack
	}
	// extra tracks are never read
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, ErrNoAudioTrack
	}
	if c.EchoCancellation || c.NoiseSuppression {
		d.logger.Debug("echo cancellation and noise suppression are left to the driver")
	}

	s := &stream{
		logger: d.logger,
		track:  track,
		done:   make(chan struct{}),
	}
	s.rate.Store(int64(c.SampleRate))
	go s.read(track, capture.NewRechunker(process))
	d.logger.Info("microphone track opened", zap.String("id", track.ID()))
	return s, nil
}

type stream struct {
	logger shared.LoggerAdapter
	track  *mediadevices.AudioTrack
	rate   atomic.Int64
	done   chan struct{}
	once   sync.Once
}

func (s *stream) SampleRate() int {
	return int(s.rate.Load())
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.track.Close()
		select {
		case <-s.done:
		case <-time.After(closeWait):
			s.logger.Warn("microphone reader did not stop in time")
		}
	})
	return err
}

func (s *stream) read(track *mediadevices.AudioTrack, rc *capture.Rechunker) {
	defer close(s.done)
	reader := track.NewReader(false)
	var mono []float32
	for {
		chunk, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("reading from microphone track", err)
			}
			return
		}
		switch a := chunk.(type) {
		case *wave.Int16Interleaved:
			mono = monoFromInt16(mono[:0], a.Data, a.Size.Channels)
			if a.Size.SamplingRate > 0 {
				s.rate.Store(int64(a.Size.SamplingRate))
			}
		case *wave.Float32Interleaved:
			mono = monoFromFloat32(mono[:0], a.Data, a.Size.Channels)
			if a.Size.SamplingRate > 0 {
				s.rate.Store(int64(a.Size.SamplingRate))
			}
		default:
			s.logger.Warn("unsupported microphone sample format")
			mono = mono[:0]
		}
		release()
		rc.Write(mono)
	}
}

// monoFromInt16 keeps channel 0 of an interleaved buffer.
func monoFromInt16(dst []float32, data []int16, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	for i := 0; i < len(data); i += channels {
		dst = append(dst, float32(data[i])/32768)
	}
	return dst
}

func monoFromFloat32(dst []float32, data []float32, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	for i := 0; i < len(data); i += channels {
		dst = append(dst, data[i])
	}
	return dst
}
