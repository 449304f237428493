package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

const speakerBufferSize = 50 * time.Millisecond

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func otoContext(rate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   speakerBufferSize,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx, otoRate = ctx, rate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != rate {
		return nil, fmt.Errorf("audio output already opened at %d Hz", otoRate)
	}
	return otoCtx, nil
}

// Speaker is an Output that plays a Mixer through the default sound device.
type Speaker struct {
	*Mixer
	logger shared.LoggerAdapter
	player *oto.Player
	buf    []float32
	once   sync.Once
}

func NewSpeaker(logger shared.LoggerAdapter, rate int) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	ctx, err := otoContext(rate)
	if err != nil {
		return nil, fmt.Errorf("opening speaker: %w", err)
	}
	s := &Speaker{
		Mixer:  NewMixer(rate),
		logger: logger.With(zap.String("component", "speaker")),
	}
	s.player = ctx.NewPlayer(s)
	s.player.Play()
	s.logger.Info("speaker opened", zap.Int("sampleRate", rate))
	return s, nil
}

// Read renders the mixer as little-endian float32 for the oto player.
func (s *Speaker) Read(p []byte) (int, error) {
	n := len(p) / 4
	if cap(s.buf) < n {
		s.buf = make([]float32, n)
	}
	buf := s.buf[:n]
	s.Mixer.Render(buf)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(p[4*i:], math.Float32bits(v))
	}
	return 4 * n, nil
}

func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.Mixer.Close()
		err = s.player.Close()
		s.logger.Info("speaker closed")
	})
	return err
}
