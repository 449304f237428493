package playback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/bt-bridge/voice-session/tools"
	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"go.uber.org/zap"
)

const (
	FallbackGreetingLanguage = "gu-IN"

	greetingSlack = 2 * time.Second
)

// Greeter plays a short pre-recorded clip per language from <dir>/<lang>.mp3.
type Greeter struct {
	logger shared.LoggerAdapter
	dir    string
	out    Output
}

func NewGreeter(logger shared.LoggerAdapter, dir string, out Output) (*Greeter, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if out == nil {
		return nil, shared.ErrNoOutput
	}
	return &Greeter{
		logger: logger.With(zap.String("component", "greeter")),
		dir:    dir,
		out:    out,
	}, nil
}

// Path returns the clip for lang, or the fallback language clip when lang
// has none.
func (g *Greeter) Path(lang string) string {
	p := filepath.Join(g.dir, lang+".mp3")
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return filepath.Join(g.dir, FallbackGreetingLanguage+".mp3")
	}
	return p
}

// Play blocks until the greeting ends, ctx is done or playback fails.
func (g *Greeter) Play(ctx context.Context, lang string) error {
	samples, err := g.load(g.Path(lang))
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	done := make(chan struct{})
	v := g.out.Schedule(samples, g.out.Now(), func() { close(done) })
	dur := tools.SamplesDuration(len(samples), g.out.SampleRate())
	g.logger.Debug("playing greeting", zap.String("language", lang), zap.Duration("duration", dur))

	timer := time.NewTimer(dur + greetingSlack)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		v.Stop()
		return nil
	case <-ctx.Done():
		v.Stop()
		return ctx.Err()
	}
}

func (g *Greeter) load(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening greeting: %w", err)
	}
	streamer, format, err := mp3.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decoding greeting: %w", err)
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if rate := beep.SampleRate(g.out.SampleRate()); format.SampleRate != rate {
		s = beep.Resample(4, format.SampleRate, rate, streamer)
	}
	return drain(s)
}

// drain reads a stereo streamer to the end as mono samples.
func drain(s beep.Streamer) ([]float32, error) {
	var out []float32
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, float32((frame[0]+frame[1])/2))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("decoding greeting: %w", err)
	}
	return out, nil
}
