package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/bt-bridge/voice-session/tools"
	"go.uber.org/zap"
)

// Scheduler places decoded chunks back to back on an Output. Each chunk
// starts at max(next, now) and pushes next forward by its own length. next
// is kept in frames so that long turns never drift off the output's frame
// grid.
type Scheduler struct {
	logger shared.LoggerAdapter
	out    Output

	mu   sync.Mutex
	next int64
	seq  uint64
	live map[uint64]Voice

	chunks atomic.Uint64
}

func NewScheduler(logger shared.LoggerAdapter, out Output) (*Scheduler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if out == nil {
		return nil, shared.ErrNoOutput
	}
	return &Scheduler{
		logger: logger.With(zap.String("component", "playback")),
		out:    out,
		live:   make(map[uint64]Voice),
	}, nil
}

// Enqueue schedules raw 16-bit PCM. A trailing odd byte is dropped. It
// reports false when the chunk holds no complete sample.
func (s *Scheduler) Enqueue(pcm []byte) (time.Duration, bool) {
	samples := tools.PCM16ToFloat32(pcm)
	if len(samples) == 0 {
		return 0, false
	}
	rate := s.out.SampleRate()

	s.mu.Lock()
	defer s.mu.Unlock()
	frame := max(s.next, tools.DurationFrames(s.out.Now(), rate))
	s.next = frame + int64(len(samples))
	start := tools.SamplesDuration(int(frame), rate)
	id := s.seq
	s.seq++
	s.live[id] = s.out.Schedule(samples, start, func() { s.finished(id) })
	return start, true
}

// EnqueuePayload decodes an inbound audio string, strips a WAV header and
// schedules the PCM. Decode failures are returned as *shared.DecodeError.
func (s *Scheduler) EnqueuePayload(raw string) (time.Duration, error) {
	b, err := DecodePayload(raw)
	if err != nil {
		return 0, err
	}
	s.chunks.Add(1)
	pcm := tools.StripWAVHeader(b)
	start, ok := s.Enqueue(pcm)
	if !ok {
		s.logger.Trace("chunk without complete samples", zap.Int("bytes", len(pcm)))
		return s.NextStartTime(), nil
	}
	return start, nil
}

func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// StopAll halts every tracked voice at once.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := make([]Voice, 0, len(s.live))
	for id, v := range s.live {
		voices = append(voices, v)
		delete(s.live, id)
	}
	s.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		s.logger.Debug("playback flushed", zap.Int("voices", len(voices)))
	}
}

// Reset re-anchors the next start time to the frame nearest to clock.
func (s *Scheduler) Reset(clock time.Duration) {
	frame := tools.DurationFrames(clock, s.out.SampleRate())
	s.mu.Lock()
	s.next = frame
	s.mu.Unlock()
}

func (s *Scheduler) ResetToNow() {
	s.Reset(s.out.Now())
}

// Flush stops everything and re-anchors to the current clock.
func (s *Scheduler) Flush() {
	s.StopAll()
	s.ResetToNow()
}

func (s *Scheduler) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tools.SamplesDuration(int(s.next), s.out.SampleRate())
}

// Chunks counts decoded inbound payloads.
func (s *Scheduler) Chunks() uint64 {
	return s.chunks.Load()
}
