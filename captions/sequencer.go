// Package captions paces finalized transcript text on screen at roughly the
// speed it is spoken.
package captions

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bt-bridge/voice-session/shared"
	"go.uber.org/zap"
)

const (
	MaxWords       = 20
	PerRune        = 40 * time.Millisecond
	MinDuration    = 750 * time.Millisecond
	TransitionTime = 130 * time.Millisecond
	HideRetry      = 500 * time.Millisecond
	HideTransition = 150 * time.Millisecond
)

var sentencePattern = regexp.MustCompile(`[^.!?]*[.!?]+`)

// Frame is what a caption view shows at one moment.
type Frame struct {
	Text     string
	Index    int
	Total    int
	Visible  bool
	Exiting  bool
	Complete bool
}

type Renderer interface {
	RenderCaption(f Frame)
}

type RendererFunc func(f Frame)

func (fn RendererFunc) RenderCaption(f Frame) { fn(f) }

// Stopper cancels a pending timer. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Stopper

func systemAfter(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

type Option func(*Sequencer)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(after AfterFunc) Option {
	return func(s *Sequencer) { s.after = after }
}

// Sequencer shows caption chunks one at a time. Frames are rendered while
// the sequencer lock is held; a Renderer must not call back into it.
type Sequencer struct {
	logger   shared.LoggerAdapter
	renderer Renderer
	after    AfterFunc

	mu       sync.Mutex
	gen      uint64
	timerID  uint64
	timers   map[uint64]Stopper
	chunks   []string
	index    int
	visible  bool
	exiting  bool
	complete bool
}

func NewSequencer(logger shared.LoggerAdapter, renderer Renderer, opts ...Option) (*Sequencer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if renderer == nil {
		renderer = RendererFunc(func(Frame) {})
	}
	s := &Sequencer{
		logger:   logger.With(zap.String("component", "captions")),
		renderer: renderer,
		after:    systemAfter,
		timers:   make(map[uint64]Stopper),
		index:    -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Split breaks text into sentences, then cuts any sentence longer than
// MaxWords into runs of MaxWords words.
func Split(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var sentences []string
	last := 0
	for _, loc := range sentencePattern.FindAllStringIndex(trimmed, -1) {
		sentences = append(sentences, strings.TrimSpace(trimmed[loc[0]:loc[1]]))
		last = loc[1]
	}
	if tail := strings.TrimSpace(trimmed[last:]); tail != "" {
		sentences = append(sentences, tail)
	}

	var chunks []string
	for _, sentence := range sentences {
		words := strings.Fields(sentence)
		if len(words) <= MaxWords {
			if sentence != "" {
				chunks = append(chunks, sentence)
			}
			continue
		}
		for i := 0; i < len(words); i += MaxWords {
			chunks = append(chunks, strings.Join(words[i:min(i+MaxWords, len(words))], " "))
		}
	}
	return chunks
}

func Durations(chunks []string) []time.Duration {
	out := make([]time.Duration, len(chunks))
	for i, c := range chunks {
		out[i] = max(MinDuration, time.Duration(utf8.RuneCountInString(c))*PerRune)
	}
	return out
}

// Start replaces whatever is showing with a new sequence for text. Text
// with no displayable chunk leaves the current captions and their timers
// alone.
func (s *Sequencer) Start(text string) {
	chunks := Split(text)
	if len(chunks) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()

	s.chunks = chunks
	s.index = 0
	s.visible = true
	s.exiting = false
	s.complete = false
	s.renderLocked()

	var at time.Duration
	for i, d := range Durations(chunks) {
		if i > 0 {
			s.scheduleLocked(at, func() bool {
				s.exiting = false
				s.index = i
				return true
			})
		}
		at += d
		if i < len(chunks)-1 {
			s.scheduleLocked(at, func() bool {
				s.exiting = true
				return true
			})
			at += TransitionTime
		}
	}
	s.scheduleLocked(at, func() bool {
		s.complete = true
		return true
	})
	s.logger.Trace("caption sequence started", zap.Int("chunks", len(chunks)), zap.Duration("duration", at))
}

// HideAfter fades the captions out after delay, waiting for a running
// sequence to complete first.
func (s *Sequencer) HideAfter(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideAfterLocked(delay)
}

func (s *Sequencer) hideAfterLocked(delay time.Duration) {
	s.scheduleLocked(delay, func() bool {
		if !s.complete && s.visible {
			s.hideAfterLocked(HideRetry)
			return false
		}
		if !s.visible {
			return false
		}
		s.exiting = true
		s.scheduleLocked(HideTransition, func() bool {
			s.visible = false
			s.exiting = false
			return true
		})
		return true
	})
}

// Reset cancels every pending timer and clears the captions.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.chunks = nil
	s.index = -1
	s.visible = false
	s.exiting = false
	s.complete = false
	s.renderLocked()
}

func (s *Sequencer) Frame() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameLocked()
}

// Pending is the number of armed timers that have neither fired nor been
// cancelled.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Sequencer) frameLocked() Frame {
	f := Frame{
		Index:    s.index,
		Total:    len(s.chunks),
		Visible:  s.visible,
		Exiting:  s.exiting,
		Complete: s.complete,
	}
	if s.index >= 0 && s.index < len(s.chunks) {
		f.Text = s.chunks[s.index]
	}
	return f
}

func (s *Sequencer) renderLocked() {
	s.renderer.RenderCaption(s.frameLocked())
}

// scheduleLocked runs step after d unless a reset or a new sequence happens
// first. step reports whether the frame changed.
func (s *Sequencer) scheduleLocked(d time.Duration, step func() bool) {
	gen := s.gen
	s.timerID++
	id := s.timerID
	s.timers[id] = s.after(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, id)
		if s.gen != gen {
			return
		}
		if step() {
			s.renderLocked()
		}
	})
}

func (s *Sequencer) cancelLocked() {
	s.gen++
	for _, t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
}
