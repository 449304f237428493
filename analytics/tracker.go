// Package analytics records a timeline of user actions and ships it to the
// site's tracking endpoint in batches.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBatchInterval = 3 * time.Second

	ActionSessionStart = "session_start"
	ActionSessionEnd   = "session_end"
)

// Action is one timeline entry. TMs counts milliseconds since Init.
type Action struct {
	Action string `json:"action"`
	TMs    int64  `json:"t_ms"`
	Extra  string `json:"extra,omitempty"`
}

type Option func(*Tracker)

func WithBatchInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func WithSpool(s *Spool) Option {
	return func(t *Tracker) { t.spool = s }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker queues actions and flushes them every batch interval. Failed
// batches go back to the front of the queue.
type Tracker struct {
	logger   shared.LoggerAdapter
	sink     Sink
	spool    *Spool
	interval time.Duration
	now      func() time.Time

	// serializes deliveries so batches keep their order
	sendMu sync.Mutex

	mu        sync.Mutex
	running   bool
	sessionID string
	start     time.Time
	queue     []Action
	stop      chan struct{}
	done      chan struct{}
}

func NewTracker(logger shared.LoggerAdapter, sink Sink, opts ...Option) (*Tracker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sink == nil {
		return nil, shared.ErrNoSink
	}
	t := &Tracker{
		logger:   logger.With(zap.String("component", "tracker")),
		sink:     sink,
		interval: DefaultBatchInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Init starts a tracking session: it replays anything spooled by an earlier
// run, queues session_start and starts the batch loop.
func (t *Tracker) Init(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return shared.ErrTrackerAlreadyRunning
	}
	t.running = true
	t.sessionID = uuid.NewString()
	t.start = t.now()
	t.queue = nil
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.logger.Info("tracking session started", zap.String("trackingSession", t.SessionID()))
	t.replay(ctx)
	t.Track(ActionSessionStart, nil)
	go t.loop()
	return nil
}

func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Track queues an action. Before Init or after Shutdown it is dropped.
func (t *Tracker) Track(action string, extra map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		t.logger.Debug("dropping action", zap.String("action", action), zap.Error(shared.ErrTrackerNotInitialized))
		return
	}
	a := t.actionLocked(action, extra)
	t.queue = append(t.queue, a)
	t.logger.Trace("action queued", zap.String("action", a.Action), zap.Int64("tMs", a.TMs))
}

// TrackNow delivers an action immediately, bypassing the queue.
func (t *Tracker) TrackNow(ctx context.Context, action string, extra map[string]any) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return shared.ErrTrackerNotInitialized
	}
	a := t.actionLocked(action, extra)
	sessionID := t.sessionID
	t.mu.Unlock()

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.sink.Send(ctx, sessionID, []Action{a})
}

// Flush sends everything queued so far.
func (t *Tracker) Flush(ctx context.Context) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	sessionID := t.sessionID
	t.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := t.sink.Send(ctx, sessionID, batch); err != nil {
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		t.mu.Unlock()
		t.logger.Warn("tracking batch re-queued", zap.Int("count", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

// Shutdown queues session_end, stops the loop and makes a last delivery
// attempt. Whatever is still undelivered goes to the spool when one is set.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return shared.ErrTrackerNotInitialized
	}
	t.queue = append(t.queue, t.actionLocked(ActionSessionEnd, nil))
	t.running = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()
	<-done

	err := t.Flush(ctx)
	if err == nil {
		t.logger.Info("tracking session ended")
		return nil
	}
	if t.spool == nil {
		return err
	}

	t.mu.Lock()
	left := t.queue
	t.queue = nil
	sessionID := t.sessionID
	t.mu.Unlock()
	if serr := t.spool.Put(context.WithoutCancel(ctx), sessionID, left); serr != nil {
		t.logger.Error("spooling undelivered actions", serr, zap.Int("count", len(left)))
		return serr
	}
	t.logger.Info("undelivered actions spooled", zap.Int("count", len(left)))
	return nil
}

func (t *Tracker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.interval)
			_ = t.Flush(ctx)
			cancel()
		}
	}
}

func (t *Tracker) replay(ctx context.Context) {
	if t.spool == nil {
		return
	}
	batches, err := t.spool.Pending(ctx)
	if err != nil {
		t.logger.Error("reading spool", err)
		return
	}
	for _, b := range batches {
		if err := t.sink.Send(ctx, b.SessionID, b.Actions); err != nil {
			t.logger.Warn("replaying spooled actions", zap.String("trackingSession", b.SessionID), zap.Error(err))
			continue
		}
		if err := t.spool.Delete(ctx, b.SessionID); err != nil {
			t.logger.Error("clearing spool", err)
		}
	}
}

func (t *Tracker) actionLocked(action string, extra map[string]any) Action {
	a := Action{Action: action, TMs: t.now().Sub(t.start).Milliseconds()}
	if len(extra) > 0 {
		if b, err := sonic.ConfigStd.Marshal(extra); err == nil {
			a.Extra = string(b)
		}
	}
	return a
}
