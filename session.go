package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-session/captions"
	"github.com/bt-bridge/voice-session/capture"
	"github.com/bt-bridge/voice-session/config"
	"github.com/bt-bridge/voice-session/playback"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateConnecting
	SessionStateReady
	SessionStateRecording
	SessionStatePaused
	SessionStateReconnecting
	SessionStateError
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateReady:
		return "ready"
	case SessionStateRecording:
		return "recording"
	case SessionStatePaused:
		return "paused"
	case SessionStateReconnecting:
		return "reconnecting"
	case SessionStateError:
		return "error"
	default:
		return "idle"
	}
}

// User-visible status lines.
const (
	StatusConnecting         = "Connecting..."
	StatusConnected          = "Connected to voice server..."
	StatusReady              = "Ready! Click the mic to start."
	StatusPlayingGreeting    = "Playing greeting..."
	StatusRequestingMic      = "Requesting microphone access..."
	StatusRecording          = "Recording... Speak now!"
	StatusStopping           = "Stopping..."
	StatusStopped            = "Stopped. Click mic to start again."
	StatusPaused             = "Paused. Session remains active."
	StatusResumed            = "Ready. Click the mic to start."
	StatusReset              = "Session reset."
	StatusSettingsUpdated    = "Settings updated!"
	StatusConnectionError    = "Connection error. Please check if the server is running."
	StatusReconnectExhausted = "Unable to reach the voice server. Click the mic to retry."
)

// Analytics actions emitted by the session.
const (
	ActionMicStart     = "mic_start"
	ActionMicStop      = "mic_stop"
	ActionSessionReset = "session_reset"
	ActionBargeIn      = "barge_in"
)

const (
	debugRingSize    = 200
	captionHideDelay = time.Second
)

// Status is the single feedback line shown to the user. Exactly one of a
// normal status or an error is shown at a time.
type Status struct {
	Text    string
	IsError bool
}

type Greeter interface {
	Play(ctx context.Context, languageCode string) error
}

type CaptionSink interface {
	Start(text string)
	HideAfter(delay time.Duration)
	Reset()
}

type Tracker interface {
	Track(action string, extra map[string]any)
}

type SessionConfig struct {
	Settings  config.Settings
	ServerURL string
	Header    http.Header

	Device capture.Device
	Output playback.Output

	// Optional collaborators.
	Greeter         Greeter
	Captions        CaptionSink
	CaptionRenderer captions.Renderer
	Tracker         Tracker

	// Observers run while the session lock is held. They must not block or
	// call back into the Session.
	OnStatus func(Status)
	OnState  func(SessionState)

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Session drives one conversation with the voice backend: connection
// lifecycle, microphone capture, agent playback and barge-in.
type Session struct {
	logger   shared.LoggerAdapter
	cfg      SessionConfig
	capture  *capture.Pipeline
	playback *playback.Scheduler
	captions CaptionSink

	ctx    context.Context
	cancel context.CancelCauseFunc

	// read from the capture thread without the lock
	transport atomic.Pointer[Transport]
	recording atomic.Bool

	mu                sync.Mutex
	settings          config.Settings
	state             SessionState
	status            Status
	sessionID         string
	activeRequestID   RequestID
	droppedRequestIDs map[RequestID]struct{}
	userSpeaking      bool
	dialing           *Transport
	starting          bool
	epoch             uint64
	greetCancel       context.CancelFunc
	reconnectAttempts int
	reconnectTimer    *time.Timer
	debugEvents       []string
	disposed          bool
}

func NewSession(ctx context.Context, logger shared.LoggerAdapter, cfg SessionConfig) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.ServerURL == "" {
		return nil, shared.ErrNoServerURL
	}
	if cfg.Device == nil {
		return nil, shared.ErrNoDevice
	}
	if cfg.Output == nil {
		return nil, shared.ErrNoOutput
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("validating settings: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = config.DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultReconnectDelay
	}

	s := &Session{
		logger:            logger.With(zap.String("component", "session")),
		cfg:               cfg,
		settings:          cfg.Settings,
		droppedRequestIDs: make(map[RequestID]struct{}),
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)

	var err error
	s.capture, err = capture.NewPipeline(logger, cfg.Device, s, capture.DefaultConstraints())
	if err != nil {
		return nil, err
	}
	s.playback, err = playback.NewScheduler(logger, cfg.Output)
	if err != nil {
		return nil, err
	}
	s.captions = cfg.Captions
	if s.captions == nil {
		seq, err := captions.NewSequencer(logger, cfg.CaptionRenderer)
		if err != nil {
			return nil, err
		}
		s.captions = seq
	}
	return s, nil
}

// SendAudio forwards one captured frame. It runs on the capture thread and
// touches atomics only.
func (s *Session) SendAudio(frame []byte) bool {
	if !s.recording.Load() {
		return false
	}
	t := s.transport.Load()
	if t == nil {
		return false
	}
	return t.SendAudio(frame)
}

// Connect opens the transport. Concurrent callers share one attempt. The
// session becomes Ready once the backend sends its ready event.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrSessionDisposed
	}
	if t := s.transport.Load(); t != nil && t.IsConnected() {
		s.mu.Unlock()
		return nil
	}
	t := s.dialing
	if t == nil {
		var err error
		t, err = s.newTransportLocked()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.dialing = t
		s.transport.Store(t)
		if s.state != SessionStateReconnecting {
			s.setStateLocked(SessionStateConnecting)
			s.setStatusLocked(StatusConnecting)
		}
	}
	s.mu.Unlock()

	err := t.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		// the caller gave up; the shared attempt may still succeed
		return err
	}
	if s.dialing == t {
		s.dialing = nil
	}
	if err != nil && s.transport.Load() == t {
		s.transport.Store(nil)
		if s.state != SessionStateReconnecting {
			s.setStateLocked(SessionStateError)
		}
	}
	return err
}

func (s *Session) newTransportLocked() (*Transport, error) {
	var t *Transport
	handlers := TransportHandlers{
		OnOpen: func() {
			s.handleOpen(t)
		},
		OnClose: func(code int, reason string) {
			s.handleClose(t, code, reason)
		},
		OnError: func(err error) {
			s.handleTransportError(t, err)
		},
		OnEvent: func(event *ServerEvent) {
			s.handleEvent(t, event)
		},
		OnRaw: func(messageType int, data []byte) {
			s.handleRaw(t, messageType, data)
		},
	}
	t, err := NewTransport(s.ctx, s.logger, TransportConfig{
		URL:            s.cfg.ServerURL,
		ConnectTimeout: s.cfg.ConnectTimeout,
		Header:         s.cfg.Header,
	}, handlers)
	if err != nil {
		return nil, err
	}
	s.debugLocked("ws_connect_attempt", map[string]any{"serverUrl": s.cfg.ServerURL})
	return t, nil
}

// StartRecording connects if needed, plays the greeting to the end and then
// opens the microphone. A microphone failure is reported in the status line
// and returned; the transport stays connected.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrSessionDisposed
	}
	if s.recording.Load() || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting recording")
	if t := s.transport.Load(); t == nil || !t.IsConnected() {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	epoch := s.epoch
	lang := s.settings.LanguageCode
	gctx, cancel := context.WithCancel(ctx)
	s.greetCancel = cancel
	s.setStatusLocked(StatusPlayingGreeting)
	s.mu.Unlock()

	if s.cfg.Greeter != nil {
		if err := s.cfg.Greeter.Play(gctx, lang); err != nil {
			s.logger.Warn("greeting unavailable", zap.String("language", lang), zap.Error(err))
		}
	}
	cancel()
	if err := s.cfg.Output.Resume(); err != nil {
		s.logger.Warn("resuming output", zap.Error(err))
	}

	s.mu.Lock()
	s.greetCancel = nil
	if s.epoch != epoch || s.disposed {
		s.mu.Unlock()
		return shared.ErrStartInterrupted
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStatusLocked(StatusRequestingMic)
	s.mu.Unlock()

	if err := s.capture.Start(ctx); err != nil {
		_ = s.capture.Stop()
		s.mu.Lock()
		s.setErrorLocked("Microphone error: " + err.Error())
		s.debugLocked("mic_error", err.Error())
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transport.Load()
	if s.epoch != epoch || s.disposed || t == nil || !t.IsConnected() {
		_ = s.capture.Stop()
		return shared.ErrStartInterrupted
	}
	s.recording.Store(true)
	s.setStateLocked(SessionStateRecording)
	s.setStatusLocked(StatusRecording)
	s.track(ActionMicStart, map[string]any{"language": lang})
	return nil
}

// StopRecording releases the microphone and keeps the connection.
func (s *Session) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRecordingLocked()
	if s.state == SessionStateRecording {
		s.setStateLocked(SessionStatePaused)
	}
}

func (s *Session) stopRecordingLocked() {
	s.logger.Info("stopping recording")
	s.setStatusLocked(StatusStopping)
	wasRecording := s.recording.Swap(false)
	if err := s.capture.Stop(); err != nil {
		s.logger.Error("stopping capture", err)
	}
	s.setStatusLocked(StatusStopped)
	if wasRecording {
		s.track(ActionMicStop, map[string]any{"packets": s.capture.Packets()})
	}
}

// Pause stops the microphone, flushes playback and clears captions. The
// session stays connected.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("pausing")
	s.interruptStartLocked()
	if s.recording.Load() {
		s.stopRecordingLocked()
	}
	s.playback.Flush()
	s.captions.Reset()
	s.setStatusLocked(StatusPaused)
	if s.state != SessionStateIdle && s.state != SessionStateError {
		s.setStateLocked(SessionStatePaused)
	}
}

// Resume wakes the output device. Recording has to be started again.
func (s *Session) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.cfg.Output.Resume()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("resuming")
	if err != nil {
		s.logger.Error("resuming output", err)
	}
	s.setStatusLocked(StatusResumed)
	if t := s.transport.Load(); t != nil && t.IsConnected() {
		s.setStateLocked(SessionStateReady)
	} else {
		s.setStateLocked(SessionStateIdle)
	}
	return err
}

// Reset tears the connection down and discards all session state.
func (s *Session) Reset() {
	s.mu.Lock()
	t := s.resetLocked()
	s.setStatusLocked(StatusReset)
	s.track(ActionSessionReset, nil)
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (s *Session) resetLocked() *Transport {
	s.logger.Info("resetting session")
	s.interruptStartLocked()
	if s.recording.Load() {
		s.stopRecordingLocked()
	}
	s.stopReconnectLocked()
	t := s.transport.Swap(nil)
	s.dialing = nil
	s.playback.Flush()
	s.userSpeaking = false
	s.sessionID = ""
	s.activeRequestID = 0
	clear(s.droppedRequestIDs)
	s.reconnectAttempts = 0
	s.captions.Reset()
	s.setStateLocked(SessionStateIdle)
	return t
}

// Dispose releases every resource, including the output device. The
// session cannot be used afterwards.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	t := s.resetLocked()
	s.disposed = true
	s.mu.Unlock()

	var errs []error
	if t != nil {
		errs = append(errs, t.Close())
	}
	errs = append(errs, s.capture.Stop(), s.cfg.Output.Close())
	s.cancel(shared.ErrSessionDisposed)
	s.logger.Info("session disposed")
	return errors.Join(errs...)
}

// UpdateSettings stores new settings and pushes them to the backend when
// connected.
func (s *Session) UpdateSettings(settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validating settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.ShowDebugLogs && !settings.ShowDebugLogs {
		s.debugEvents = nil
	}
	s.settings = settings
	if t := s.transport.Load(); t != nil && t.IsConnected() {
		s.sendConfigLocked(t)
	}
	s.setStatusLocked(StatusSettingsUpdated)
	return nil
}

// SetLanguage switches language and resets the session so the next
// connection uses it.
func (s *Session) SetLanguage(code string) error {
	s.mu.Lock()
	if s.settings.LanguageCode == code {
		s.mu.Unlock()
		return nil
	}
	next := s.settings
	next.LanguageCode = code
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("validating settings: %w", err)
	}
	s.settings = next
	t := s.resetLocked()
	s.setStatusLocked(fmt.Sprintf("Language set to %s. Click mic to start.", config.LanguageName(code)))
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	return nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Settings() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) Recording() bool {
	return s.recording.Load()
}

func (s *Session) ActiveRequestID() RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestID
}

func (s *Session) IsDropped(id RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.droppedRequestIDs[id]
	return ok
}

func (s *Session) IsUserSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpeaking
}

// DebugEvents returns a copy of the debug ring, oldest first.
func (s *Session) DebugEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.debugEvents...)
}

func (s *Session) handleOpen(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport.Load() != t {
		return
	}
	s.reconnectAttempts = 0
	s.debugLocked("ws_open", nil)
	if s.state == SessionStateReconnecting {
		s.setStateLocked(SessionStateConnecting)
	}
	s.setStatusLocked(StatusConnected)
}

func (s *Session) handleClose(t *Transport, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport.Load() != t {
		return
	}
	s.debugLocked("ws_close", map[string]any{"code": code, "reason": reason})
	s.transport.Store(nil)
	if s.dialing == t {
		s.dialing = nil
	}
	s.sessionID = ""
	s.epoch++
	if s.recording.Load() {
		s.stopRecordingLocked()
	}
	s.playback.Flush()
	s.captions.Reset()

	if code == websocket.CloseNormalClosure {
		s.setStateLocked(SessionStateIdle)
		return
	}
	s.scheduleReconnectLocked()
}

func (s *Session) scheduleReconnectLocked() {
	if s.disposed {
		return
	}
	if s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("voice server unreachable", shared.ErrReconnectExhausted,
			zap.Int("attempts", s.reconnectAttempts))
		s.setStateLocked(SessionStateError)
		s.setErrorLocked(StatusReconnectExhausted)
		return
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	delay := s.cfg.ReconnectDelay * time.Duration(attempt)
	s.setStateLocked(SessionStateReconnecting)
	s.setStatusLocked(fmt.Sprintf("Connection lost. Reconnecting... (%d/%d)", attempt, s.cfg.MaxReconnectAttempts))
	s.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.disposed || s.state != SessionStateReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		s.logger.Error("reconnect failed", err)
		s.mu.Lock()
		if s.state == SessionStateReconnecting {
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) interruptStartLocked() {
	s.epoch++
	if s.greetCancel != nil {
		s.greetCancel()
		s.greetCancel = nil
	}
}

func (s *Session) handleTransportError(t *Transport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport.Load() != t {
		return
	}
	s.logger.Error("transport error", err)
	s.debugLocked("ws_error", err.Error())
	var cerr *shared.ConnectionError
	if errors.As(err, &cerr) && cerr.Op == "dial" {
		// Connect callers may have given up already; the failed dial still
		// has to release the transport.
		if s.dialing == t {
			s.dialing = nil
		}
		s.transport.Store(nil)
		if s.state != SessionStateReconnecting {
			s.setStateLocked(SessionStateError)
		}
	}
	s.setErrorLocked(StatusConnectionError)
}

func (s *Session) handleRaw(t *Transport, messageType int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport.Load() != t {
		return
	}
	s.logger.Warn("ignoring non-event message", zap.Int("messageType", messageType), zap.Int("bytes", len(data)))
	s.debugLocked("ws_message_unknown_payload", nil)
}

func (s *Session) sendConfigLocked(t *Transport) {
	event := NewConfigEvent(s.settings, s.capture.SampleRate())
	s.debugLocked("ws_message_out", map[string]any{"type": "config", "config": event.Json()})
	if !t.Send(event) {
		s.logger.Warn("config not sent")
	}
}

func (s *Session) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug("state changed", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

func (s *Session) setStatusLocked(text string) {
	s.status = Status{Text: text}
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(s.status)
	}
}

func (s *Session) setErrorLocked(text string) {
	s.status = Status{Text: text, IsError: true}
	s.debugLocked("error", text)
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(s.status)
	}
}

func (s *Session) track(action string, extra map[string]any) {
	if s.cfg.Tracker != nil {
		s.cfg.Tracker.Track(action, extra)
	}
}

// debugLocked appends "[hh:mm:ss.mmm] scope :: payload" to the debug ring
// when debug logs are enabled.
func (s *Session) debugLocked(scope string, payload any) {
	if !s.settings.ShowDebugLogs {
		return
	}
	line := "[" + time.Now().UTC().Format("15:04:05.000") + "] " + scope
	switch p := payload.(type) {
	case nil:
	case string:
		if p != "" {
			line += " :: " + p
		}
	default:
		if b, err := sonic.ConfigStd.Marshal(p); err == nil {
			line += " :: " + string(b)
		} else {
			line += " :: " + fmt.Sprint(p)
		}
	}
	if len(s.debugEvents) >= debugRingSize {
		s.debugEvents = append(s.debugEvents[:0], s.debugEvents[len(s.debugEvents)-debugRingSize+1:]...)
	}
	s.debugEvents = append(s.debugEvents, line)
	s.logger.Debug("debug event", zap.String("line", line))
}
