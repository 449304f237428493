package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/voice-session/capture"
	"github.com/bt-bridge/voice-session/config"
	"github.com/bt-bridge/voice-session/playback"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeVoice struct {
	samples int
	at      time.Duration
	stops   atomic.Int32
}

func (v *fakeVoice) Stop() { v.stops.Add(1) }

type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	voices  []*fakeVoice
	resumes int
	closed  bool
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) SampleRate() int { return playback.DefaultSampleRate }

func (o *fakeOutput) Schedule(samples []float32, at time.Duration, _ func()) playback.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &fakeVoice{samples: len(samples), at: at}
	o.voices = append(o.voices, v)
	return v
}

func (o *fakeOutput) Suspend() error { return nil }

func (o *fakeOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	return nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutput) advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

func (o *fakeOutput) scheduled() []*fakeVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeVoice(nil), o.voices...)
}

type fakeStream struct {
	closed atomic.Bool
}

func (s *fakeStream) SampleRate() int { return capture.DefaultSampleRate }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDevice struct {
	mu      sync.Mutex
	err     error
	opens   int
	process func([]float32)
}

func (d *fakeDevice) Open(_ capture.Constraints, process func([]float32)) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	d.process = process
	return &fakeStream{}, nil
}

func (d *fakeDevice) feed(quantum []float32) {
	d.mu.Lock()
	process := d.process
	d.mu.Unlock()
	process(quantum)
}

type fakeGreeter struct {
	mu    sync.Mutex
	langs []string
}

func (g *fakeGreeter) Play(_ context.Context, lang string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.langs = append(g.langs, lang)
	return nil
}

type fakeCaptions struct {
	mu     sync.Mutex
	texts  []string
	hides  int
	resets int
}

func (c *fakeCaptions) Start(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
}

func (c *fakeCaptions) HideAfter(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hides++
}

func (c *fakeCaptions) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

type fakeTracker struct {
	mu      sync.Mutex
	actions []string
}

func (tr *fakeTracker) Track(action string, _ map[string]any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.actions = append(tr.actions, action)
}

func (tr *fakeTracker) tracked() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.actions...)
}

type testSession struct {
	*Session
	out      *fakeOutput
	device   *fakeDevice
	greeter  *fakeGreeter
	captions *fakeCaptions
	tracker  *fakeTracker

	statusMu sync.Mutex
	statuses []Status
}

func (ts *testSession) statusLog() []Status {
	ts.statusMu.Lock()
	defer ts.statusMu.Unlock()
	return append([]Status(nil), ts.statuses...)
}

func newTestSession(t *testing.T, url string, opts ...func(*SessionConfig)) *testSession {
	t.Helper()
	ts := &testSession{
		out:      &fakeOutput{},
		device:   &fakeDevice{},
		greeter:  &fakeGreeter{},
		captions: &fakeCaptions{},
		tracker:  &fakeTracker{},
	}
	cfg := SessionConfig{
		Settings:       config.Defaults(),
		ServerURL:      url,
		Device:         ts.device,
		Output:         ts.out,
		Greeter:        ts.greeter,
		Captions:       ts.captions,
		Tracker:        ts.tracker,
		ConnectTimeout: time.Second,
		OnStatus: func(s Status) {
			ts.statusMu.Lock()
			defer ts.statusMu.Unlock()
			ts.statuses = append(ts.statuses, s)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewSession(context.Background(), shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Dispose() })
	ts.Session = s
	return ts
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

func audioPayload(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, 2*samples))
}

func sendAudio(t *testing.T, conn *websocket.Conn, requestID int64, samples int) {
	t.Helper()
	sendEvent(t, conn, "audio", map[string]any{"audio": audioPayload(samples), "segmentIndex": 0, "requestId": requestID})
}

func decodeConfig(t *testing.T, msg wsMessage) map[string]any {
	t.Helper()
	require.Equal(t, websocket.TextMessage, msg.messageType)
	var env struct {
		Type string `json:"type"`
		Data struct {
			Config map[string]any `json:"config"`
		} `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(msg.data, &env))
	require.Equal(t, "config", env.Type)
	return env.Data.Config
}

// connectReady connects, answers with ready and consumes the config reply.
func connectReady(t *testing.T, srv *wsServer, ts *testSession) *websocket.Conn {
	t.Helper()
	require.NoError(t, ts.Connect(context.Background()))
	conn := srv.accept(t)
	sendEvent(t, conn, "ready", map[string]any{"sessionId": "sess-1", "provider": "groq", "sttLanguage": "gu-IN", "startedAtMs": 1})
	decodeConfig(t, srv.next(t))
	return conn
}

func waitVoices(t *testing.T, out *fakeOutput, n int) []*fakeVoice {
	t.Helper()
	require.Eventually(t, func() bool { return len(out.scheduled()) == n }, waitFor, 5*time.Millisecond)
	return out.scheduled()
}

func TestNewSessionValidates(t *testing.T) {
	base := SessionConfig{
		Settings:  config.Defaults(),
		ServerURL: "ws://localhost:1",
		Device:    &fakeDevice{},
		Output:    &fakeOutput{},
	}
	_, err := NewSession(context.Background(), nil, base)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	cfg := base
	cfg.ServerURL = ""
	_, err = NewSession(context.Background(), shared.NewNopLogger(), cfg)
	assert.ErrorIs(t, err, shared.ErrNoServerURL)

	cfg = base
	cfg.Device = nil
	_, err = NewSession(context.Background(), shared.NewNopLogger(), cfg)
	assert.ErrorIs(t, err, shared.ErrNoDevice)

	cfg = base
	cfg.Output = nil
	_, err = NewSession(context.Background(), shared.NewNopLogger(), cfg)
	assert.ErrorIs(t, err, shared.ErrNoOutput)

	cfg = base
	cfg.Settings.Provider = "nope"
	_, err = NewSession(context.Background(), shared.NewNopLogger(), cfg)
	assert.Error(t, err)
}

func TestSessionSendsConfigOnReady(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())

	require.NoError(t, ts.Connect(context.Background()))
	assert.Equal(t, StatusConnected, ts.Status().Text)
	conn := srv.accept(t)

	sendEvent(t, conn, "ready", map[string]any{"sessionId": "abc", "provider": "groq", "sttLanguage": "gu-IN", "startedAtMs": 1})
	cfg := decodeConfig(t, srv.next(t))
	assert.Equal(t, "gu-IN", cfg["language"])
	assert.Equal(t, float64(capture.DefaultSampleRate), cfg["sttSampleRate"])
	assert.Equal(t, PCMCodec, cfg["sttInputAudioCodec"])

	select {
	case msg := <-srv.received:
		t.Fatalf("unexpected second message: %s", msg.data)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, "abc", ts.SessionID())
	assert.Equal(t, SessionStateReady, ts.State())
	assert.Equal(t, Status{Text: StatusReady}, ts.Status())
}

func TestSessionMicrophoneDenied(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	ts.device.err = errors.New("permission denied")

	err := ts.StartRecording(context.Background())
	var merr *shared.MicrophoneError
	require.ErrorAs(t, err, &merr)

	st := ts.Status()
	assert.True(t, st.IsError)
	assert.Equal(t, "Microphone error: "+merr.Error(), st.Text)
	assert.False(t, ts.Recording())
	assert.Equal(t, 1, ts.device.opens)
	assert.True(t, ts.transport.Load().IsConnected())
	assert.Equal(t, []string{"gu-IN"}, ts.greeter.langs)
	assert.NotContains(t, ts.tracker.tracked(), ActionMicStart)
}

func TestSessionRecordingStreamsAudio(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	connectReady(t, srv, ts)

	require.NoError(t, ts.StartRecording(context.Background()))
	assert.Equal(t, SessionStateRecording, ts.State())
	assert.Equal(t, StatusRecording, ts.Status().Text)
	assert.Equal(t, 1, ts.out.resumes)

	texts := make([]string, 0)
	for _, st := range ts.statusLog() {
		texts = append(texts, st.Text)
	}
	assert.Subset(t, texts, []string{StatusPlayingGreeting, StatusRequestingMic, StatusRecording})

	quantum := make([]float32, capture.QuantumFrames)
	quantum[0] = 1
	ts.device.feed(quantum)
	msg := srv.next(t)
	assert.Equal(t, websocket.BinaryMessage, msg.messageType)
	require.Len(t, msg.data, 2*capture.QuantumFrames)
	assert.Equal(t, []byte{0xFF, 0x7F}, msg.data[:2])

	ts.StopRecording()
	assert.Equal(t, SessionStatePaused, ts.State())
	assert.Equal(t, StatusStopped, ts.Status().Text)
	assert.False(t, ts.Recording())
	assert.Equal(t, []string{ActionMicStart, ActionMicStop}, ts.tracker.tracked())
	assert.False(t, ts.SendAudio(make([]byte, 256)))
}

func TestSessionStartRecordingTwiceIsNoop(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	connectReady(t, srv, ts)

	require.NoError(t, ts.StartRecording(context.Background()))
	require.NoError(t, ts.StartRecording(context.Background()))
	assert.Equal(t, 1, ts.device.opens)
}

func TestSessionDiscardedRequestIsDropped(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	sendAudio(t, conn, 5, 2400)
	sendAudio(t, conn, 5, 2400)
	voices := waitVoices(t, ts.out, 2)
	assert.Equal(t, RequestID(5), ts.ActiveRequestID())

	sendEvent(t, conn, "metrics", map[string]any{"type": "provider_discarded", "requestId": 5})
	sendAudio(t, conn, 5, 2400)
	// a chunk of the next turn marks the end of the sequence above
	sendAudio(t, conn, 6, 1200)

	voices = waitVoices(t, ts.out, 3)
	assert.Equal(t, int32(1), voices[0].stops.Load())
	assert.Equal(t, int32(1), voices[1].stops.Load())
	assert.Equal(t, 1200, voices[2].samples)
	assert.True(t, ts.IsDropped(5))
	assert.Equal(t, RequestID(6), ts.ActiveRequestID())
}

func TestSessionBargeInFlushesPlayback(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	for range 3 {
		sendAudio(t, conn, 7, 2400)
	}
	voices := waitVoices(t, ts.out, 3)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond},
		[]time.Duration{voices[0].at, voices[1].at, voices[2].at})

	ts.out.advance(50 * time.Millisecond)
	sendEvent(t, conn, "vad", map[string]any{"vadSignal": "START_SPEECH", "segmentIndex": 1})
	require.Eventually(t, ts.IsUserSpeaking, waitFor, 5*time.Millisecond)
	for _, v := range voices {
		assert.Equal(t, int32(1), v.stops.Load())
	}
	assert.Equal(t, 0, ts.playback.Playing())
	assert.True(t, ts.IsDropped(7))
	assert.Equal(t, RequestID(0), ts.ActiveRequestID())

	// audio is not played over the user
	sendAudio(t, conn, 8, 600)
	sendEvent(t, conn, "vad", map[string]any{"vadSignal": "END_SPEECH", "segmentIndex": 1})
	sendAudio(t, conn, 7, 2400)
	sendAudio(t, conn, 8, 1200)

	voices = waitVoices(t, ts.out, 4)
	assert.Equal(t, 1200, voices[3].samples)
	assert.Equal(t, 50*time.Millisecond, voices[3].at)
	assert.Contains(t, ts.tracker.tracked(), ActionBargeIn)
	ts.captions.mu.Lock()
	assert.GreaterOrEqual(t, ts.captions.resets, 1)
	ts.captions.mu.Unlock()
}

func TestSessionMetricsLifecycle(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	sendEvent(t, conn, "metrics", map[string]any{"type": "provider_dispatch", "requestId": 3})
	sendAudio(t, conn, 2, 2400)
	sendAudio(t, conn, 3, 2400)
	voices := waitVoices(t, ts.out, 1)
	assert.Equal(t, RequestID(3), ts.ActiveRequestID())

	sendEvent(t, conn, "transcript", map[string]any{"transcript": "Hello there.", "isFinal": true, "speechActive": false})
	sendEvent(t, conn, "transcript", map[string]any{"transcript": "partial", "isFinal": false})
	sendEvent(t, conn, "metrics", map[string]any{"type": "provider_result", "requestId": 3})
	require.Eventually(t, func() bool {
		ts.captions.mu.Lock()
		defer ts.captions.mu.Unlock()
		return ts.captions.hides == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello there."}, ts.captions.texts)
	assert.Equal(t, int32(0), voices[0].stops.Load())

	sendEvent(t, conn, "metrics", map[string]any{"type": "llm_config_updated"})
	sendEvent(t, conn, "metrics", map[string]any{"type": "barge_in", "requestId": 3})
	require.Eventually(t, func() bool { return ts.IsDropped(3) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), voices[0].stops.Load())
	assert.Equal(t, RequestID(0), ts.ActiveRequestID())
}

func TestSessionServerErrorKeepsConnection(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	sendEvent(t, conn, "bogus", map[string]any{"x": 1})
	sendEvent(t, conn, "error", map[string]any{"error": "provider unavailable"})
	require.Eventually(t, func() bool { return ts.Status().IsError }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "provider unavailable", ts.Status().Text)
	assert.True(t, ts.transport.Load().IsConnected())
	assert.Equal(t, SessionStateReady, ts.State())
}

func TestSessionConfigIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	connectReady(t, srv, ts)

	settings := ts.Settings()
	require.NoError(t, ts.UpdateSettings(settings))
	first := srv.next(t)
	require.NoError(t, ts.UpdateSettings(settings))
	second := srv.next(t)

	assert.Equal(t, decodeConfig(t, first), decodeConfig(t, second))
	assert.Equal(t, SessionStateReady, ts.State())
	assert.Equal(t, "sess-1", ts.SessionID())
	assert.Equal(t, StatusSettingsUpdated, ts.Status().Text)
}

func TestSessionPauseAndResume(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)
	require.NoError(t, ts.StartRecording(context.Background()))

	sendAudio(t, conn, 4, 2400)
	voices := waitVoices(t, ts.out, 1)

	ts.Pause()
	assert.Equal(t, SessionStatePaused, ts.State())
	assert.Equal(t, StatusPaused, ts.Status().Text)
	assert.False(t, ts.Recording())
	assert.Equal(t, int32(1), voices[0].stops.Load())
	assert.Equal(t, "sess-1", ts.SessionID())

	require.NoError(t, ts.Resume(context.Background()))
	assert.Equal(t, SessionStateReady, ts.State())
	assert.Equal(t, StatusResumed, ts.Status().Text)
}

func TestSessionResetClearsState(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	sendAudio(t, conn, 9, 2400)
	waitVoices(t, ts.out, 1)
	old := ts.transport.Load()

	ts.Reset()
	assert.Equal(t, SessionStateIdle, ts.State())
	assert.Equal(t, StatusReset, ts.Status().Text)
	assert.Empty(t, ts.SessionID())
	assert.Equal(t, RequestID(0), ts.ActiveRequestID())
	assert.Nil(t, ts.transport.Load())
	assert.False(t, old.IsConnected())
	assert.Contains(t, ts.tracker.tracked(), ActionSessionReset)

	// events from the torn down connection are ignored
	ts.handleEvent(old, &ServerEvent{Type: ServerEventTypeReady, Param: &ServerEventParamReady{SessionId: "late"}})
	assert.Empty(t, ts.SessionID())

	// a fresh connection can be opened afterwards
	connectReady(t, srv, ts)
	assert.Equal(t, "sess-1", ts.SessionID())
}

func TestSessionSetLanguage(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	connectReady(t, srv, ts)

	require.NoError(t, ts.SetLanguage(config.LanguageGujarati))
	assert.Equal(t, StatusReady, ts.Status().Text)

	require.NoError(t, ts.SetLanguage(config.LanguageHindi))
	assert.Equal(t, "Language set to Hindi. Click mic to start.", ts.Status().Text)
	assert.Equal(t, config.LanguageHindi, ts.Settings().LanguageCode)
	assert.Equal(t, SessionStateIdle, ts.State())
	assert.Empty(t, ts.SessionID())
}

func TestSessionReconnectsAfterAbnormalClose(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL(), func(c *SessionConfig) {
		c.ReconnectDelay = 10 * time.Millisecond
	})
	conn := connectReady(t, srv, ts)
	require.NoError(t, ts.StartRecording(context.Background()))

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second)))
	_ = conn.Close()

	srv.accept(t)
	require.Eventually(t, func() bool { return ts.Status().Text == StatusConnected }, waitFor, 5*time.Millisecond)
	assert.False(t, ts.Recording())
	assert.Empty(t, ts.SessionID())
	assert.Equal(t, SessionStateConnecting, ts.State())

	var texts []string
	for _, st := range ts.statusLog() {
		texts = append(texts, st.Text)
	}
	assert.Contains(t, texts, "Connection lost. Reconnecting... (1/3)")
	assert.Contains(t, ts.tracker.tracked(), ActionMicStop)
}

func TestSessionReconnectExhaustion(t *testing.T) {
	var requests atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "restarting"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	ts := newTestSession(t, "ws"+strings.TrimPrefix(srv.URL, "http"), func(c *SessionConfig) {
		c.ReconnectDelay = 5 * time.Millisecond
		c.MaxReconnectAttempts = 2
	})
	require.NoError(t, ts.Connect(context.Background()))

	require.Eventually(t, func() bool { return ts.State() == SessionStateError }, waitFor, 5*time.Millisecond)
	assert.Equal(t, Status{Text: StatusReconnectExhausted, IsError: true}, ts.Status())
	assert.Equal(t, int32(3), requests.Load())

	var texts []string
	for _, st := range ts.statusLog() {
		texts = append(texts, st.Text)
	}
	assert.Contains(t, texts, "Connection lost. Reconnecting... (1/2)")
	assert.Contains(t, texts, "Connection lost. Reconnecting... (2/2)")
}

func TestSessionNormalCloseGoesIdle(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	conn := connectReady(t, srv, ts)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return ts.State() == SessionStateIdle }, waitFor, 5*time.Millisecond)
	assert.Empty(t, ts.SessionID())
	assert.EqualValues(t, 1, srv.upgrades.Load())
}

func TestSessionConnectFailure(t *testing.T) {
	srv := newWSServer(t)
	url := srv.wsURL()
	srv.Close()
	ts := newTestSession(t, url)

	err := ts.Connect(context.Background())
	var cerr *shared.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, SessionStateError, ts.State())
	assert.Equal(t, Status{Text: StatusConnectionError, IsError: true}, ts.Status())
	assert.Nil(t, ts.transport.Load())
}

func TestSessionAbandonedDialStillFails(t *testing.T) {
	// accepts TCP but never answers the websocket handshake
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, c)
			heldMu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})

	ts := newTestSession(t, "ws://"+ln.Addr().String()+"/", func(c *SessionConfig) {
		c.ConnectTimeout = 300 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = ts.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SessionStateConnecting, ts.State())

	require.Eventually(t, func() bool {
		return ts.State() == SessionStateError
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, Status{Text: StatusConnectionError, IsError: true}, ts.Status())
	assert.Nil(t, ts.transport.Load())

	ts.mu.Lock()
	dialing := ts.dialing
	ts.mu.Unlock()
	assert.Nil(t, dialing)
}

func TestSessionDebugRing(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL(), func(c *SessionConfig) {
		c.Settings.ShowDebugLogs = true
	})
	connectReady(t, srv, ts)

	events := ts.DebugEvents()
	require.NotEmpty(t, events)
	line := regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\.\d{3}\] \S+`)
	for _, e := range events {
		assert.Regexp(t, line, e)
	}
	joined := strings.Join(events, "\n")
	assert.Contains(t, joined, "ws_open")
	assert.Contains(t, joined, `ws_message_in :: {"data":{`)
	assert.Contains(t, joined, `"sessionId":"sess-1"`)
	assert.Contains(t, joined, "ws_message_out")

	for range debugRingSize + 10 {
		ts.mu.Lock()
		ts.debugLocked("tick", "x")
		ts.mu.Unlock()
	}
	assert.Len(t, ts.DebugEvents(), debugRingSize)

	settings := ts.Settings()
	settings.ShowDebugLogs = false
	require.NoError(t, ts.UpdateSettings(settings))
	assert.Empty(t, ts.DebugEvents())
}

func TestSessionDispose(t *testing.T) {
	srv := newWSServer(t)
	ts := newTestSession(t, srv.wsURL())
	connectReady(t, srv, ts)

	require.NoError(t, ts.Dispose())
	assert.True(t, ts.out.closed)
	assert.ErrorIs(t, ts.Connect(context.Background()), shared.ErrSessionDisposed)
	assert.ErrorIs(t, ts.StartRecording(context.Background()), shared.ErrSessionDisposed)
	assert.NoError(t, ts.Dispose())
}
