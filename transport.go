package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

const (
	DefaultTransportConnectTimeout = 10 * time.Second
	DefaultTransportMaxReconnects  = 5
	DefaultTransportReconnectDelay = time.Second
	DefaultTransportSendQueueSize  = 256
)

type TransportState int

const (
	TransportStateDisconnected TransportState = iota
	TransportStateConnecting
	TransportStateConnected
	TransportStateClosing
)

func (s TransportState) String() string {
	switch s {
	case TransportStateConnecting:
		return "connecting"
	case TransportStateConnected:
		return "connected"
	case TransportStateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

type TransportConfig struct {
	URL            string
	ConnectTimeout time.Duration
	// AutoReconnect retries unexpected closes with a linearly increasing
	// delay (ReconnectDelay × attempt).
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	SendQueueSize        int
	Header               http.Header
}

// TransportHandlers are invoked for one connection from a single goroutine,
// in order. OnOpen runs before the first message of its connection.
type TransportHandlers struct {
	OnOpen    func()
	OnClose   func(code int, reason string)
	OnError   func(err error)
	OnEvent   func(event *ServerEvent)
	OnRaw     func(messageType int, data []byte)
	OnConnect func(conn *websocket.Conn)
}

type outbound struct {
	messageType int
	data        []byte
}

// link is one open websocket plus its writer queue.
type link struct {
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

type Transport struct {
	logger   shared.LoggerAdapter
	url      *url.URL
	cfg      TransportConfig
	handlers TransportHandlers
	dialer   *websocket.Dialer
	group    singleflight.Group

	mu                sync.Mutex
	link              *link
	state             TransportState
	epoch             uint64
	intentional       bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewTransport(ctx context.Context, logger shared.LoggerAdapter, cfg TransportConfig, handlers TransportHandlers) (*Transport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.URL == "" {
		return nil, shared.ErrNoServerURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("parsing server URL: unsupported scheme %q", u.Scheme)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultTransportConnectTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultTransportMaxReconnects
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultTransportReconnectDelay
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultTransportSendQueueSize
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Transport{
		logger:   logger.With(zap.String("url", u.String())),
		url:      u,
		cfg:      cfg,
		handlers: handlers,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *Transport) URL() string {
	return t.url.String()
}

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsConnected() bool {
	return t.State() == TransportStateConnected
}

// Connect opens the channel. Concurrent callers share one dial; each caller
// stops waiting when its own ctx is done, while the dial itself is bounded by
// the connect timeout.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.respectCtx(); err != nil {
		return &shared.ConnectionError{Op: "connect", URL: t.url.String(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &shared.ConnectionError{Op: "connect", URL: t.url.String(), Err: err}
	}
	if t.IsConnected() {
		return nil
	}
	ch := t.group.DoChan("connect", func() (any, error) {
		return nil, t.dial()
	})
	select {
	case <-ctx.Done():
		return &shared.ConnectionError{Op: "connect", URL: t.url.String(), Err: ctx.Err()}
	case res := <-ch:
		return res.Err
	}
}

func (t *Transport) dial() error {
	t.mu.Lock()
	if t.state == TransportStateConnected {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.state = TransportStateConnecting
	epoch := t.epoch
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
	defer cancel()

	t.logger.Info("connecting to voice server")
	conn, resp, err := t.dialer.DialContext(ctx, t.url.String(), t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connection timeout after %s: %w", t.cfg.ConnectTimeout, err)
		}
		cerr := &shared.ConnectionError{Op: "dial", URL: t.url.String(), Err: err}
		t.mu.Lock()
		if t.epoch == epoch {
			t.state = TransportStateDisconnected
		}
		t.mu.Unlock()
		t.logger.Error("dialing voice server", err)
		if t.handlers.OnError != nil {
			t.handlers.OnError(cerr)
		}
		return cerr
	}

	l := &link{
		conn: conn,
		send: make(chan outbound, t.cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	if t.epoch != epoch {
		// Disconnect won the race against the handshake.
		t.mu.Unlock()
		_ = conn.Close()
		return &shared.ConnectionError{Op: "dial", URL: t.url.String(), Err: errors.New("disconnected during connect")}
	}
	t.link = l
	t.state = TransportStateConnected
	t.reconnectAttempts = 0
	t.mu.Unlock()

	t.logger.Info("connected to voice server")
	if t.handlers.OnConnect != nil {
		t.handlers.OnConnect(conn)
	}
	go t.writePump(l)
	if t.handlers.OnOpen != nil {
		t.handlers.OnOpen()
	}
	go t.readPump(l)
	return nil
}

// Send queues a JSON control message. It reports false when the channel is
// not open, the event cannot be encoded or the queue is full.
func (t *Transport) Send(event ClientEvent) bool {
	data, err := event.MarshalJSON()
	if err != nil {
		t.logger.Error("marshaling client event", err, zap.String("type", string(event.EventType())))
		return false
	}
	return t.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

// SendAudio queues one raw PCM frame. The frame is owned by the transport
// from here on.
func (t *Transport) SendAudio(frame []byte) bool {
	return t.enqueue(outbound{messageType: websocket.BinaryMessage, data: frame})
}

func (t *Transport) enqueue(msg outbound) bool {
	t.mu.Lock()
	l := t.link
	connected := t.state == TransportStateConnected
	t.mu.Unlock()
	if !connected || l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	case l.send <- msg:
		return true
	default:
		t.logger.Warn("send queue full, dropping message", zap.Int("bytes", len(msg.data)))
		return false
	}
}

// Disconnect closes the channel with a normal close code. It never triggers
// auto-reconnect and does not invoke handlers.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	t.epoch++
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	l := t.link
	t.link = nil
	if l != nil {
		t.state = TransportStateClosing
	}
	t.mu.Unlock()

	if l != nil {
		l.close()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = l.conn.Close()
		t.logger.Info("disconnected from voice server")
	}

	t.mu.Lock()
	if t.link == nil {
		t.state = TransportStateDisconnected
	}
	t.mu.Unlock()
}

// Close disconnects and releases the transport for good.
func (t *Transport) Close() error {
	t.Disconnect()
	t.cancel(errors.New("transport closed"))
	return nil
}

func (t *Transport) respectCtx() error {
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	default:
	}
	return nil
}

func (t *Transport) readPump(l *link) {
	conn := l.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(l, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		switch messageType {
		case websocket.TextMessage:
			event, err := ParseServerEvent(data)
			switch {
			case err == nil:
				if t.handlers.OnEvent != nil {
					t.handlers.OnEvent(event)
				}
			case errors.Is(err, shared.ErrMalformedMessage):
				if t.handlers.OnRaw != nil {
					t.handlers.OnRaw(messageType, data)
				}
			default:
				t.logger.Warn("dropping invalid event", zap.Error(err), zap.ByteString("data", truncate(data, 256)))
			}
		case websocket.BinaryMessage:
			if t.handlers.OnRaw != nil {
				t.handlers.OnRaw(messageType, data)
			}
		}
	}
}

func (t *Transport) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				t.logger.Error("writing message", err)
				_ = l.conn.Close()
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("ping failed", zap.Error(err))
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (t *Transport) handleClose(l *link, err error) {
	l.close()
	_ = l.conn.Close()

	code := websocket.CloseAbnormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}

	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.state = TransportStateDisconnected
	reconnect := !t.intentional && code != websocket.CloseNormalClosure && t.cfg.AutoReconnect
	t.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Warn("connection closed unexpectedly", zap.Int("code", code), zap.Error(err))
		if closeErr == nil && t.handlers.OnError != nil {
			t.handlers.OnError(&shared.ConnectionError{Op: "read", URL: t.url.String(), Err: err})
		}
	} else {
		t.logger.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))
	}
	if t.handlers.OnClose != nil {
		t.handlers.OnClose(code, reason)
	}
	if reconnect {
		t.scheduleReconnect()
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intentional || t.reconnectAttempts >= t.cfg.MaxReconnectAttempts {
		if !t.intentional {
			t.logger.Warn("giving up reconnecting", zap.Int("attempts", t.reconnectAttempts))
		}
		return
	}
	t.reconnectAttempts++
	attempt := t.reconnectAttempts
	delay := t.cfg.ReconnectDelay * time.Duration(attempt)
	t.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	t.reconnectTimer = time.AfterFunc(delay, func() {
		if err := t.Connect(t.ctx); err != nil {
			t.logger.Error("reconnect failed", err, zap.Int("attempt", attempt))
			t.scheduleReconnect()
		}
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
