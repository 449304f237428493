package analytics

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	TrackingPath       = "/api/tracking/event"
	SessionHeader      = "X-Tracking-Session"
	defaultSinkTimeout = 5 * time.Second
)

// Sink delivers one batch of actions.
type Sink interface {
	Send(ctx context.Context, sessionID string, actions []Action) error
}

// HTTPSink POSTs batches as {"actions": [...]} to the tracking endpoint.
type HTTPSink struct {
	logger  shared.LoggerAdapter
	url     string
	client  *fasthttp.Client
	timeout time.Duration
}

var _ Sink = (*HTTPSink)(nil)

func NewHTTPSink(logger shared.LoggerAdapter, baseURL string, client *fasthttp.Client) (*HTTPSink, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseURL == "" {
		return nil, shared.ErrNoBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if client == nil {
		client = &fasthttp.Client{Name: "voice-session"}
	}
	return &HTTPSink{
		logger:  logger.With(zap.String("component", "tracking-sink")),
		url:     base.JoinPath(TrackingPath).String(),
		client:  client,
		timeout: defaultSinkTimeout,
	}, nil
}

func (s *HTTPSink) Send(ctx context.Context, sessionID string, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	body, err := sonic.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(SessionHeader, sessionID)
	req.SetBody(body)

	errC := make(chan error, 1)
	go func() {
		errC <- s.client.DoTimeout(req, resp, s.timeout)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("%w: %d", shared.ErrUnexpectedStatus, code)
	}
	s.logger.Trace("actions sent", zap.Int("count", len(actions)))
	return nil
}
