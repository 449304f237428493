package prompts

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
	promptsPath        = "/api/prompts"
	defaultHTTPTimeout = 10 * time.Second
)

// HTTPLoader fetches the prompt library from the site.
type HTTPLoader struct {
	logger  shared.LoggerAdapter
	url     string
	client  *fasthttp.Client
	timeout time.Duration
}

var _ Loader = (*HTTPLoader)(nil)

func NewHTTPLoader(logger shared.LoggerAdapter, baseURL string, client *fasthttp.Client) (*HTTPLoader, error) {
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
	return &HTTPLoader{
		logger:  logger.With(zap.String("component", "prompts")),
		url:     base.JoinPath(promptsPath).String(),
		client:  client,
		timeout: defaultHTTPTimeout,
	}, nil
}

func (l *HTTPLoader) Load(ctx context.Context) ([]Prompt, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(l.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	errC := make(chan error, 1)
	go func() {
		errC <- l.client.DoTimeout(req, resp, l.timeout)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: %d, body: %s", shared.ErrUnexpectedStatus, resp.StatusCode(), string(resp.Body()))
	}

	var body struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decoding prompts: %w", err)
	}
	if len(body.Prompts) == 0 {
		return []Prompt{Default()}, nil
	}
	l.logger.Debug("prompts fetched", zap.Int("count", len(body.Prompts)))
	return body.Prompts, nil
}
