package calendar

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
	availabilityPath   = "/api/calendar/availability"
	defaultHTTPTimeout = 15 * time.Second
)

type availabilityResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Availability
}

// HTTPClient queries the site's availability endpoint.
type HTTPClient struct {
	logger  shared.LoggerAdapter
	base    *url.URL
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPClient(logger shared.LoggerAdapter, baseURL string, client *fasthttp.Client) (*HTTPClient, error) {
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
	return &HTTPClient{
		logger:  logger.With(zap.String("component", "calendar-client")),
		base:    base,
		client:  client,
		timeout: defaultHTTPTimeout,
	}, nil
}

// Availability returns the bookable slots for date in timezone. An empty
// timezone lets the server pick its default.
func (c *HTTPClient) Availability(ctx context.Context, date, timezone string) (Availability, error) {
	u := c.base.JoinPath(availabilityPath)
	q := u.Query()
	q.Set("date", date)
	if timezone != "" {
		q.Set("timezone", timezone)
	}
	u.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	errC := make(chan error, 1)
	go func() {
		errC <- c.client.DoTimeout(req, resp, c.timeout)
	}()
	select {
	case <-ctx.Done():
		return Availability{}, ctx.Err()
	case err := <-errC:
		if err != nil {
			return Availability{}, fmt.Errorf("performing HTTP request: %w", err)
		}
	}

	var body availabilityResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
		return Availability{}, fmt.Errorf("%w: %d, body: %s", shared.ErrUnexpectedStatus, resp.StatusCode(), string(resp.Body()))
	}
	if resp.StatusCode() != fasthttp.StatusOK || !body.Success {
		return Availability{}, fmt.Errorf("%w: %d: %s", shared.ErrUnexpectedStatus, resp.StatusCode(), body.Error)
	}
	c.logger.Debug("availability fetched", zap.String("date", date), zap.Int("available", len(body.AvailableSlots)))
	return body.Availability, nil
}

// CheckAvailability reports whether slot is among the date's available
// slots. The endpoint books fixed 30 minute slots, so durationMinutes is
// only validated.
func (c *HTTPClient) CheckAvailability(ctx context.Context, date, slot string, durationMinutes int) (bool, error) {
	if durationMinutes <= 0 || time.Duration(durationMinutes)*time.Minute > DefaultDuration {
		return false, fmt.Errorf("unsupported duration %d minutes", durationMinutes)
	}
	a, err := c.Availability(ctx, date, "")
	if err != nil {
		return false, err
	}
	for _, s := range a.AvailableSlots {
		if s == slot {
			return true, nil
		}
	}
	return false, nil
}
