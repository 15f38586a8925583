// Package marketplace is the HTTP client for the advertising platform: it
// reads campaign statistics and pushes new CPM bids.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jordanhubbard/cpmbandit/internal/bandit"
	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/circuitbreaker"
	"github.com/jordanhubbard/cpmbandit/internal/tracing"
)

// ErrMissingCPM is returned when the statistics carry no current bid.
var ErrMissingCPM = errors.New("marketplace: stats have no current_cpm")

// TokenFunc supplies the API token for each request. Returning "" sends the
// request without an Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// StatsResponse is the body of GET /adv/v1/campaigns/{id}/stats.
type StatsResponse struct {
	AdvertID    string   `json:"advert_id"`
	Views       int64    `json:"views"`
	Clicks      int64    `json:"clicks"`
	Orders      int64    `json:"orders"`
	ATBS        int64    `json:"atbs"`
	Items       int64    `json:"items"`
	Sum         float64  `json:"sum"`
	Revenue     float64  `json:"revenue"`
	PeriodHours float64  `json:"period_hours"`
	AdRate      float64  `json:"ad_rate"`
	CurrentCPM  float64  `json:"current_cpm"`
	InitialCPM  *float64 `json:"initial_cpm,omitempty"`
}

// StepInput converts the statistics into an optimizer input.
func (r StatsResponse) StepInput(advertID string) campaign.StepInput {
	return campaign.StepInput{
		AdvertID:   advertID,
		CurrentCPM: r.CurrentCPM,
		InitialCPM: r.InitialCPM,
		Snapshot: bandit.Snapshot{
			Views:       r.Views,
			Clicks:      r.Clicks,
			Orders:      r.Orders,
			ATBS:        r.ATBS,
			Items:       r.Items,
			Cost:        r.Sum,
			Revenue:     r.Revenue,
			PeriodHours: r.PeriodHours,
			Stat:        bandit.Stat{AdRate: r.AdRate},
		},
	}
}

// BidRequest is the body of POST /adv/v1/campaigns/{id}/cpm.
type BidRequest struct {
	CPM float64 `json:"cpm"`
	Arm string  `json:"arm"`
}

// Client talks to the advertising API. It implements campaign.MetricsSource
// and campaign.BidApplier. Failed calls are not retried.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	tracer  trace.Tracer
}

var (
	_ campaign.MetricsSource = (*Client)(nil)
	_ campaign.BidApplier    = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker fails calls fast while the API is down. Only transport
// errors, 5xx and 429 responses count against the breaker.
func WithBreaker(threshold int, cooldown time.Duration, onChange func(from, to circuitbreaker.State)) Option {
	return func(c *Client) {
		c.breaker = circuitbreaker.New("marketplace",
			circuitbreaker.WithThreshold(threshold),
			circuitbreaker.WithCooldown(cooldown),
			circuitbreaker.WithOnStateChange(onChange),
			circuitbreaker.WithFailureFilter(countsAsOutage),
		)
	}
}

func countsAsOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		class := se.ErrorClass()
		return class == ClassServerError || class == ClassRateLimited
	}
	return true
}

// BreakerState reports the outage breaker's state; Closed when none is set.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.Closed
	}
	return c.breaker.CurrentState()
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for baseURL. By default requests are paced at 5/s
// with a 30 second timeout.
func New(baseURL string, token TokenFunc, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		tracer:  tracing.Tracer("marketplace"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSnapshot reads the campaign's statistics for the period that just
// ended.
func (c *Client) FetchSnapshot(ctx context.Context, advertID string) (campaign.StepInput, error) {
	body, err := c.do(ctx, "marketplace.fetch_stats", http.MethodGet, c.campaignPath(advertID, "stats"), nil)
	if err != nil {
		return campaign.StepInput{}, err
	}
	var stats StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return campaign.StepInput{}, fmt.Errorf("decode stats: %w", err)
	}
	if stats.CurrentCPM <= 0 {
		return campaign.StepInput{}, fmt.Errorf("%w (advert %s)", ErrMissingCPM, advertID)
	}
	in := stats.StepInput(advertID)
	in.RequestID = GetRequestID(ctx)
	return in, nil
}

// ApplyBid sets the campaign's CPM.
func (c *Client) ApplyBid(ctx context.Context, advertID string, cpm float64, arm string) error {
	_, err := c.do(ctx, "marketplace.apply_bid", http.MethodPost, c.campaignPath(advertID, "cpm"), BidRequest{CPM: cpm, Arm: arm})
	return err
}

func (c *Client) campaignPath(advertID, leaf string) string {
	return fmt.Sprintf("%s/adv/v1/campaigns/%s/%s", c.baseURL, url.PathEscape(advertID), leaf)
}

// do sends one request and returns the 2xx body. Trace context is injected
// by the client transport.
func (c *Client) do(ctx context.Context, op, method, endpoint string, payload any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", endpoint),
		),
	)
	defer span.End()

	fail := func(msg string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail("rate limit wait", fmt.Errorf("rate limit wait: %w", err))
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fail("marshal failed", fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fail("create request failed", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fail("token unavailable", fmt.Errorf("marketplace token: %w", err))
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	var respBody []byte
	send := func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
			se.ParseRetryAfter(resp.Header.Get("Retry-After"))
			return se
		}
		return nil
	}
	if c.breaker != nil {
		err = c.breaker.Do(send)
	} else {
		err = send()
	}
	if err != nil {
		return nil, fail(err.Error(), err)
	}

	span.SetStatus(codes.Ok, "")
	return respBody, nil
}
