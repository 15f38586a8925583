package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/circuitbreaker"
)

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestFetchSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/adv/v1/campaigns/1001/stats", r.URL.Path)
		assert.Equal(t, "Bearer wb-token", r.Header.Get("Authorization"))
		assert.Equal(t, "req-7", r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{"advert_id":"1001","views":1000,"clicks":40,"orders":3,"atbs":9,"items":3,
			"sum":120.5,"revenue":900,"period_hours":24,"ad_rate":98,"current_cpm":100,"initial_cpm":110}`))
	}))
	defer ts.Close()

	c := New(ts.URL+"/", staticToken("wb-token"))
	in, err := c.FetchSnapshot(WithRequestID(context.Background(), "req-7"), "1001")
	require.NoError(t, err)

	assert.Equal(t, "1001", in.AdvertID)
	assert.Equal(t, 100.0, in.CurrentCPM)
	require.NotNil(t, in.InitialCPM)
	assert.Equal(t, 110.0, *in.InitialCPM)
	assert.Equal(t, int64(40), in.Snapshot.Clicks)
	assert.Equal(t, int64(9), in.Snapshot.ATBS)
	assert.Equal(t, 120.5, in.Snapshot.Cost)
	assert.Equal(t, 98.0, in.Snapshot.Stat.AdRate)
	assert.Equal(t, "req-7", in.RequestID)
}

func TestFetchSnapshotMissingCPM(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"views":10}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL, nil).FetchSnapshot(context.Background(), "1001")
	assert.True(t, errors.Is(err, ErrMissingCPM))
}

func TestApplyBid(t *testing.T) {
	var got BidRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/adv/v1/campaigns/1001/cpm", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	err := New(ts.URL, staticToken("")).ApplyBid(context.Background(), "1001", 142.5, "-5%")
	require.NoError(t, err)
	assert.Equal(t, BidRequest{CPM: 142.5, Arm: "-5%"}, got)
}

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		class  string
	}{
		{http.StatusTooManyRequests, ClassRateLimited},
		{http.StatusUnauthorized, ClassUnauthorized},
		{http.StatusForbidden, ClassUnauthorized},
		{http.StatusNotFound, ClassNotFound},
		{http.StatusBadRequest, ClassClientError},
		{http.StatusBadGateway, ClassServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer ts.Close()

			err := New(ts.URL, nil).ApplyBid(context.Background(), "1001", 100, "0%")
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, 3*time.Second, se.RetryAfter)
			assert.Equal(t, tt.class, campaign.ClassifyError(err, campaign.ErrorClassApply))
		})
	}
}

func TestTokenError(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	locked := errors.New("vault locked")
	c := New(ts.URL, func(context.Context) (string, error) { return "", locked })
	_, err := c.FetchSnapshot(context.Background(), "1001")
	assert.True(t, errors.Is(err, locked))
	assert.False(t, called)
}

func TestRateLimitHonorsContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL, nil, WithRateLimit(0.01, 1))
	require.NoError(t, c.ApplyBid(context.Background(), "1001", 100, "0%"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.ApplyBid(ctx, "1001", 100, "0%")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestClientSpanAndPropagation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var traceparent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	require.NoError(t, New(ts.URL, nil).ApplyBid(context.Background(), "1001", 100, "0%"))
	assert.NotEmpty(t, traceparent)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "marketplace.apply_bid")
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
	assert.Equal(t, "abc", GetRequestID(WithRequestID(context.Background(), "abc")))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits int
	status := http.StatusServiceUnavailable
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(status)
	}))
	defer ts.Close()

	var transitions []circuitbreaker.State
	c := New(ts.URL, nil, WithRateLimit(0, 0), WithBreaker(2, time.Hour, func(_, to circuitbreaker.State) {
		transitions = append(transitions, to)
	}))

	for i := 0; i < 2; i++ {
		err := c.ApplyBid(context.Background(), "1001", 100, "0%")
		var se *StatusError
		require.ErrorAs(t, err, &se)
	}
	assert.Equal(t, circuitbreaker.Open, c.BreakerState())
	assert.Equal(t, []circuitbreaker.State{circuitbreaker.Open}, transitions)

	err := c.ApplyBid(context.Background(), "1001", 100, "0%")
	var oe *circuitbreaker.OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "circuit_open", campaign.ClassifyError(err, "apply"))
	assert.Equal(t, 2, hits, "open breaker must not reach the API")
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(ts.URL, nil, WithRateLimit(0, 0), WithBreaker(1, time.Hour, nil))
	for i := 0; i < 3; i++ {
		err := c.ApplyBid(context.Background(), "1001", 100, "0%")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, ClassClientError, se.ErrorClass())
	}
	assert.Equal(t, circuitbreaker.Closed, c.BreakerState())
	assert.Equal(t, circuitbreaker.Closed, New(ts.URL, nil).BreakerState())
}
