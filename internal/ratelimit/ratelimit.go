// Package ratelimit provides per-client token bucket rate limiting for the
// admin API.
package ratelimit

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const defaultMaxKeys = 100000

// Limiter keeps one rate.Limiter per client IP. The key table is an LRU so
// memory stays bounded under many distinct clients.
type Limiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	maxKeys int
	counter prometheus.Counter // optional: incremented on each 429
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithMaxKeys bounds the number of tracked clients.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// New creates a limiter allowing rps requests per second per client with the
// given burst.
func New(rps float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		maxKeys: defaultMaxKeys,
	}
	for _, o := range opts {
		o(l)
	}
	// lru.New only fails for a non-positive size, which WithMaxKeys rules out.
	l.clients, _ = lru.New[string, *rate.Limiter](l.maxKeys)
	return l
}

// Middleware returns an http.Handler middleware that enforces rate limits per
// client IP (using X-Real-IP or RemoteAddr).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
		}
		if !l.allow(ip) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	return l.clients.Len()
}
