package marketplace

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error classes reported by StatusError.
const (
	ClassRateLimited  = "rate_limited"
	ClassUnauthorized = "unauthorized"
	ClassNotFound     = "not_found"
	ClassServerError  = "server_error"
	ClassClientError  = "client_error"
)

// StatusError captures a non-2xx response from the advertising API.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marketplace API error (status %d): %s", e.StatusCode, e.Body)
}

// ErrorClass buckets the status for metrics and step logs.
func (e *StatusError) ErrorClass() string {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ClassUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return ClassNotFound
	case e.StatusCode >= 500:
		return ClassServerError
	default:
		return ClassClientError
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfter = d
		}
	}
}
