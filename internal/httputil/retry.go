package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/playdeck/agent/internal/logging"
)

var log = logging.L("httputil")

// RetryPolicy controls how often and how far apart requests are retried.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of each delay
}

// DefaultRetryPolicy is used for the version and config calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Request describes a replayable request. Body is kept as bytes so it can
// be sent again on each attempt.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// StatusError is returned when every attempt ended in a retryable status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends r until it gets a non-retryable response, the policy is used up,
// or ctx ends. The caller owns the returned body.
func Do(ctx context.Context, client *http.Client, r Request, policy RetryPolicy) (*http.Response, error) {
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := jitter(delay, policy.JitterFrac)
			if ra, ok := lastErr.(*retryAfterError); ok && ra.wait > wait {
				wait = min(ra.wait, policy.MaxDelay)
			}
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", r.URL)

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}

			delay = time.Duration(float64(delay) * policy.BackoffFactor)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		var body io.Reader
		if r.Body != nil {
			body = bytes.NewReader(r.Body)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
		if err != nil {
			return nil, err
		}
		for k, vals := range r.Header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		status := &StatusError{StatusCode: resp.StatusCode, URL: r.URL}
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			lastErr = &retryAfterError{StatusError: status, wait: wait}
		} else {
			lastErr = status
		}
	}

	if policy.MaxRetries > 0 {
		log.Warn("all retries exhausted", "method", r.Method, "url", r.URL, "attempts", policy.MaxRetries+1, logging.KeyError, lastErr)
	}
	if ra, ok := lastErr.(*retryAfterError); ok {
		return nil, ra.StatusError
	}
	return nil, lastErr
}

type retryAfterError struct {
	*StatusError
	wait time.Duration
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	j := float64(d) * frac * (2*rand.Float64() - 1)
	if out := time.Duration(float64(d) + j); out > 0 {
		return out
	}
	return 0
}
