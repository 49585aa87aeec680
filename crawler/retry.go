package crawler

import (
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy configures retry behavior for failed fetches.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt (2 = 3 total attempts)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // backoff cap, also caps Retry-After
}

// DefaultRetryPolicy returns 2 retries (3 attempts), 1s base delay, 30s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// NoRetry performs every fetch exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Backoff returns the delay before retry number n (1-based): BaseDelay
// doubled for each earlier retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// delayFor returns the wait before retry n, preferring a server-supplied
// Retry-After (in seconds) when present.
func (p RetryPolicy) delayFor(n int, header http.Header) time.Duration {
	if header != nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs >= 0 {
			wait := time.Duration(secs) * time.Second
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
			return wait
		}
	}
	return p.Backoff(n)
}

// shouldRetryStatus reports whether an HTTP status is transient:
// 429 Too Many Requests and any 5xx. Other 4xx are permanent.
func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// shouldRetryKind reports whether a fetch error kind is transient. TLS
// failures and redirect loops will not fix themselves between attempts.
// Timeouts are not retried so one unresponsive URL holds a worker for at
// most one request timeout.
func shouldRetryKind(kind ErrorKind) bool {
	switch kind {
	case KindConnection, KindDNS:
		return true
	default:
		return false
	}
}
