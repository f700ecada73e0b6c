// Package feed implements the authenticated, rate-limited client for the
// upstream paginated OData feed.
package feed

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError preserves the last HTTP status and response body of a failed
// feed call so exhausted retries stay diagnosable.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration // zero when the header was absent
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("feed returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("feed returned %s", e.Status)
}

// IsRateLimited reports whether the status is a rate-limit signal. The feed
// answers both 429 and 403 when a token exceeds its quota.
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusForbidden
}

// IsAuth reports an authentication failure. Never retried.
func (e *StatusError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsBadRequest reports a malformed query. Fails after the first attempt.
func (e *StatusError) IsBadRequest() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && !e.IsRateLimited() && !e.IsAuth()
}

// Transient reports whether the call is worth retrying: server-side errors
// and rate limiting, but not auth failures or malformed queries.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.IsRateLimited()
}

// parseRetryAfter interprets a Retry-After header as either delta-seconds or
// an HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
