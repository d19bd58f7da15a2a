package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes, including the
// status of a failed websocket upgrade.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

var transientCodeMarkers = []string{"rate_limit", "rate_limited", "resource_exhausted", "overload", "unavailable", "timeout", "queue_overflow"}

// IsRetryableUpstreamCode classifies agent Error/Warning codes that describe
// a transient service condition rather than a bad request.
func IsRetryableUpstreamCode(code string) bool {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" {
		return false
	}
	for _, marker := range transientCodeMarkers {
		if strings.Contains(c, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
