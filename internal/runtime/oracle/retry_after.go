package oracle

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP-date relative to now.
//
// Supported forms:
//   - "120" (seconds)
//   - "Wed, 21 Oct 2015 07:28:00 GMT"
//
// Empty, negative, unparsable, or already-elapsed values yield zero so the
// caller falls back to its own backoff schedule.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	value := strings.TrimSpace(header)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if delay := at.Sub(now); delay > 0 {
		return delay
	}
	return 0
}
