package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v58/github"
)

// Class says whether a tracker error is worth retrying.
type Class int

const (
	NonRetryable Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "non_retryable"
}

// Classify maps a tracker error onto a retry class. Throttling, 5xx,
// timeouts and transport failures are retryable; other 4xx responses,
// validation and auth failures are not.
func Classify(err error) Class {
	if err == nil {
		return NonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return Retryable
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return Retryable
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
			return Retryable
		case code >= 500:
			return Retryable
		default:
			return NonRetryable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	return NonRetryable
}

// IsRetryable is Classify as a predicate, for retry policies.
func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}

// RetryAfter extracts how long the tracker asked us to wait, if it did.
func RetryAfter(err error) (time.Duration, bool) {
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if d := abuseErr.GetRetryAfter(); d > 0 {
			return d, true
		}
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		if d := time.Until(rateErr.Rate.Reset.Time); d > 0 {
			return d, true
		}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		if d := parseRetryAfterSeconds(respErr.Response.Header.Get("Retry-After")); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
