package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFetchExhausted means every retry of a request failed with a
	// retryable condition.
	ErrFetchExhausted = errors.New("fetch retries exhausted")
	// ErrImplausible marks a successful response whose payload cannot be
	// real. The platform answers throttled clients this way, so it is
	// retried like a rate limit.
	ErrImplausible = errors.New("implausible response")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// FetchError wraps the last failure of an exhausted request.
type FetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FetchError) Is(target error) bool { return target == ErrFetchExhausted }

func (e *FetchError) Unwrap() error { return e.Err }

// FailureCode buckets an error into a short code recorded on items whose
// enrichment partially failed.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return "rate_limited"
		case httpErr.StatusCode == 401:
			return "unauthorized"
		case httpErr.StatusCode == 403:
			return "forbidden"
		case httpErr.StatusCode == 404:
			return "not_found"
		case httpErr.StatusCode >= 500:
			return "provider_unavailable"
		}
	}
	if errors.Is(err, ErrImplausible) {
		return "rate_limited"
	}
	return failureCodeFromText(err.Error())
}

func failureCodeFromText(errText string) string {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	if normalized == "" {
		return "unknown"
	}
	switch {
	case strings.Contains(normalized, "429"), strings.Contains(normalized, "rate limit"), strings.Contains(normalized, "rate_limited"):
		return "rate_limited"
	case strings.Contains(normalized, "timeout"), strings.Contains(normalized, "timed out"), strings.Contains(normalized, "deadline exceeded"):
		return "timeout"
	case strings.Contains(normalized, "401"), strings.Contains(normalized, "unauthorized"):
		return "unauthorized"
	case strings.Contains(normalized, "403"), strings.Contains(normalized, "forbidden"):
		return "forbidden"
	case strings.Contains(normalized, "404"), strings.Contains(normalized, "not found"):
		return "not_found"
	case strings.Contains(normalized, "500"), strings.Contains(normalized, "502"), strings.Contains(normalized, "503"), strings.Contains(normalized, "504"), strings.Contains(normalized, "internal server"):
		return "provider_unavailable"
	default:
		return "unknown"
	}
}
