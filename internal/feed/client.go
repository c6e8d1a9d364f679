package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaytrail/internal/clock"
)

const (
	DefaultBaseDelay  = 5 * time.Second
	DefaultMaxDelay   = 60 * time.Second
	DefaultMaxRetries = 3
	DefaultPageSize   = 20
)

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PageSize   int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// HTTPClient implements Feed and Collaborators over the platform's JSON
// API. Rate limits, server errors, transport errors and implausible
// payloads are retried with exponential backoff.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
	clock      clock.Clock
	logger     *slog.Logger
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		pageSize:   opts.PageSize,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
	}
}

func (c *HTTPClient) ListSince(ctx context.Context, userID string, after time.Time, cursor string) (Page, error) {
	q := url.Values{}
	if !after.IsZero() {
		q.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
	}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	q.Set("limit", strconv.Itoa(c.pageSize))
	var out Page
	err := c.doJSON(ctx, "list submissions", fmt.Sprintf("/api/v1/users/%s/submissions?%s", url.PathEscape(userID), q.Encode()), validatePage, &out)
	return out, err
}

func (c *HTTPClient) CheckStatus(ctx context.Context, itemID string) (StatusCheck, error) {
	var out StatusCheck
	err := c.doJSON(ctx, "check status", fmt.Sprintf("/api/v1/submissions/%s/check", url.PathEscape(itemID)), validateStatus, &out)
	return out, err
}

func (c *HTTPClient) SubjectDetail(ctx context.Context, subjectID string) (SubjectDetail, error) {
	var out SubjectDetail
	err := c.doJSON(ctx, "subject detail", fmt.Sprintf("/api/v1/subjects/%s", url.PathEscape(subjectID)), validateSubject, &out)
	return out, err
}

func (c *HTTPClient) UserNote(ctx context.Context, subjectID string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.doJSON(ctx, "user note", fmt.Sprintf("/api/v1/subjects/%s/note", url.PathEscape(subjectID)), validateNote, &out)
	return out.Content, err
}

func (c *HTTPClient) ItemDetail(ctx context.Context, itemID string) (SubmissionDetail, error) {
	var out SubmissionDetail
	err := c.doJSON(ctx, "submission detail", fmt.Sprintf("/api/v1/submissions/%s", url.PathEscape(itemID)), validateDetail, &out)
	return out, err
}

func (c *HTTPClient) Session(ctx context.Context) (Session, error) {
	var out Session
	err := c.doJSON(ctx, "session", "/api/v1/session", validateSession, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, op, requestPath string, validate validator, out any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		retryAfter, err := c.attempt(ctx, requestPath, validate, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			return &FetchError{Op: op, Attempts: attempt + 1, Err: lastErr}
		}
		delay := c.retryDelay(attempt+1, retryAfter)
		c.logger.Warn("feed request retrying", "op", op, "attempt", attempt+1, "delay", delay, "err", err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) attempt(ctx context.Context, requestPath string, validate validator, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID(c.clock.Now()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transportError{err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", &transportError{err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if validate != nil {
			if err := validate(payload); err != nil {
				return "", err
			}
		}
		if out == nil || len(payload) == 0 {
			return "", nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return "", fmt.Errorf("%w: decode: %v", ErrImplausible, err)
		}
		return "", nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return resp.Header.Get("Retry-After"), &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var transport *transportError
	if errors.As(err, &transport) {
		return true
	}
	if errors.Is(err, ErrImplausible) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || (httpErr.StatusCode >= 500 && httpErr.StatusCode <= 599)
	}
	return false
}

// retryDelay doubles from the base delay per attempt and never exceeds
// the cap. A Retry-After header overrides the computed delay.
func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader, c.clock.Now()); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}

func correlationID(now time.Time) string {
	return fmt.Sprintf("trail_%d", now.UnixNano())
}
