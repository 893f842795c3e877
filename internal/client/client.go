package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/epsgram-notifier/internal/circuitbreaker"
	"github.com/kjstillabower/epsgram-notifier/internal/observability"
	"github.com/kjstillabower/epsgram-notifier/internal/traffic"
)

// ChartsAPI is the low-level access the forecast service needs.
type ChartsAPI interface {
	GetJSON(ctx context.Context, path string, retry, raiseOnError bool) (jsoniter.Any, error)
	FetchImage(ctx context.Context, href string) ([]byte, error)
}

var (
	ErrRequestFailed     = errors.New("request failed")
	ErrForbidden         = errors.New("forbidden")
	ErrMalformedResponse = errors.New("malformed response")
	// ErrCircuitOpen wraps ErrForbidden: the breaker only opens on repeated 403s.
	ErrCircuitOpen = fmt.Errorf("%w: upstream circuit open", ErrForbidden)
)

const maxBodyBytes = 32 << 20

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	UserAgent     string
	// Limiter paces outbound requests; nil disables pacing.
	Limiter *rate.Limiter
}

// Client talks to the chart rendering API.
type Client struct {
	baseURL       string
	timeout       time.Duration
	client        *http.Client
	retryAttempts int
	retryDelay    time.Duration
	userAgent     string
	limiter       *rate.Limiter
	breaker       *circuitbreaker.CircuitBreaker
	sleep         func(ctx context.Context, d time.Duration) error
}

// New returns a Client for the API rooted at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("charts API base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("charts API base URL must be http(s): %q", base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 10
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "epsgram-notifier"
	}
	return &Client{
		baseURL:       base,
		timeout:       opts.Timeout,
		client:        &http.Client{Timeout: opts.Timeout},
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		userAgent:     opts.UserAgent,
		limiter:       opts.Limiter,
		sleep:         sleepContext,
	}, nil
}

// SetCircuitBreaker installs a breaker around every single HTTP attempt.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// GetJSON fetches baseURL+path and parses the body.
//
// A 403 is always returned as ErrForbidden and never retried. Other non-2xx
// statuses are ErrRequestFailed when raiseOnError is set; otherwise the body
// is parsed anyway. A body that is not JSON is ErrMalformedResponse.
// With retry, failed attempts are repeated up to the configured count with a
// fixed delay and the last error is returned.
func (c *Client) GetJSON(ctx context.Context, path string, retry, raiseOnError bool) (jsoniter.Any, error) {
	url := c.baseURL + strings.TrimPrefix(path, "/")
	var doc jsoniter.Any
	err := c.withRetry(ctx, retry, func() error {
		body, status, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		if !isSuccess(status) && raiseOnError {
			return fmt.Errorf("%w: HTTP %d", ErrRequestFailed, status)
		}
		if !jsoniter.Valid(body) {
			return fmt.Errorf("%w: body is not JSON (HTTP %d)", ErrMalformedResponse, status)
		}
		doc = jsoniter.Get(body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FetchImage downloads an absolute chart image URL with retry.
func (c *Client) FetchImage(ctx context.Context, href string) ([]byte, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, fmt.Errorf("%w: empty image link", ErrMalformedResponse)
	}
	var data []byte
	err := c.withRetry(ctx, true, func() error {
		body, status, err := c.get(ctx, href)
		if err != nil {
			return err
		}
		if !isSuccess(status) {
			return fmt.Errorf("%w: image HTTP %d", ErrRequestFailed, status)
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: empty image body", ErrMalformedResponse)
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// withRetry runs fn once, or up to retryAttempts times with a fixed delay.
func (c *Client) withRetry(ctx context.Context, retry bool, fn func() error) error {
	attempts := 1
	if retry {
		attempts = c.retryAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			observability.ChartsAPIRetriesTotal.Inc()
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		observability.ChartsAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}

// get performs one GET through the limiter and breaker. A 403 comes back as
// ErrForbidden; every other status is returned to the caller to classify.
func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	call := func() error {
		var err error
		body, status, err = c.doRequest(ctx, url)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, 0, ErrCircuitOpen
		}
	} else {
		err = call()
	}
	return body, status, err
}

func (c *Client) doRequest(ctx context.Context, url string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("%w: rate limiter: %v", ErrRequestFailed, err)
		}
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		observability.ChartsAPICallsTotal.WithLabelValues("error").Inc()
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrRequestFailed, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.ChartsAPICallsTotal.WithLabelValues("error").Inc()
		observability.ChartsAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		traffic.RecordError()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: request timeout: %v", ErrRequestFailed, err)
		}
		return nil, 0, fmt.Errorf("%w: http request: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ChartsAPICallsTotal.WithLabelValues(status).Inc()
	observability.ChartsAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusForbidden:
		observability.ForbiddenTotal.Inc()
		traffic.RecordForbidden()
		return nil, resp.StatusCode, fmt.Errorf("%w: HTTP 403 from %s", ErrForbidden, req.URL.Host)
	case resp.StatusCode >= 500:
		traffic.RecordError()
	default:
		traffic.RecordSuccess()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	return body, resp.StatusCode, nil
}

// isRetryable reports whether another attempt could succeed. Forbidden
// (including an open circuit) and caller cancellation are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForbidden) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRequestFailed) || errors.Is(err, ErrMalformedResponse)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusForbidden {
		return "forbidden"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
