package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/retry"
)

// Limiter blocks until a request may be sent (x/time/rate.Limiter, redis limiter)
type Limiter interface {
	Wait(ctx context.Context) error
}

// Client is an HTTP client wrapper with retry, rate limiting and logging
// ⭐ SSOT: 모든 HTTP 요청은 이 클라이언트를 통해서만 수행
type Client struct {
	httpClient   *http.Client
	logger       *logger.Logger
	policy       retry.Policy
	retryEnabled bool
	limiters     []Limiter
}

// StatusError is returned when a retried request keeps failing with a
// retryable status code.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Retryable marks 5xx and 429 as worth another attempt
func (e *StatusError) Retryable() bool {
	return IsRetryableError(e.StatusCode)
}

// New creates a client with the given timeout
// ⭐ SSOT: http.Client 인스턴스는 여기서만 생성
func New(log *logger.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := retry.Default()
	policy.AttemptTimeout = 0 // http.Client.Timeout covers each attempt

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log,
		policy:       policy,
		retryEnabled: true,
	}
}

// WithRetry replaces the retry policy for idempotent requests
func (c *Client) WithRetry(policy retry.Policy) *Client {
	c.policy = policy
	c.retryEnabled = true
	return c
}

// DisableRetry disables automatic retry
func (c *Client) DisableRetry() *Client {
	c.retryEnabled = false
	return c
}

// WithLimiter adds a limiter consulted before every request
func (c *Client) WithLimiter(l Limiter) *Client {
	if l != nil {
		c.limiters = append(c.limiters, l)
	}
	return c
}

// Get performs a GET request with optional headers
func (c *Client) Get(ctx context.Context, url string, headers ...http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create GET request: %w", err)
	}
	applyHeaders(req, headers)

	return c.do(req)
}

// Post performs a POST request with body
func (c *Client) Post(ctx context.Context, url string, contentType string, body io.Reader, headers ...http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create POST request: %w", err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Content-Type", contentType)

	return c.do(req)
}

// PostJSON performs a POST request with JSON body
func (c *Client) PostJSON(ctx context.Context, url string, data interface{}, headers ...http.Header) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return c.Post(ctx, url, "application/json; charset=utf-8", bytes.NewReader(jsonData), headers...)
}

// PostForm performs a POST request with form data
func (c *Client) PostForm(ctx context.Context, targetURL string, formData url.Values) (*http.Response, error) {
	return c.Post(ctx, targetURL, "application/x-www-form-urlencoded", strings.NewReader(formData.Encode()))
}

func applyHeaders(req *http.Request, headers []http.Header) {
	for _, h := range headers {
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
}

// do executes the request with logging. Only GET is retried here; POST
// bodies may carry orders and are retried by the caller under its own
// idempotency rules.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	url := req.URL.String()
	method := req.Method

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    url,
	}).Debug("HTTP request started")

	var resp *http.Response
	var err error
	if c.retryEnabled && method == http.MethodGet {
		resp, err = c.doWithRetry(req)
	} else {
		resp, err = c.send(req)
	}

	duration := time.Since(startTime)

	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"method":   method,
			"url":      url,
			"duration": duration,
			"error":    err.Error(),
		}).Error("HTTP request failed")
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": resp.StatusCode,
		"duration":    duration,
	}).Debug("HTTP request completed")

	return resp, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	for _, l := range c.limiters {
		if err := l.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}
	}
	return c.httpClient.Do(req)
}

// doWithRetry executes the request under the retry policy with exponential backoff
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	policy := c.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
			"url":     req.URL.String(),
			"error":   err.Error(),
		}).Warn("Retrying HTTP request")
	}
	policy.ShouldRetry = func(err error) bool {
		if se, ok := err.(*StatusError); ok {
			return se.Retryable()
		}
		// transport errors (reset, timeout) are retried for idempotent requests
		return req.Context().Err() == nil
	}

	var resp *http.Response
	err := policy.Do(req.Context(), func(ctx context.Context) error {
		r, err := c.send(req.Clone(ctx))
		if err != nil {
			return err
		}
		if IsRetryableError(r.StatusCode) {
			r.Body.Close()
			return &StatusError{StatusCode: r.StatusCode, URL: req.URL.String()}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsRetryableError checks if a status code should be retried
func IsRetryableError(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// ReadBody reads and closes the response body
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
