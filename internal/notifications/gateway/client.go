// Package gateway provides a rate-limited JSON client for HTTP delivery
// providers such as SMS and push gateways.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRateLimit  = 10.0
	defaultRetryAfter = time.Second
	maxErrorBody      = 512
)

// Config holds gateway client configuration.
type Config struct {
	URL       string
	APIKey    string
	RateLimit float64 // requests per second
	Burst     int
	Timeout   time.Duration
}

// Client posts JSON payloads to a delivery provider.
type Client struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new gateway client. name identifies the provider in errors and logs.
func NewClient(name string, config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%s gateway: url is required", name)
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	slog.Info("gateway configured",
		"gateway", name,
		"url", config.URL,
		"rate_limit", config.RateLimit,
		"burst", config.Burst,
		"timeout", config.Timeout,
	)

	return &Client{
		name:       name,
		url:        config.URL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

// Post sends payload as JSON and classifies the response.
func (c *Client) Post(ctx context.Context, payload any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RetryableError{Gateway: c.name, Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Gateway: c.name, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Gateway: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Gateway: c.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp)
}

func (c *Client) handleResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Gateway:    c.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(body),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Gateway: c.name, Code: resp.StatusCode, Message: "invalid credentials"}

	case resp.StatusCode == http.StatusRequestTimeout:
		return &RetryableError{Gateway: c.name, Code: resp.StatusCode, Message: "request timeout"}

	case resp.StatusCode >= 500:
		return &RetryableError{Gateway: c.name, Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", body)}

	default:
		return &PermanentError{Gateway: c.name, Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", body)}
	}
}

func parseRetryAfter(v string) time.Duration {
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultRetryAfter
}

// PermanentError indicates the provider rejected the message for good.
type PermanentError struct {
	Gateway string
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Gateway, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Gateway, e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Gateway string
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Gateway, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Gateway, e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// RateLimitError indicates the provider throttled the request.
type RateLimitError struct {
	Gateway    string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s: %s", e.Gateway, e.RetryAfter, e.Message)
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryAfterDelay returns the delay the provider asked for.
func (e *RateLimitError) RetryAfterDelay() time.Duration { return e.RetryAfter }

// IsRetryable reports whether err is a retryable gateway error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var re *RetryableError
	return errors.As(err, &re)
}

// GetRetryAfter returns the provider's requested delay, or zero.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
