package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(url string) *Client {
	return &Client{
		name:       "sms",
		url:        url,
		apiKey:     "secret",
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

func TestNewClient(t *testing.T) {
	t.Run("url required", func(t *testing.T) {
		client, err := NewClient("sms", Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "url is required")
		assert.Nil(t, client)
	})

	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient("sms", Config{URL: "http://localhost"})
		require.NoError(t, err)
		assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
		assert.Equal(t, rate.Limit(defaultRateLimit), client.limiter.Limit())
		assert.Equal(t, 1, client.limiter.Burst())
	})
}

func TestClient_Post_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["text"])

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Post(context.Background(), map[string]string{"text": "hello"})
	assert.NoError(t, err)
}

func TestClient_Post_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, retryable: false},
		{name: "forbidden", status: http.StatusForbidden, retryable: false},
		{name: "not found", status: http.StatusNotFound, retryable: false},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, retryable: false},
		{name: "request timeout", status: http.StatusRequestTimeout, retryable: true},
		{name: "too many requests", status: http.StatusTooManyRequests, retryable: true},
		{name: "internal error", status: http.StatusInternalServerError, retryable: true},
		{name: "bad gateway", status: http.StatusBadGateway, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			err := newTestClient(server.URL).Post(context.Background(), map[string]string{})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))

			type retryable interface{ IsRetryable() bool }
			var r retryable
			require.ErrorAs(t, err, &r)
			assert.Equal(t, tt.retryable, r.IsRetryable())
		})
	}
}

func TestClient_Post_RateLimited(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		retryAfter time.Duration
	}{
		{name: "with retry-after", header: "30", retryAfter: 30 * time.Second},
		{name: "without retry-after", header: "", retryAfter: time.Second},
		{name: "http date ignored", header: "Wed, 21 Oct 2015 07:28:00 GMT", retryAfter: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer server.Close()

			err := newTestClient(server.URL).Post(context.Background(), map[string]string{})
			require.Error(t, err)

			var rl *RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, tt.retryAfter, rl.RetryAfter)
			assert.Equal(t, tt.retryAfter, rl.RetryAfterDelay())
			assert.Equal(t, tt.retryAfter, GetRetryAfter(err))
		})
	}
}

func TestClient_Post_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestClient(url).Post(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "send request")
}

func TestClient_Post_ContextCancellation(t *testing.T) {
	client := newTestClient("http://localhost:12345")
	client.limiter = rate.NewLimiter(0.001, 1)
	client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Post(ctx, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
	assert.True(t, IsRetryable(err))
}

func TestClient_RateLimiter(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		callCount++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.limiter = rate.NewLimiter(rate.Limit(1000), 100)

	for i := 0; i < 5; i++ {
		require.NoError(t, client.Post(context.Background(), map[string]string{}))
	}
	assert.Equal(t, 5, callCount)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(&PermanentError{Gateway: "sms", Code: 400}))
	assert.True(t, IsRetryable(&RetryableError{Gateway: "sms", Code: 500}))
	assert.True(t, IsRetryable(&RateLimitError{Gateway: "sms"}))
	assert.Equal(t, time.Duration(0), GetRetryAfter(&PermanentError{}))
}

func TestErrorMessages(t *testing.T) {
	t.Run("RateLimitError", func(t *testing.T) {
		err := &RateLimitError{Gateway: "push", RetryAfter: 30 * time.Second, Message: "slow down"}
		assert.Contains(t, err.Error(), "push rate limited")
		assert.Contains(t, err.Error(), "30s")
		assert.Contains(t, err.Error(), "slow down")
	})

	t.Run("PermanentError", func(t *testing.T) {
		err := &PermanentError{Gateway: "sms", Code: 403, Message: "invalid credentials"}
		assert.Equal(t, "sms error 403: invalid credentials", err.Error())
	})

	t.Run("RetryableError without code", func(t *testing.T) {
		err := &RetryableError{Gateway: "sms", Message: "send request: refused"}
		assert.Equal(t, "sms error: send request: refused", err.Error())
	})
}
