package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/gateway"
)

func newTestSender(t *testing.T, handler http.HandlerFunc) *Sender {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	sender, err := NewSender(Config{
		Gateway:  gateway.Config{URL: server.URL, APIKey: "key", RateLimit: 1000, Burst: 10},
		SenderID: "HERALD",
	})
	require.NoError(t, err)
	return sender
}

func TestNewSender_RequiresURL(t *testing.T) {
	sender, err := NewSender(Config{})
	require.Error(t, err)
	assert.Nil(t, sender)
}

func TestSender_Type(t *testing.T) {
	sender := newTestSender(t, func(http.ResponseWriter, *http.Request) {})
	assert.Equal(t, domain.ChannelTypeSMS, sender.Type())
}

func TestSender_Send_Success(t *testing.T) {
	var got messageRequest
	sender := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	err := sender.Send(context.Background(), notifications.Notification{
		ItemID:  "item-1",
		To:      "+15551234567",
		Subject: "Alert",
		Body:    "Disk full",
	})
	require.NoError(t, err)

	assert.Equal(t, "+15551234567", got.To)
	assert.Equal(t, "HERALD", got.From)
	assert.Equal(t, "Alert\nDisk full", got.Text)
	assert.Equal(t, "item-1", got.Reference)
}

func TestSender_Send_Validation(t *testing.T) {
	calls := 0
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name string
		n    notifications.Notification
	}{
		{name: "empty number", n: notifications.Notification{Body: "hi"}},
		{name: "not e164", n: notifications.Notification{To: "555-1234", Body: "hi"}},
		{name: "empty text", n: notifications.Notification{To: "+15551234567"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sender.Send(context.Background(), tt.n)
			require.Error(t, err)

			var re *notifications.RetryableError
			require.ErrorAs(t, err, &re)
			assert.False(t, re.IsRetryable())
		})
	}
	assert.Equal(t, 0, calls)
}

func TestSender_Send_GatewayErrorPassesThrough(t *testing.T) {
	sender := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := sender.Send(context.Background(), notifications.Notification{To: "+15551234567", Body: "hi"})
	require.Error(t, err)

	var re *gateway.RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.Code)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("ж", maxMessageRunes+10)
	out := truncate(long, maxMessageRunes)
	assert.Equal(t, maxMessageRunes, utf8.RuneCountInString(out))
	assert.Equal(t, "short", truncate("short", maxMessageRunes))
}
