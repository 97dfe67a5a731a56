//go:build integration

package inapp

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/herald/internal/testutil"
)

func TestRedisNotifier_NotifyUser(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	opts, err := redis.ParseURL(container.URL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	sub := client.Subscribe(ctx, ChannelKey("user-1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	notifier := NewRedisNotifier(client, 10)
	require.NoError(t, notifier.NotifyUser(ctx, "user-1", []byte(`{"body":"hello"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"body":"hello"}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	entries, err := client.XRange(ctx, StreamKey("user-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"body":"hello"}`, entries[0].Values["payload"])
}
