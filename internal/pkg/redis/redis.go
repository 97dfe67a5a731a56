// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/herald/internal/pkg/retry"
)

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	PoolSize        int
	ConnectAttempts int
}

// Connect creates a client from a redis:// URL and waits until it answers PING.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := goredis.NewClient(opts)

	err = retry.Do(ctx, "redis", cfg.ConnectAttempts, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}
