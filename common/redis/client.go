package redis

import (
	"context"
	"fmt"
	"time"

	"postpart-sync/common/config"

	"github.com/go-redis/redis/v8"
)

// ConnectTimeout bounds both the dial and the initial PING in Connect.
const ConnectTimeout = 5 * time.Second

// Connect opens a client for cfg and verifies the server answers PING within
// ConnectTimeout. On failure the client is closed and not returned.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: ConnectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s db %d: %w", cfg.Addr, cfg.DB, err)
	}
	return client, nil
}
