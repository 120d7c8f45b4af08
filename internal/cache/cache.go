// Package cache owns the shared Redis connection.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aidashboard/backend/internal/logger"
)

type Cache struct {
	client *redis.Client
}

// New connects to addr and pings it once; the service refuses to start on a
// configured but unreachable Redis.
func New(ctx context.Context, addr string, log *logger.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info(ctx, "connected to Redis", map[string]interface{}{"addr": addr})
	return &Cache{client: client}, nil
}

// Client exposes the underlying client for scripts and sorted sets.
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
