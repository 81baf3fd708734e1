// Package redis implements the session hot-store and the per-account
// active-call sets against Redis, grounded on the teacher's
// internal/db.Cache (go-redis/redis/v8). It has no distributed lock.
package redis

import (
    "context"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// Client wraps *redis.Client with the teacher's key-prefixing
// convention.
type Client struct {
    rdb    *redis.Client
    prefix string
}

func Connect(cfg config.RedisConfig, prefix string) (*Client, error) {
    rdb := redis.NewClient(&redis.Options{
        Addr:         cfg.GetRedisAddr(),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
        DialTimeout:  cfg.DialTimeout,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := rdb.Ping(ctx).Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to redis")
    }

    return &Client{rdb: rdb, prefix: prefix}, nil
}

func (c *Client) Close() error {
    return c.rdb.Close()
}

// Ping verifies connectivity, used by the health service's readiness
// check.
func (c *Client) Ping(ctx context.Context) error {
    return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(k string) string {
    return fmt.Sprintf("%s:%s", c.prefix, k)
}
