// Package redis holds the short-lived request state shared between API
// replicas: idempotency keys, webhook update dedup and per-owner rate limits.
// Reminders themselves never live here.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix namespaces every key so the instance can be shared
const keyPrefix = "remindarr"

// Config holds Redis connection settings. PoolSize defaults to 10.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Client wraps go-redis. The services in this package share one Client.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. The client is closed again if the ping fails, so
// callers only own a Client that worked once.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	// request paths treat redis as optional, so fail fast rather than queue
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		PoolTimeout:  time.Second,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Debug("redis connected", zap.String("addr", addr), zap.Int("db", cfg.DB))

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping backs the redis entry of GET /health.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key joins parts under the service prefix, e.g. remindarr:ratelimit:42
func key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}
