package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	poolHits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bankbridge_redis_pool_hits",
		Help: "Connections served from the redis connection pool",
	})
	poolMisses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bankbridge_redis_pool_misses",
		Help: "Connections the redis pool had to dial",
	})
	poolTotalConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bankbridge_redis_pool_total_conns",
		Help: "Total connections currently in the redis pool",
	})
)

// Client wraps the go-redis client with health checking capabilities.
type Client struct {
	*redis.Client
}

// New creates a new Redis client from the provided URL.
// Returns nil if the URL is empty (Redis not configured).
func New(url string) (*Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client}, nil
}

// Health checks if the Redis connection is healthy and refreshes the pool
// gauges as a side effect.
func (c *Client) Health(ctx context.Context) error {
	stats := c.PoolStats()
	poolHits.Set(float64(stats.Hits))
	poolMisses.Set(float64(stats.Misses))
	poolTotalConns.Set(float64(stats.TotalConns))
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}
