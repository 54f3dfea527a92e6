// Package redis mirrors short-lived PoDD state: verification results, device hashrate windows and
// API rate limits.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "podd:"

// Client is the daemon's view of Redis: a verification mirror, hashrate windows and rate limits.
type Client struct {
	rdb *redis.Client
}

// Config is a parsed redis:// URL with the daemon's pool tuning applied.
type Config struct {
	*redis.Options
}

// ConfigFromURL parses url (redis://[:password@]host:port/db).
func ConfigFromURL(url string) (*Config, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return &Config{Options: opts}, nil
}

// NewClient connects and pings once.
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(cfg.Options)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Verification mirror

// SetVerification stores the latest verification result for a device set.
func (c *Client) SetVerification(ctx context.Context, ids []string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal verification: %w", err)
	}
	if err := c.rdb.Set(ctx, VerificationKey(ids), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set verification: %w", err)
	}
	return nil
}

// GetVerification loads the mirrored result for a device set into dest.
// It reports false when nothing is stored.
func (c *Client) GetVerification(ctx context.Context, ids []string, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, VerificationKey(ids)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get verification: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal verification: %w", err)
	}
	return true, nil
}

// Hashrate windows

// RecordHashrate adds a hashrate sample for a device and trims samples older than window.
func (c *Client) RecordHashrate(ctx context.Context, deviceID string, hashrate float64, at time.Time, window time.Duration) error {
	key := HashrateKey(deviceID)
	ts := at.UnixMilli()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: hashrateMember(ts, hashrate)})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-window.Milliseconds(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record hashrate: %w", err)
	}
	return nil
}

// AverageHashrate averages a device's samples newer than now-window.
func (c *Client) AverageHashrate(ctx context.Context, deviceID string, now time.Time, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, HashrateKey(deviceID), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageMembers(values), nil
}

// Rate limiting

// CheckRateLimit counts an action against key and reports whether it is within limit for window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	k := keyPrefix + "ratelimit:" + key

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return incrCmd.Val() <= limit, nil
}

// VerificationKey is order-independent over ids.
func VerificationKey(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return keyPrefix + "verify:" + strings.Join(sorted, ",")
}

// HashrateKey names a device's hashrate ZSET.
func HashrateKey(deviceID string) string {
	return keyPrefix + "hashrate:" + deviceID
}

// hashrateMember keeps equal readings at different times distinct.
func hashrateMember(ts int64, hashrate float64) string {
	return strconv.FormatInt(ts, 10) + ":" + strconv.FormatFloat(hashrate, 'g', -1, 64)
}

func averageMembers(members []string) float64 {
	var (
		total float64
		n     int
	)
	for _, m := range members {
		_, v, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		if h, err := strconv.ParseFloat(v, 64); err == nil {
			total += h
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
