// Package redis suppresses repeated storage notifications with Redis SET NX.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-summary-fanout/internal/hash/sha256"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "fanout:notification:"
)

// Config controls the Redis connection and key lifetime.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

type keyStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Deduper remembers notification keys for TTL.
type Deduper struct {
	client keyStore
	closer func() error
	ttl    time.Duration
	prefix string
}

// New connects to Redis at cfg.Addr and verifies the connection.
func New(ctx context.Context, cfg Config) (*Deduper, error) {
	if cfg.Addr == "" {
		return nil, errors.New("dedupe.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d := NewWithClient(client, cfg)
	d.closer = client.Close
	return d, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client keyStore, cfg Config) *Deduper {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Deduper{client: client, ttl: cfg.TTL, prefix: cfg.Prefix}
}

// FirstSeen records key and reports whether it was absent. Keys are stored
// by digest so arbitrary object names stay within a fixed length.
func (d *Deduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+sha256.Hex(key), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Forget removes key so the next FirstSeen for it reports true.
func (d *Deduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+sha256.Hex(key)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Close releases the connection when New opened it.
func (d *Deduper) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}
