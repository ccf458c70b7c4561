// Package redislog is a Redis-streams eventlog.Log. It exists for
// deployments where a session's push stream may be resumed against a
// different process than the one that produced the events: history lives in
// a capped Redis stream rather than process memory.
package redislog

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/rpckit/sessiongate/eventlog"
)

// Config for Redis-backed event logs. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=sessiongate:events:"`
	// MaxLen caps each session's stream (approximate trimming). ENV: EVENTLOG_MAXLEN
	MaxLen int64 `env:"EVENTLOG_MAXLEN,default=1024"`
}

// Provider hands out one Log per session over a shared client.
type Provider struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Provider, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessiongate:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Provider{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv() (*Provider, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the shared Redis client.
func (p *Provider) Close() error { return p.client.Close() }

// ForSession returns the Log backing one session's stream.
func (p *Provider) ForSession(sessionID string) eventlog.Log {
	return &sessionLog{p: p, key: p.keyPrefix + sessionID}
}

type sessionLog struct {
	p   *Provider
	key string
}

var _ eventlog.Log = (*sessionLog)(nil)

func (l *sessionLog) Append(ctx context.Context, data []byte) (string, error) {
	id, err := l.p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		MaxLen: l.p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (l *sessionLog) Replay(ctx context.Context, afterID string, fn eventlog.ReplayFunc) error {
	if afterID == "" {
		return nil
	}
	// Exclusive start ranges need Redis >= 6.2. An evicted afterID simply
	// yields whatever the trimmed stream still holds.
	msgs, err := l.p.client.XRange(ctx, l.key, "("+afterID, "+").Result()
	if err != nil {
		return fmt.Errorf("xrange: %w", err)
	}
	for _, m := range msgs {
		raw, ok := m.Values["d"]
		if !ok {
			continue
		}
		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		if err := fn(ctx, eventlog.Event{ID: m.ID, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// Close deletes the session's stream; the shared client stays open.
func (l *sessionLog) Close() error {
	return l.p.client.Del(context.Background(), l.key).Err()
}
