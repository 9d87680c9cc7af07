package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "solenrich:seen:"

// Deduper remembers transaction signatures for a TTL so that redelivered
// webhook payloads are not persisted or published twice.
type Deduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewDeduper creates a Deduper over any redis client, pipeline or cluster client.
func NewDeduper(client redis.Cmdable, ttl time.Duration) (*Deduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	return &Deduper{client: client, ttl: ttl}, nil
}

// NewClient builds a redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Seen marks signature as seen and reports whether it had already been seen
// within the TTL. An empty signature is never considered seen.
func (d *Deduper) Seen(ctx context.Context, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, seenKey(signature), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return !set, nil
}

// SeenBatch is Seen for many signatures in one round trip. The result is
// aligned with signatures. A signature repeated within the batch is seen
// from its second occurrence on.
func (d *Deduper) SeenBatch(ctx context.Context, signatures []string) ([]bool, error) {
	seen := make([]bool, len(signatures))
	if len(signatures) == 0 {
		return seen, nil
	}

	pipe := d.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(signatures))
	for i, sig := range signatures {
		if sig == "" {
			continue
		}
		cmds[i] = pipe.SetNX(ctx, seenKey(sig), 1, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		set, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("mark seen %s: %w", signatures[i], err)
		}
		seen[i] = !set
	}
	return seen, nil
}

// Forget removes a signature so the next delivery is treated as new.
func (d *Deduper) Forget(ctx context.Context, signature string) error {
	if err := d.client.Del(ctx, seenKey(signature)).Err(); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	return nil
}

func seenKey(signature string) string {
	return keyPrefix + signature
}
