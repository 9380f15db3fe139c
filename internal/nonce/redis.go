package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared ledger for multi-instance deployments. SET NX with
// a TTL gives atomic first-writer-wins and retention in one round trip.
type Redis struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

func NewRedis(client *redis.Client, retention time.Duration) *Redis {
	return &Redis{client: client, retention: retention, prefix: "htms:nonce:"}
}

func (r *Redis) Seen(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key(readerID, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("nonce ledger redis: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Remember(ctx context.Context, readerID, nonce string, now time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key(readerID, nonce), now.Unix(), r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("nonce ledger redis: %w", err)
	}
	return ok, nil
}

// Sweep is a no-op: redis expires nonce keys via the TTL set on write.
func (r *Redis) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
