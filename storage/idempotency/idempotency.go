// Package idempotency implements the IdempotencyBinding store used by
// the Saga Coordinator (spec §4.6 step 2/5): idempotent:<key> -> jobId,
// TTL-bounded, over the same Redis instance as the Lock Manager.
package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the documented default binding window.
const DefaultTTL = time.Hour

// Store maps client-supplied idempotency keys to job ids.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing go-redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func bindingKey(key string) string { return "idempotent:" + key }

// Lookup returns the jobId bound to key, if any binding is still live.
func (s *Store) Lookup(ctx context.Context, key string) (jobID string, found bool, err error) {
	if key == "" {
		return "", false, nil
	}
	val, err := s.client.Get(ctx, bindingKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "idempotency.Store.Lookup")
	}
	return val, true, nil
}

// Bind records key -> jobID for ttl (DefaultTTL when ttl <= 0). Bind
// does not overwrite an existing binding for a different job: the first
// writer wins, since two concurrent Coordinator.Execute calls racing on
// the same key must resolve to a single jobId (invariant I5).
func (s *Store) Bind(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.client.SetNX(ctx, bindingKey(key), jobID, ttl).Result()
	if err != nil {
		return errors.Wrap(err, "idempotency.Store.Bind")
	}
	if !ok {
		// Another caller already bound this key first; that binding wins.
		return nil
	}
	return nil
}
