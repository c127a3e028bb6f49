// Package lock implements the orchestrator's distributed Lock Manager
// (spec §4.2) over Redis, grounded on the SETNX+Lua compare-and-delete
// pattern in tytsxai-exchange-platform's exchange-common/pkg/redis
// client, generalized from a single key to an ordered resource set.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript is the owner-verified delete of §4.2: a caller can never
// erase another caller's lock, even when key sets overlap.
const releaseScript = `
local count = 0
for i, key in ipairs(KEYS) do
	if redis.call("get", key) == ARGV[1] then
		redis.call("del", key)
		count = count + 1
	end
end
return count
`

// DefaultTTL is used when Manager.Acquire is called without an explicit
// ttl, matching the documented default of TRANSACTION_LOCK_TTL_SECONDS.
const DefaultTTL = 30 * time.Second

// Manager acquires and releases named resource locks with TTL,
// owner-verified on release.
type Manager struct {
	client  *redis.Client
	release *redis.Script
}

// NewManager wraps an existing go-redis client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// Acquire attempts to obtain every key in keys, in the given order,
// value = owner, expiring after ttl. If any key is already held, every
// key obtained so far in this call is released (owner-verified) and
// Acquire returns false. Acquire also rolls back and returns the
// underlying error if a Redis operation itself fails partway through.
func (m *Manager) Acquire(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		ok, err := m.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			slog.Error("lock.Manager.Acquire: SetNX error", "key", key, "owner", owner, "error", err.Error())
			m.releaseKeys(ctx, acquired, owner)
			return false, errors.Wrapf(err, "acquire lock %s", key)
		}
		if !ok {
			slog.Info("lock.Manager.Acquire: conflict, rolling back", "key", key, "owner", owner)
			m.releaseKeys(ctx, acquired, owner)
			return false, nil
		}
		acquired = append(acquired, key)
	}

	slog.Info("lock.Manager.Acquire: success", "owner", owner, "keys", len(keys))
	return true, nil
}

// Release runs the owner-verified compare-and-delete script across keys
// and returns how many were actually deleted. A mismatch (another owner
// holds the key, or it already expired) does not error — §4.2 requires
// mismatches to be logged, not fatal, since expiry/ownership races are
// expected under TTL-bounded crash recovery.
func (m *Manager) Release(ctx context.Context, keys []string, owner string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	count, err := m.release.Run(ctx, m.client, keys, owner).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "release locks")
	}
	if int(count) != len(keys) {
		slog.Warn("lock.Manager.Release: owner mismatch on some keys", "owner", owner, "requested", len(keys), "released", count)
	}
	return count, nil
}

func (m *Manager) releaseKeys(ctx context.Context, keys []string, owner string) {
	if len(keys) == 0 {
		return
	}
	if _, err := m.Release(ctx, keys, owner); err != nil {
		slog.Error("lock.Manager.Acquire: rollback release failed", "owner", owner, "error", err.Error())
	}
}
