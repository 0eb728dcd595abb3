// Package lock provides per-task distributed mutual exclusion on top of the
// broker's atomic set-if-absent-with-expiry primitive.
//
// A lock self-heals purely through TTL expiry: if its holder crashes before
// releasing, the key vanishes on its own and any other worker may acquire
// it. No reaper process exists.
package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/types"
)

// releaseScript deletes the lock only while the stored holder still matches.
// A single round trip: a slow worker whose TTL expired cannot race a fresh
// acquire by someone else between the read and the delete.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager acquires and releases task locks.
type Manager struct {
	broker *broker.Client
	logger *zap.Logger
}

// NewManager creates a lock manager on the shared broker handle.
func NewManager(b *broker.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		broker: b,
		logger: logger.With(zap.String("component", "lock")),
	}
}

// Acquire attempts to take the lock for taskID on behalf of holderID.
// Returns true iff the caller now holds the lock. False with a nil error
// means another holder owns it; that is contention, not failure.
func (m *Manager) Acquire(ctx context.Context, taskID, holderID string, ttl time.Duration) (bool, error) {
	ok, err := m.broker.Redis().SetNX(ctx, m.broker.LockKey(taskID), holderID, ttl).Result()
	if err != nil {
		return false, types.WrapBroker("acquire task lock", err)
	}
	if !ok {
		m.logger.Debug("lock contended",
			zap.String("task_id", taskID),
			zap.String("holder_id", holderID),
		)
	}
	return ok, nil
}

// Release drops the lock for taskID iff holderID still owns it. Returns
// true when the lock was actually deleted; false when the key was absent or
// already reassigned after TTL expiry, in which case nothing is deleted.
func (m *Manager) Release(ctx context.Context, taskID, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.broker.Redis(), []string{m.broker.LockKey(taskID)}, holderID).Int()
	if err != nil {
		return false, types.WrapBroker("release task lock", err)
	}
	if n == 0 {
		m.logger.Debug("release skipped, lock no longer held",
			zap.String("task_id", taskID),
			zap.String("holder_id", holderID),
		)
	}
	return n > 0, nil
}

// Holder reports the current lock holder for taskID, or "" when unlocked.
func (m *Manager) Holder(ctx context.Context, taskID string) (string, error) {
	holder, err := m.broker.Redis().Get(ctx, m.broker.LockKey(taskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", types.WrapBroker("read task lock", err)
	}
	return holder, nil
}
