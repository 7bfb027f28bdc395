package repomanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// DefaultLockTTL bounds how long a crashed holder can block a user.
const DefaultLockTTL = 10 * time.Second

const lockRetryInterval = 10 * time.Millisecond

// releaseLockScript deletes the lock only if we still own it.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

var ErrLockLost = errors.New("user scope lock expired before release")

type RedisRepositoryManager struct {
	rdb     redis.UniversalClient
	lockTTL time.Duration
}

func NewRedisRepositoryManager(rdb redis.UniversalClient, lockTTL time.Duration) *RedisRepositoryManager {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisRepositoryManager{rdb: rdb, lockTTL: lockTTL}
}

func (m *RedisRepositoryManager) RunMigrations(context.Context) error { return nil }

func (m *RedisRepositoryManager) Users() users.Repository {
	return users.NewRedisRepository(m.rdb)
}

func (m *RedisRepositoryManager) RefreshTokens() refreshtokens.Repository {
	return refreshtokens.NewRedisRepository(m.rdb, refreshtokens.DefaultRetention)
}

func (m *RedisRepositoryManager) Close() error {
	return m.rdb.Close()
}

func (m *RedisRepositoryManager) lock(ctx context.Context, key, owner string) error {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := m.rdb.SetNX(ctx, key, owner, m.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquire user lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *RedisRepositoryManager) WithinUserScope(ctx context.Context, userID string, fn ScopeFunc) (err error) {
	key := lockKeyPrefix + userScopeKey(userID)
	owner := uuid.NewString()

	if err := m.lock(ctx, key, owner); err != nil {
		return err
	}
	defer func() {
		n, rerr := releaseLockLua.Run(context.WithoutCancel(ctx), m.rdb, []string{key}, owner).Int()
		if err != nil {
			return
		}
		if rerr != nil {
			err = fmt.Errorf("release user lock: %w", rerr)
		} else if n == 0 {
			err = ErrLockLost
		}
	}()

	return fn(ctx, m.RefreshTokens())
}
