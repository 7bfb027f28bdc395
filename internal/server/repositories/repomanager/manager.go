package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/tokenkeeper/internal/server/config"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/users"
	"github.com/redis/go-redis/v9"
)

// ScopeFunc runs with exclusive access to one user's refresh tokens.
// tokens is bound to the scope (for Postgres: the locked connection).
type ScopeFunc func(ctx context.Context, tokens refreshtokens.Repository) error

type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	Users() users.Repository
	RefreshTokens() refreshtokens.Repository
	// WithinUserScope serializes fn against every other scope of userID.
	// Writes made by fn are kept even when fn returns an error.
	WithinUserScope(ctx context.Context, userID string, fn ScopeFunc) error
	Close() error
}

func userScopeKey(userID string) string {
	return "user:" + userID
}

// sqlOpen and redisPing are seams for tests.
var (
	sqlOpen   = sql.Open
	redisPing = func(ctx context.Context, rdb redis.UniversalClient) error { return rdb.Ping(ctx).Err() }
)

// New opens the backend selected by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config) (RepositoryManager, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := sqlOpen("pgx", cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewPostgresRepositoryManager(db)

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisPing(ctx, rdb); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisRepositoryManager(rdb, DefaultLockTTL), nil

	case config.BackendMemory:
		return NewMemoryRepositoryManager(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
