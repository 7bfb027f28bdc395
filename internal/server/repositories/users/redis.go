package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	user:<id>               JSON user record
//	user:name:<username>    id index
//	user:email:<email>      id index
const (
	userKeyPrefix     = "user:"
	usernameKeyPrefix = "user:name:"
	emailKeyPrefix    = "user:email:"
)

const (
	createOK          int64 = 0
	createDupUsername int64 = 1
	createDupEmail    int64 = 2
)

// createUserScript claims both indexes and writes the record in one step.
const createUserScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 1
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 2
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[1])
return 0
`

var createUserLua = redis.NewScript(createUserScript)

type RedisRepository struct {
	rdb redis.UniversalClient
}

func NewRedisRepository(rdb redis.UniversalClient) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func (r *RedisRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	payload, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}

	keys := []string{
		userKeyPrefix + user.ID,
		usernameKeyPrefix + user.Username,
		emailKeyPrefix + user.Email,
	}
	res, err := createUserLua.Run(ctx, r.rdb, keys, user.ID, payload).Int64()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	switch res {
	case createOK:
		return user, nil
	case createDupUsername:
		return nil, ErrDuplicateUsername
	case createDupEmail:
		return nil, ErrDuplicateEmail
	default:
		return nil, fmt.Errorf("redis error: unexpected create status %d", res)
	}
}

func (r *RedisRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	n, err := r.rdb.Exists(ctx, usernameKeyPrefix+username).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	n, err := r.rdb.Exists(ctx, emailKeyPrefix+email).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := r.rdb.Get(ctx, emailKeyPrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *RedisRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	raw, err := r.rdb.Get(ctx, userKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}

	user := &models.User{}
	if err := json.Unmarshal(raw, user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return user, nil
}
