package refreshtokens

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	rt:tok:<value>   hash with the token fields, expires retention after ExpiresAt
//	rt:user:<userID> zset of the user's token values scored by seq
//	rt:seq           insertion sequence
//
// Timestamps are stored as unix microseconds so scripts compare them exactly.
const (
	tokenKeyPrefix = "rt:tok:"
	userKeyPrefix  = "rt:user:"
	seqKey         = "rt:seq"
)

// DefaultRetention is how long a token record outlives its expiry, so a
// replayed expired token is still recognised as the user's.
const DefaultRetention = 24 * time.Hour

const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "seq", ARGV[2], "user_id", ARGV[3], "token", ARGV[4],
  "created_at", ARGV[5], "expires_at", ARGV[6], "created_by_ip", ARGV[7])
redis.call("PEXPIREAT", KEYS[1], ARGV[8])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[4])
return 1
`

const revokeScript = `
local id = redis.call("HGET", KEYS[1], "id")
if not id or id ~= ARGV[1] then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[2], "revoked_by_ip", ARGV[3])
return 1
`

const rotateScript = `
local id = redis.call("HGET", KEYS[1], "id")
if not id or id ~= ARGV[1] then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
local replaced = redis.call("HGET", KEYS[1], "replaced_by_token")
if replaced and replaced ~= "" then
  return 0
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if not expires or expires <= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[2], "revoked_by_ip", ARGV[3], "replaced_by_token", ARGV[4])
return 1
`

const revokeAllScript = `
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local at = tonumber(ARGV[2])
local n = 0
for _, value in ipairs(members) do
  local key = ARGV[1] .. value
  if redis.call("EXISTS", key) == 1 then
    local revoked = redis.call("HGET", key, "revoked_at")
    local expires = tonumber(redis.call("HGET", key, "expires_at"))
    if (not revoked or revoked == "") and expires and expires > at then
      redis.call("HSET", key, "revoked_at", ARGV[2], "revoked_by_ip", ARGV[3])
      n = n + 1
    end
  else
    redis.call("ZREM", KEYS[1], value)
  end
end
return n
`

var (
	insertLua    = redis.NewScript(insertScript)
	revokeLua    = redis.NewScript(revokeScript)
	rotateLua    = redis.NewScript(rotateScript)
	revokeAllLua = redis.NewScript(revokeAllScript)
)

type RedisRepository struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

func NewRedisRepository(rdb redis.UniversalClient, retention time.Duration) *RedisRepository {
	if retention < 0 {
		retention = 0
	}
	return &RedisRepository{rdb: rdb, retention: retention}
}

func tokenKey(value string) string { return tokenKeyPrefix + value }
func userKey(userID string) string { return userKeyPrefix + userID }

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func optionalMicros(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseMicros(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeToken(h map[string]string) (*models.RefreshToken, error) {
	seq, err := strconv.ParseInt(h["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt seq: %w", err)
	}
	created, err := parseMicros(h["created_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	expires, err := parseMicros(h["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt expires_at: %w", err)
	}
	revoked, err := optionalMicros(h["revoked_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt revoked_at: %w", err)
	}

	return &models.RefreshToken{
		ID:              h["id"],
		Seq:             seq,
		UserID:          h["user_id"],
		Token:           h["token"],
		CreatedAt:       created,
		ExpiresAt:       expires,
		CreatedByIP:     models.OptionalString(h["created_by_ip"]),
		RevokedAt:       revoked,
		RevokedByIP:     models.OptionalString(h["revoked_by_ip"]),
		ReplacedByToken: models.OptionalString(h["replaced_by_token"]),
	}, nil
}

func (r *RedisRepository) FindByValue(ctx context.Context, userID, value string) (*models.RefreshToken, error) {
	h, err := r.rdb.HGetAll(ctx, tokenKey(value)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(h) == 0 || h["user_id"] != userID {
		return nil, common.ErrorNotFound
	}
	return decodeToken(h)
}

func (r *RedisRepository) FindActiveByValue(ctx context.Context, userID, value string, now time.Time) (*models.RefreshToken, error) {
	t, err := r.FindByValue(ctx, userID, value)
	if err != nil {
		return nil, err
	}
	if !t.IsActive(now) {
		return nil, common.ErrorNotFound
	}
	return t, nil
}

func (r *RedisRepository) FindAllActive(ctx context.Context, userID string, now time.Time) ([]*models.RefreshToken, error) {
	values, err := r.rdb.ZRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(values))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, v := range values {
			cmds[i] = p.HGetAll(ctx, tokenKey(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var (
		result []*models.RefreshToken
		stale  []any
	)
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			stale = append(stale, values[i])
			continue
		}
		t, err := decodeToken(h)
		if err != nil {
			return nil, err
		}
		if t.IsActive(now) {
			result = append(result, t)
		}
	}

	if len(stale) > 0 {
		if err := r.rdb.ZRem(ctx, userKey(userID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis error: %w", err)
		}
	}

	sortOldestFirst(result)
	return result, nil
}

func (r *RedisRepository) Insert(ctx context.Context, t *models.RefreshToken) error {
	seq, err := r.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	ip := ""
	if t.CreatedByIP != nil {
		ip = *t.CreatedByIP
	}
	expireAt := t.ExpiresAt.Add(r.retention).UnixMilli()

	ok, err := insertLua.Run(ctx, r.rdb,
		[]string{tokenKey(t.Token), userKey(t.UserID)},
		t.ID, seq, t.UserID, t.Token, micros(t.CreatedAt), micros(t.ExpiresAt), ip, expireAt,
	).Int()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: refresh token value already exists", common.ErrorConflict)
	}

	t.Seq = seq
	return nil
}

func (r *RedisRepository) Revoke(ctx context.Context, t *models.RefreshToken, byIP string, at time.Time) error {
	n, err := revokeLua.Run(ctx, r.rdb, []string{tokenKey(t.Token)}, t.ID, micros(at), byIP).Int()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if n == 1 {
		markRevoked(t, byIP, at)
	}
	return nil
}

func (r *RedisRepository) Rotate(ctx context.Context, t *models.RefreshToken, replacedBy, byIP string, at time.Time) error {
	n, err := rotateLua.Run(ctx, r.rdb, []string{tokenKey(t.Token)}, t.ID, micros(at), byIP, replacedBy).Int()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if n == 0 {
		return common.ErrTokenInactive
	}

	markRevoked(t, byIP, at)
	t.ReplacedByToken = &replacedBy
	return nil
}

func (r *RedisRepository) RevokeAll(ctx context.Context, userID, byIP string, at time.Time) (int, error) {
	n, err := revokeAllLua.Run(ctx, r.rdb, []string{userKey(userID)}, tokenKeyPrefix, micros(at), byIP).Int()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return n, nil
}
