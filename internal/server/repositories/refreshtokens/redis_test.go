package refreshtokens

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisRepository_Contract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		mr, rdb := newTestRedis(t)
		// record expiry is absolute; pin the server clock to the fixtures
		mr.SetTime(base)
		return NewRedisRepository(rdb, DefaultRetention)
	})
}

func TestRedisRepository_KeyLayout(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.SetTime(base)
	repo := NewRedisRepository(rdb, DefaultRetention)
	ctx := context.Background()

	tok := newToken("u1", "abc", base)
	require.NoError(t, repo.Insert(ctx, tok))

	assert.True(t, mr.Exists("rt:tok:abc"))
	assert.Equal(t, "u1", mr.HGet("rt:tok:abc", "user_id"))
	members, err := mr.ZMembers("rt:user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)
	seq, err := mr.Get("rt:seq")
	require.NoError(t, err)
	assert.Equal(t, "1", seq)
}

func TestRedisRepository_PrunesEvictedRecords(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.SetTime(base)
	repo := NewRedisRepository(rdb, DefaultRetention)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newToken("u1", "keep", base)))
	require.NoError(t, repo.Insert(ctx, newToken("u1", "gone", base)))
	mr.Del("rt:tok:gone")

	all, err := repo.FindAllActive(ctx, "u1", base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].Token)

	members, err := mr.ZMembers("rt:user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, members)
}

func TestRedisRepository_RecordExpiresAfterRetention(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewRedisRepository(rdb, time.Hour)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	tok := newToken("u1", "ttl", now)
	tok.ExpiresAt = now.Add(time.Minute)
	require.NoError(t, repo.Insert(ctx, tok))

	ttl := mr.TTL("rt:tok:ttl")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, 61*time.Minute)
}
