package refreshtokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is a fixed instant truncated to microseconds so every backend
// round-trips it exactly.
var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newToken(userID, value string, created time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Token:       value,
		CreatedAt:   created,
		ExpiresAt:   created.Add(7 * 24 * time.Hour),
		CreatedByIP: models.OptionalString("10.0.0.1"),
	}
}

// runRepositoryContract exercises the behaviour every backend must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("insert assigns increasing seq and find returns the token", func(t *testing.T) {
		repo := newRepo(t)
		a := newToken("u1", "va", base)
		b := newToken("u1", "vb", base)
		require.NoError(t, repo.Insert(ctx, a))
		require.NoError(t, repo.Insert(ctx, b))
		assert.Greater(t, b.Seq, a.Seq)

		got, err := repo.FindByValue(ctx, "u1", "va")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, a.Seq, got.Seq)
		assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, a.ExpiresAt.Equal(got.ExpiresAt))
		require.NotNil(t, got.CreatedByIP)
		assert.Equal(t, "10.0.0.1", *got.CreatedByIP)
		assert.Nil(t, got.RevokedAt)
		assert.Nil(t, got.ReplacedByToken)
	})

	t.Run("duplicate value is a conflict", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Insert(ctx, newToken("u1", "dup", base)))
		err := repo.Insert(ctx, newToken("u2", "dup", base))
		assert.ErrorIs(t, err, common.ErrorConflict)
	})

	t.Run("tokens are scoped to their user", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Insert(ctx, newToken("u1", "mine", base)))

		_, err := repo.FindByValue(ctx, "u2", "mine")
		assert.ErrorIs(t, err, common.ErrorNotFound)
		_, err = repo.FindByValue(ctx, "u1", "nope")
		assert.ErrorIs(t, err, common.ErrorNotFound)

		all, err := repo.FindAllActive(ctx, "u2", base)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("find all active is oldest first with seq tie-break", func(t *testing.T) {
		repo := newRepo(t)
		late := newToken("u1", "late", base.Add(time.Minute))
		tieA := newToken("u1", "tieA", base)
		tieB := newToken("u1", "tieB", base)
		require.NoError(t, repo.Insert(ctx, late))
		require.NoError(t, repo.Insert(ctx, tieA))
		require.NoError(t, repo.Insert(ctx, tieB))

		all, err := repo.FindAllActive(ctx, "u1", base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"tieA", "tieB", "late"}, []string{all[0].Token, all[1].Token, all[2].Token})
	})

	t.Run("expired tokens are inactive but still findable", func(t *testing.T) {
		repo := newRepo(t)
		tok := newToken("u1", "old", base)
		require.NoError(t, repo.Insert(ctx, tok))

		after := tok.ExpiresAt
		_, err := repo.FindActiveByValue(ctx, "u1", "old", after)
		assert.ErrorIs(t, err, common.ErrorNotFound)

		got, err := repo.FindByValue(ctx, "u1", "old")
		require.NoError(t, err)
		assert.True(t, got.IsExpired(after))

		all, err := repo.FindAllActive(ctx, "u1", after)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("revoke is idempotent and never cleared", func(t *testing.T) {
		repo := newRepo(t)
		tok := newToken("u1", "r", base)
		require.NoError(t, repo.Insert(ctx, tok))

		first := base.Add(time.Minute)
		require.NoError(t, repo.Revoke(ctx, tok, "1.1.1.1", first))
		require.NotNil(t, tok.RevokedAt)

		again := &models.RefreshToken{ID: tok.ID, Token: tok.Token, UserID: "u1"}
		require.NoError(t, repo.Revoke(ctx, again, "2.2.2.2", base.Add(time.Hour)))
		assert.Nil(t, again.RevokedAt)

		got, err := repo.FindByValue(ctx, "u1", "r")
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, got.RevokedAt.Equal(first))
		assert.Equal(t, "1.1.1.1", *got.RevokedByIP)

		_, err = repo.FindActiveByValue(ctx, "u1", "r", first)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("rotate is compare-and-set", func(t *testing.T) {
		repo := newRepo(t)
		tok := newToken("u1", "t1", base)
		require.NoError(t, repo.Insert(ctx, tok))

		at := base.Add(time.Minute)
		require.NoError(t, repo.Rotate(ctx, tok, "t2", "3.3.3.3", at))
		require.NotNil(t, tok.ReplacedByToken)
		assert.Equal(t, "t2", *tok.ReplacedByToken)

		stale := newToken("u1", "t1", base)
		stale.ID = tok.ID
		err := repo.Rotate(ctx, stale, "t3", "3.3.3.3", at)
		assert.ErrorIs(t, err, common.ErrTokenInactive)

		got, err := repo.FindByValue(ctx, "u1", "t1")
		require.NoError(t, err)
		assert.Equal(t, "t2", *got.ReplacedByToken)
		assert.True(t, got.RevokedAt.Equal(at))
	})

	t.Run("rotate refuses revoked, expired and unknown tokens", func(t *testing.T) {
		repo := newRepo(t)

		revoked := newToken("u1", "rv", base)
		require.NoError(t, repo.Insert(ctx, revoked))
		require.NoError(t, repo.Revoke(ctx, revoked, "", base))
		assert.ErrorIs(t, repo.Rotate(ctx, revoked, "x1", "", base.Add(time.Second)), common.ErrTokenInactive)

		expired := newToken("u1", "ex", base)
		require.NoError(t, repo.Insert(ctx, expired))
		assert.ErrorIs(t, repo.Rotate(ctx, expired, "x2", "", expired.ExpiresAt), common.ErrTokenInactive)

		assert.ErrorIs(t, repo.Rotate(ctx, newToken("u1", "ghost", base), "x3", "", base), common.ErrTokenInactive)
	})

	t.Run("revoke all touches only active tokens of the user", func(t *testing.T) {
		repo := newRepo(t)
		a := newToken("u1", "a", base)
		b := newToken("u1", "b", base)
		c := newToken("u1", "c", base)
		other := newToken("u2", "o", base)
		for _, tok := range []*models.RefreshToken{a, b, c, other} {
			require.NoError(t, repo.Insert(ctx, tok))
		}
		require.NoError(t, repo.Revoke(ctx, c, "", base))

		n, err := repo.RevokeAll(ctx, "u1", "4.4.4.4", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := repo.FindAllActive(ctx, "u1", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, all)

		mine, err := repo.FindAllActive(ctx, "u2", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		n, err = repo.RevokeAll(ctx, "u1", "", base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("concurrent rotations of one token have a single winner", func(t *testing.T) {
		repo := newRepo(t)
		tok := newToken("u1", "race", base)
		require.NoError(t, repo.Insert(ctx, tok))

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cp := tok.Clone()
				err := repo.Rotate(ctx, cp, uuid.NewString(), "", base.Add(time.Minute))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
