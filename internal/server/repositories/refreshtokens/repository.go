package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
)

// Repository stores refresh tokens. Each call is atomic for the rows it
// touches; callers needing read-then-write consistency run inside a
// per-user scope (see repomanager).
type Repository interface {
	// FindByValue returns the user's token with that value in any state,
	// or common.ErrorNotFound.
	FindByValue(ctx context.Context, userID, value string) (*models.RefreshToken, error)
	// FindActiveByValue is FindByValue restricted to tokens active at now.
	FindActiveByValue(ctx context.Context, userID, value string, now time.Time) (*models.RefreshToken, error)
	// FindAllActive lists the user's active tokens oldest first (CreatedAt, then Seq).
	FindAllActive(ctx context.Context, userID string, now time.Time) ([]*models.RefreshToken, error)
	// Insert persists t and assigns t.Seq.
	Insert(ctx context.Context, t *models.RefreshToken) error
	// Revoke marks t revoked. Revoking an already revoked token is a no-op.
	Revoke(ctx context.Context, t *models.RefreshToken, byIP string, at time.Time) error
	// Rotate revokes t and links it to its successor only while t is still
	// active at `at`; otherwise it returns common.ErrTokenInactive.
	Rotate(ctx context.Context, t *models.RefreshToken, replacedBy, byIP string, at time.Time) error
	// RevokeAll revokes every token of the user active at `at` and returns how many.
	RevokeAll(ctx context.Context, userID, byIP string, at time.Time) (int, error)
}

func markRevoked(t *models.RefreshToken, byIP string, at time.Time) {
	t.RevokedAt = &at
	t.RevokedByIP = models.OptionalString(byIP)
}
