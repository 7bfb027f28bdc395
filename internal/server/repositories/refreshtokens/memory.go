package refreshtokens

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
)

// MemoryRepository keeps tokens in process memory. It is used by the
// "memory" store backend and by service tests.
type MemoryRepository struct {
	mu      sync.Mutex
	seq     int64
	byValue map[string]*models.RefreshToken
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byValue: make(map[string]*models.RefreshToken)}
}

func (r *MemoryRepository) FindByValue(_ context.Context, userID, value string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byValue[value]
	if !ok || t.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) FindActiveByValue(ctx context.Context, userID, value string, now time.Time) (*models.RefreshToken, error) {
	t, err := r.FindByValue(ctx, userID, value)
	if err != nil {
		return nil, err
	}
	if !t.IsActive(now) {
		return nil, common.ErrorNotFound
	}
	return t, nil
}

func (r *MemoryRepository) FindAllActive(_ context.Context, userID string, now time.Time) ([]*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*models.RefreshToken
	for _, t := range r.byValue {
		if t.UserID == userID && t.IsActive(now) {
			result = append(result, t.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (r *MemoryRepository) Insert(_ context.Context, t *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byValue[t.Token]; ok {
		return fmt.Errorf("%w: refresh token value already exists", common.ErrorConflict)
	}
	r.seq++
	t.Seq = r.seq
	r.byValue[t.Token] = t.Clone()
	return nil
}

func (r *MemoryRepository) Revoke(_ context.Context, t *models.RefreshToken, byIP string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byValue[t.Token]
	if !ok || stored.ID != t.ID || stored.RevokedAt != nil {
		return nil
	}
	markRevoked(stored, byIP, at)
	markRevoked(t, byIP, at)
	return nil
}

func (r *MemoryRepository) Rotate(_ context.Context, t *models.RefreshToken, replacedBy, byIP string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byValue[t.Token]
	if !ok || stored.ID != t.ID || !stored.IsActive(at) || stored.ReplacedByToken != nil {
		return common.ErrTokenInactive
	}
	markRevoked(stored, byIP, at)
	stored.ReplacedByToken = &replacedBy

	markRevoked(t, byIP, at)
	next := replacedBy
	t.ReplacedByToken = &next
	return nil
}

func (r *MemoryRepository) RevokeAll(_ context.Context, userID, byIP string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.byValue {
		if t.UserID == userID && t.IsActive(at) {
			markRevoked(t, byIP, at)
			n++
		}
	}
	return n, nil
}

func sortOldestFirst(tokens []*models.RefreshToken) {
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].Seq < tokens[j].Seq
	})
}
