package users

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
)

// Both wrap common.ErrorConflict.
var (
	ErrDuplicateUsername = fmt.Errorf("%w: username already exists", common.ErrorConflict)
	ErrDuplicateEmail    = fmt.Errorf("%w: email already exists", common.ErrorConflict)
)

type Repository interface {
	// Create stores user, assigning an ID when empty. A taken username or
	// email yields ErrDuplicateUsername / ErrDuplicateEmail.
	Create(ctx context.Context, user *models.User) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// GetByEmail and GetByID return common.ErrorNotFound when absent.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}
