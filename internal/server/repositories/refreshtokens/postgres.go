// Package refreshtokens persists refresh tokens for the session manager.
// Postgres, Redis and in-memory implementations share one Repository contract.
package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/dbx"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
)

const selectColumns = `id, seq, user_id, token, created_at, expires_at,
		       created_by_ip, revoked_at, revoked_by_ip, replaced_by_token`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB, *sql.Conn or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*models.RefreshToken, error) {
	t := &models.RefreshToken{}
	err := row.Scan(&t.ID, &t.Seq, &t.UserID, &t.Token, &t.CreatedAt, &t.ExpiresAt,
		&t.CreatedByIP, &t.RevokedAt, &t.RevokedByIP, &t.ReplacedByToken)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*models.RefreshToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || dbx.IsInvalidText(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) FindByValue(ctx context.Context, userID, value string) (*models.RefreshToken, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND token = $2
	`
	return r.findOne(ctx, query, userID, value)
}

func (r *PostgresRepository) FindActiveByValue(ctx context.Context, userID, value string, now time.Time) (*models.RefreshToken, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND token = $2
		  AND revoked_at IS NULL AND expires_at > $3
	`
	return r.findOne(ctx, query, userID, value, now)
}

func (r *PostgresRepository) FindAllActive(ctx context.Context, userID string, now time.Time) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at, seq
	`
	rows, err := r.db.QueryContext(ctx, query, userID, now)
	if err != nil {
		if dbx.IsInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, t *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token, created_at, expires_at, created_by_ip)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`
	err := r.db.QueryRowContext(ctx, query,
		t.ID, t.UserID, t.Token, t.CreatedAt, t.ExpiresAt, t.CreatedByIP).Scan(&t.Seq)
	if err != nil {
		if name, ok := dbx.UniqueViolation(err); ok {
			return fmt.Errorf("%w: refresh token violates %s", common.ErrorConflict, name)
		}
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, t *models.RefreshToken, byIP string, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3
		WHERE id = $1 AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, t.ID, at, models.OptionalString(byIP))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		markRevoked(t, byIP, at)
	}
	return nil
}

func (r *PostgresRepository) Rotate(ctx context.Context, t *models.RefreshToken, replacedBy, byIP string, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3, replaced_by_token = $4
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND replaced_by_token IS NULL
		  AND expires_at > $2
	`
	res, err := r.db.ExecContext(ctx, query, t.ID, at, models.OptionalString(byIP), replacedBy)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrTokenInactive
	}

	markRevoked(t, byIP, at)
	t.ReplacedByToken = &replacedBy
	return nil
}

func (r *PostgresRepository) RevokeAll(ctx context.Context, userID, byIP string, at time.Time) (int, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`
	res, err := r.db.ExecContext(ctx, query, userID, at, models.OptionalString(byIP))
	if err != nil {
		if dbx.IsInvalidText(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
