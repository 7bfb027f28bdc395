// Package services contains server-side business logic. This file implements
// SessionManager: registration, login, refresh token rotation with reuse
// detection, and logout.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/cryptox"
	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/audit"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/auth"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/config"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/repomanager"
	usersrepo "github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/users"
	"github.com/google/uuid"
)

// Policy is the part of the configuration the session rules depend on.
type Policy struct {
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	MaxActiveSessions int
}

// PolicyFromStore reads the policy from the live configuration on every call.
func PolicyFromStore(store *config.Store) func() Policy {
	return func() Policy {
		cfg := store.Current()
		return Policy{
			AccessTokenTTL:    cfg.AccessTokenValidityDuration,
			RefreshTokenTTL:   cfg.RefreshTokenTTL(),
			MaxActiveSessions: cfg.MaxActiveSessionsPerUser,
		}
	}
}

type TokenResponse struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
	UserID            string
	Username          string
}

type SessionManager struct {
	repomanager repomanager.RepositoryManager
	signer      *auth.Signer
	hasher      cryptox.Hasher
	limiter     *SessionLimiter
	policy      func() Policy
	log         logging.Logger
	audit       audit.Emitter
	now         func() time.Time
}

func NewSessionManager(
	m repomanager.RepositoryManager,
	signer *auth.Signer,
	hasher cryptox.Hasher,
	policy func() Policy,
	log logging.Logger,
	emitter audit.Emitter,
) *SessionManager {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &SessionManager{
		repomanager: m,
		signer:      signer,
		hasher:      hasher,
		limiter:     NewSessionLimiter(log, emitter),
		policy:      policy,
		log:         log.With("module", "sessions"),
		audit:       emitter,
		now:         time.Now,
	}
}

func (s *SessionManager) emit(ctx context.Context, kind audit.Kind, userID, tokenID, ip string, at time.Time) {
	e := audit.NewEvent(kind, userID, at)
	e.TokenID = tokenID
	e.IP = ip
	s.audit.Emit(ctx, e)
}

// Register creates a user. It issues no tokens.
func (s *SessionManager) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	users := s.repomanager.Users()

	exists, err := users.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("error checking username: %w", err)
	}
	if exists {
		return nil, common.Conflict("Username '%s' is already taken.", username)
	}

	exists, err = users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("error checking email: %w", err)
	}
	if exists {
		return nil, common.Conflict("Email '%s' is already registered.", email)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, cryptox.ErrPasswordTooLong) {
			return nil, common.BadRequest("Password is too long.")
		}
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	now := s.now().UTC()
	user, err := users.Create(ctx, &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		switch {
		case errors.Is(err, usersrepo.ErrDuplicateUsername):
			return nil, common.Conflict("Username '%s' is already taken.", username)
		case errors.Is(err, usersrepo.ErrDuplicateEmail):
			return nil, common.Conflict("Email '%s' is already registered.", email)
		case errors.Is(err, common.ErrorConflict):
			return nil, common.Conflict("User '%s' already exists.", username)
		}
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	s.log.Info(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

func (s *SessionManager) Login(ctx context.Context, email, password, clientIP string) (*TokenResponse, error) {
	user, err := s.repomanager.Users().GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("error loading user: %w", err)
	}

	var hash string
	if user != nil {
		hash = user.PasswordHash
	}
	if !s.hasher.Verify(hash, password) || user == nil {
		return nil, common.Unauthorized("Invalid credentials.")
	}

	policy := s.policy()
	now := s.now()

	access, exp, err := s.signer.Issue(user.Identity(), policy.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("error issuing access token: %w", err)
	}

	var refresh *models.RefreshToken
	err = s.repomanager.WithinUserScope(ctx, user.ID, func(ctx context.Context, tokens refreshtokens.Repository) error {
		value, err := newRefreshValue()
		if err != nil {
			return err
		}
		refresh, err = s.issueRefreshToken(ctx, tokens, user.ID, value, clientIP, policy, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "user logged in", "user_id", user.ID, "token_id", refresh.ID)
	s.emit(ctx, audit.KindLogin, user.ID, refresh.ID, clientIP, now)
	return newTokenResponse(user, access, exp, refresh), nil
}

// Refresh exchanges a refresh token for a new pair. The access token may be
// expired but must otherwise be valid. Presenting a token that is unknown or
// no longer active is treated as theft: every session of the user is revoked.
func (s *SessionManager) Refresh(ctx context.Context, accessToken, refreshValue, clientIP string) (*TokenResponse, error) {
	identity, err := s.signer.ValidateExpiredOnly(accessToken)
	if err != nil {
		return nil, common.Unauthorized("Invalid access token provided for refresh.")
	}

	user, err := s.repomanager.Users().GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.Unauthorized("User session not found.")
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}

	policy := s.policy()
	now := s.now()

	access, exp, err := s.signer.Issue(user.Identity(), policy.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("error issuing access token: %w", err)
	}

	var (
		refresh *models.RefreshToken
		reused  bool
	)
	err = s.repomanager.WithinUserScope(ctx, user.ID, func(ctx context.Context, tokens refreshtokens.Repository) error {
		current, err := tokens.FindByValue(ctx, user.ID, refreshValue)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("error searching refresh token: %w", err)
		}
		if current == nil || !current.IsActive(now) {
			reused = true
			return s.containReuse(ctx, tokens, user.ID, current, clientIP, now)
		}

		if _, err := s.limiter.makeRoom(ctx, tokens, user.ID, policy.MaxActiveSessions, clientIP, now, current.ID); err != nil {
			return err
		}

		// the successor is stored before the presented token is retired, so a
		// failed insert leaves the presented token usable for a retry
		value, err := newRefreshValue()
		if err != nil {
			return err
		}
		successor, err := s.storeRefreshToken(ctx, tokens, user.ID, value, clientIP, policy, now)
		if err != nil {
			return err
		}

		if err := tokens.Rotate(ctx, current, successor.Token, clientIP, now); err != nil {
			if errors.Is(err, common.ErrTokenInactive) {
				// RevokeAll takes the successor down with the rest
				reused = true
				return s.containReuse(ctx, tokens, user.ID, current, clientIP, now)
			}
			return fmt.Errorf("error rotating refresh token: %w", err)
		}

		refresh = successor
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reused {
		return nil, common.Unauthorized("Invalid or expired refresh session.")
	}

	s.log.Info(ctx, "session refreshed", "user_id", user.ID, "token_id", refresh.ID)
	s.emit(ctx, audit.KindRefresh, user.ID, refresh.ID, clientIP, now)
	return newTokenResponse(user, access, exp, refresh), nil
}

func (s *SessionManager) containReuse(ctx context.Context, tokens refreshtokens.Repository, userID string, presented *models.RefreshToken, clientIP string, now time.Time) error {
	revoked, err := tokens.RevokeAll(ctx, userID, clientIP, now)
	if err != nil {
		return fmt.Errorf("error revoking sessions after reuse: %w", err)
	}

	tokenID := ""
	if presented != nil {
		tokenID = presented.ID
	}

	s.log.Warn(ctx, "refresh token reuse detected, all sessions revoked",
		"event", "refresh_token_reuse",
		"user_id", userID,
		"token_id", tokenID,
		"ip", clientIP,
		"revoked", revoked,
	)

	e := audit.NewEvent(audit.KindRefreshTokenReuse, userID, now)
	e.TokenID = tokenID
	e.IP = clientIP
	e.Detail = fmt.Sprintf("%d sessions revoked", revoked)
	s.audit.Emit(ctx, e)

	return nil
}

// Logout revokes one session when refreshValue is set, otherwise all of them.
// A value that is unknown or already inactive is not an error.
func (s *SessionManager) Logout(ctx context.Context, identity models.Identity, refreshValue, clientIP string) error {
	userID := strings.TrimSpace(identity.UserID)
	if _, err := uuid.Parse(userID); err != nil {
		return common.BadRequest("Invalid user session for logout.")
	}

	now := s.now()

	return s.repomanager.WithinUserScope(ctx, userID, func(ctx context.Context, tokens refreshtokens.Repository) error {
		if refreshValue == "" {
			n, err := tokens.RevokeAll(ctx, userID, clientIP, now)
			if err != nil {
				return fmt.Errorf("error revoking sessions: %w", err)
			}
			s.log.Info(ctx, "all sessions logged out", "user_id", userID, "revoked", n)
			s.emit(ctx, audit.KindLogoutAll, userID, "", clientIP, now)
			return nil
		}

		t, err := tokens.FindActiveByValue(ctx, userID, refreshValue, now)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return nil
			}
			return fmt.Errorf("error searching refresh token: %w", err)
		}

		if err := tokens.Revoke(ctx, t, clientIP, now); err != nil {
			return fmt.Errorf("error revoking refresh token: %w", err)
		}
		s.log.Info(ctx, "session logged out", "user_id", userID, "token_id", t.ID)
		s.emit(ctx, audit.KindLogout, userID, t.ID, clientIP, now)
		return nil
	})
}

// issueRefreshToken makes room under the session cap and stores a new token
// with the given value. It must run inside the user's scope.
func (s *SessionManager) issueRefreshToken(ctx context.Context, tokens refreshtokens.Repository, userID, value, clientIP string, policy Policy, now time.Time) (*models.RefreshToken, error) {
	if _, err := s.limiter.EnforceLimit(ctx, tokens, userID, policy.MaxActiveSessions, clientIP, now); err != nil {
		return nil, err
	}
	return s.storeRefreshToken(ctx, tokens, userID, value, clientIP, policy, now)
}

func (s *SessionManager) storeRefreshToken(ctx context.Context, tokens refreshtokens.Repository, userID, value, clientIP string, policy Policy, now time.Time) (*models.RefreshToken, error) {
	t := &models.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Token:       value,
		CreatedAt:   now,
		ExpiresAt:   now.Add(policy.RefreshTokenTTL),
		CreatedByIP: models.OptionalString(clientIP),
	}
	if err := tokens.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("error storing refresh token: %w", err)
	}
	return t, nil
}

func newTokenResponse(user *models.User, access string, exp time.Time, refresh *models.RefreshToken) *TokenResponse {
	return &TokenResponse{
		AccessToken:       access,
		AccessTokenExpiry: exp,
		RefreshToken:      refresh.Token,
		UserID:            user.ID,
		Username:          user.Username,
	}
}

func newRefreshValue() (string, error) {
	v, err := common.MakeRandURLString(common.RefreshTokenSize)
	if err != nil {
		return "", fmt.Errorf("error generating refresh token: %w", err)
	}
	return v, nil
}
