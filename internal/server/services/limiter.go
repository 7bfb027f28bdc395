package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/audit"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/refreshtokens"
)

// SessionLimiter keeps the number of active refresh tokens of a user under a cap.
type SessionLimiter struct {
	log   logging.Logger
	audit audit.Emitter
}

func NewSessionLimiter(log logging.Logger, emitter audit.Emitter) *SessionLimiter {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &SessionLimiter{
		log:   log.With("module", "limiter"),
		audit: emitter,
	}
}

// EnforceLimit makes room for one more session: when the user already has
// maxActive or more tokens active at now, the oldest ones are revoked until
// maxActive-1 remain. It returns how many tokens were evicted.
// It must run inside the user's scope.
func (l *SessionLimiter) EnforceLimit(ctx context.Context, tokens refreshtokens.Repository, userID string, maxActive int, byIP string, now time.Time) (int, error) {
	return l.makeRoom(ctx, tokens, userID, maxActive, byIP, now, "")
}

// makeRoom is EnforceLimit for a rotation: the token with ID replacing still
// counts towards the cap and takes its place in the eviction order, but it is
// left for the caller to rotate instead of being revoked here.
func (l *SessionLimiter) makeRoom(ctx context.Context, tokens refreshtokens.Repository, userID string, maxActive int, byIP string, now time.Time, replacing string) (int, error) {
	if maxActive < 1 {
		maxActive = 1
	}

	active, err := tokens.FindAllActive(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("error listing active sessions: %w", err)
	}

	if len(active) < maxActive {
		return 0, nil
	}

	evicted := 0
	for _, t := range active[:len(active)-maxActive+1] {
		if replacing != "" && t.ID == replacing {
			continue
		}
		if err := tokens.Revoke(ctx, t, byIP, now); err != nil {
			return evicted, fmt.Errorf("error evicting session: %w", err)
		}
		evicted++

		l.log.Info(ctx, "session evicted", "user_id", userID, "token_id", t.ID, "max_active", maxActive)

		e := audit.NewEvent(audit.KindSessionEvicted, userID, now)
		e.TokenID = t.ID
		e.IP = byIP
		e.Detail = fmt.Sprintf("active session limit %d reached", maxActive)
		l.audit.Emit(ctx, e)
	}

	return evicted, nil
}
