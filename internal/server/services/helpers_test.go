package services

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/cryptox"
	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/audit"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/auth"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) Kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]audit.Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recordingEmitter) Count(kind audit.Kind) int {
	n := 0
	for _, k := range r.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	sm      *SessionManager
	repos   *repomanager.MemoryRepositoryManager
	signer  *auth.Signer
	clock   *fakeClock
	audit   *recordingEmitter
	logs    *bytes.Buffer
	policy  Policy
	policyM sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repos: repomanager.NewMemoryRepositoryManager(),
		signer: auth.NewSigner(func() auth.Settings {
			return auth.Settings{Key: []byte(testKey), Issuer: "tokenkeeper", Audience: "tokenkeeper-clients"}
		}),
		clock: &fakeClock{t: time.Now().UTC()},
		audit: &recordingEmitter{},
		logs:  &bytes.Buffer{},
		policy: Policy{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   7 * 24 * time.Hour,
			MaxActiveSessions: 2,
		},
	}

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	h.sm = NewSessionManager(h.repos, h.signer, cryptox.NewBcryptHasher(bcrypt.MinCost), h.currentPolicy, log, h.audit)
	h.sm.now = h.clock.Now

	t.Cleanup(func() { _ = h.repos.Close() })
	return h
}

func (h *harness) currentPolicy() Policy {
	h.policyM.Lock()
	defer h.policyM.Unlock()
	return h.policy
}

func (h *harness) setMaxActive(n int) {
	h.policyM.Lock()
	defer h.policyM.Unlock()
	h.policy.MaxActiveSessions = n
}

func (h *harness) register(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := h.sm.Register(context.Background(), username, username+"@example.com", "pa55word")
	require.NoError(t, err)
	return u
}

func (h *harness) login(t *testing.T, username string) *TokenResponse {
	t.Helper()
	resp, err := h.sm.Login(context.Background(), username+"@example.com", "pa55word", "10.0.0.1")
	require.NoError(t, err)
	return resp
}

// activeValues lists the user's active refresh token values oldest first.
func (h *harness) activeValues(t *testing.T, userID string) []string {
	t.Helper()
	active, err := h.repos.RefreshTokens().FindAllActive(context.Background(), userID, h.clock.Now())
	require.NoError(t, err)
	values := make([]string, 0, len(active))
	for _, a := range active {
		values = append(values, a.Token)
	}
	return values
}

func (h *harness) token(t *testing.T, userID, value string) *models.RefreshToken {
	t.Helper()
	tok, err := h.repos.RefreshTokens().FindByValue(context.Background(), userID, value)
	require.NoError(t, err)
	return tok
}

// expiredAccess mints an access token for u that expired a minute ago.
func (h *harness) expiredAccess(t *testing.T, u *models.User) string {
	t.Helper()
	tok, _, err := h.signer.Issue(u.Identity(), -time.Minute)
	require.NoError(t, err)
	return tok
}
