package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/cryptox"
	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	pb "github.com/dmitrijs2005/tokenkeeper/internal/proto"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/audit"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/auth"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type testEnv struct {
	client pb.AuthServiceClient

	mu     sync.Mutex
	policy services.Policy
}

func (e *testEnv) currentPolicy() services.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

func (e *testEnv) setAccessTTL(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.AccessTokenTTL = d
}

// newTestEnv serves a real session manager over an in-memory listener.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{policy: services.Policy{
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   24 * time.Hour,
		MaxActiveSessions: 2,
	}}

	log := logging.NewDiscardLogger()
	signer := auth.NewSigner(func() auth.Settings {
		return auth.Settings{Key: []byte("0123456789abcdef0123456789abcdef"), Issuer: "tokenkeeper", Audience: "tokenkeeper-clients"}
	})
	sm := services.NewSessionManager(repomanager.NewMemoryRepositoryManager(), signer,
		cryptox.NewBcryptHasher(bcrypt.MinCost), env.currentPolicy, log, audit.Discard)

	srv := NewGRPCServer("bufnet", log, sm, signer)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})

	env.client = pb.NewAuthServiceClient(conn)
	return env
}

func withAccessToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, token)
}

func requireCode(t *testing.T, err error, code codes.Code, msg string) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, code, st.Code())
	if msg != "" {
		assert.Equal(t, msg, st.Message())
	}
}

func TestAuthService_Flow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.client.Register(ctx, pb.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "pw"}.Struct())
	require.NoError(t, err)
	reg, err := pb.ParseRegisterResponse(out)
	require.NoError(t, err)
	assert.NotEmpty(t, reg.UserID)

	_, err = env.client.Register(ctx, pb.RegisterRequest{Username: "bob", Email: "alice@example.com", Password: "pw"}.Struct())
	requireCode(t, err, codes.AlreadyExists, "Email 'alice@example.com' is already registered.")

	_, err = env.client.Login(ctx, pb.LoginRequest{Email: "alice@example.com", Password: "nope"}.Struct())
	requireCode(t, err, codes.Unauthenticated, "Invalid credentials.")

	out, err = env.client.Login(ctx, pb.LoginRequest{Email: "alice@example.com", Password: "pw"}.Struct())
	require.NoError(t, err)
	login, err := pb.ParseTokenResponse(out)
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, login.UserID)
	assert.Equal(t, "alice", login.Username)
	assert.True(t, login.AccessTokenExpiry.After(time.Now()))

	out, err = env.client.Refresh(ctx, pb.RefreshRequest{AccessToken: login.AccessToken, RefreshToken: login.RefreshToken}.Struct())
	require.NoError(t, err)
	refreshed, err := pb.ParseTokenResponse(out)
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// replaying the rotated token is rejected
	_, err = env.client.Refresh(ctx, pb.RefreshRequest{AccessToken: login.AccessToken, RefreshToken: login.RefreshToken}.Struct())
	requireCode(t, err, codes.Unauthenticated, "Invalid or expired refresh session.")

	_, err = env.client.Logout(withAccessToken(ctx, refreshed.AccessToken), pb.LogoutRequest{}.Struct())
	require.NoError(t, err)

	out, err = env.client.Ping(ctx, &structpb.Struct{})
	require.NoError(t, err)
	ping, err := pb.ParsePingResponse(out)
	require.NoError(t, err)
	assert.Equal(t, "OK", ping.Status)
}

func TestAuthService_LogoutNeedsLiveToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Register(ctx, pb.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "pw"}.Struct())
	require.NoError(t, err)

	env.setAccessTTL(-time.Minute)
	out, err := env.client.Login(ctx, pb.LoginRequest{Email: "alice@example.com", Password: "pw"}.Struct())
	require.NoError(t, err)
	expired, err := pb.ParseTokenResponse(out)
	require.NoError(t, err)

	_, err = env.client.Logout(ctx, pb.LogoutRequest{}.Struct())
	requireCode(t, err, codes.Unauthenticated, "missing token")

	_, err = env.client.Logout(withAccessToken(ctx, "garbage"), pb.LogoutRequest{}.Struct())
	requireCode(t, err, codes.Unauthenticated, "invalid token")

	_, err = env.client.Logout(withAccessToken(ctx, expired.AccessToken), pb.LogoutRequest{RefreshToken: expired.RefreshToken}.Struct())
	requireCode(t, err, codes.Unauthenticated, "token expired")

	// an expired access token is exactly what refresh expects
	env.setAccessTTL(time.Minute)
	out, err = env.client.Refresh(ctx, pb.RefreshRequest{AccessToken: expired.AccessToken, RefreshToken: expired.RefreshToken}.Struct())
	require.NoError(t, err)
	fresh, err := pb.ParseTokenResponse(out)
	require.NoError(t, err)

	_, err = env.client.Logout(withAccessToken(ctx, fresh.AccessToken), pb.LogoutRequest{RefreshToken: fresh.RefreshToken}.Struct())
	require.NoError(t, err)

	// the session is gone
	_, err = env.client.Refresh(ctx, pb.RefreshRequest{AccessToken: fresh.AccessToken, RefreshToken: fresh.RefreshToken}.Struct())
	requireCode(t, err, codes.Unauthenticated, "")
}

func TestAuthService_MalformedRequest(t *testing.T) {
	env := newTestEnv(t)

	in := pb.LoginRequest{Email: "alice@example.com"}.Struct()
	in.Fields[pb.FieldPassword] = structpb.NewNumberValue(42)

	_, err := env.client.Login(context.Background(), in)
	requireCode(t, err, codes.InvalidArgument, `field "password" must be a string`)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:0", logging.NewDiscardLogger(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:99999", logging.NewDiscardLogger(), nil, nil)
	assert.Error(t, srv.Run(context.Background()))
}
