package grpc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"testing"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	pb "github.com/dmitrijs2005/tokenkeeper/internal/proto"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeValidator struct {
	identity models.Identity
	err      error
	seen     string
}

func (f *fakeValidator) ValidateLive(token string) (models.Identity, error) {
	f.seen = token
	return f.identity, f.err
}

func newInterceptorServer(v tokenValidator) *GRPCServer {
	return NewGRPCServer("", logging.NewDiscardLogger(), nil, v)
}

func incoming(token string) context.Context {
	md := metadata.New(map[string]string{common.AccessTokenHeaderName: token})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestInterceptor_UnprotectedAllowsWithoutToken(t *testing.T) {
	s := newInterceptorServer(&fakeValidator{err: errors.New("must not be called")})

	info := &grpc.UnaryServerInfo{FullMethod: pb.AuthService_Login_FullMethodName}
	called := false
	resp, err := s.accessTokenInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		called = true
		_, ok := IdentityFromContext(ctx)
		assert.False(t, ok)
		return "ok", nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", resp)
}

func TestInterceptor_Protected(t *testing.T) {
	alice := models.Identity{UserID: "8c2f7a52-3f5e-4a57-9d2c-0a4f6b9a1e11", Username: "alice", Email: "a@example.com"}

	tests := []struct {
		name    string
		ctx     context.Context
		err     error
		wantMsg string
	}{
		{"missing token", context.Background(), nil, "missing token"},
		{"empty token", incoming(""), nil, "missing token"},
		{"expired", incoming("t"), common.ErrTokenExpired, "token expired"},
		{"invalid", incoming("t"), common.ErrInvalidToken, "invalid token"},
	}

	info := &grpc.UnaryServerInfo{FullMethod: pb.AuthService_Logout_FullMethodName}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newInterceptorServer(&fakeValidator{identity: alice, err: tt.err})
			_, err := s.accessTokenInterceptor(tt.ctx, nil, info, func(context.Context, any) (any, error) {
				t.Fatal("handler must not run")
				return nil, nil
			})
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
			assert.Equal(t, tt.wantMsg, status.Convert(err).Message())
		})
	}

	t.Run("valid token injects identity", func(t *testing.T) {
		v := &fakeValidator{identity: alice}
		s := newInterceptorServer(v)

		var got models.Identity
		_, err := s.accessTokenInterceptor(incoming("good"), nil, info, func(ctx context.Context, req any) (any, error) {
			var ok bool
			got, ok = IdentityFromContext(ctx)
			require.True(t, ok)
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "good", v.seen)
		assert.Equal(t, alice, got)
	})
}

func TestLoggingInterceptor_RequestIDReachesHandlerLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	s := NewGRPCServer("", logger, nil, nil)

	info := &grpc.UnaryServerInfo{FullMethod: pb.AuthService_Ping_FullMethodName}
	var seen string
	_, err := s.loggingInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		seen = logging.RequestIDFromContext(ctx)
		logger.Info(ctx, "inside handler")
		return nil, nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)

	lines := regexp.MustCompile(`request_id=(\S+)`).FindAllStringSubmatch(buf.String(), -1)
	require.Len(t, lines, 2, buf.String())
	assert.Equal(t, seen, lines[0][1])
	assert.Equal(t, seen, lines[1][1])
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "", clientIP(context.Background()))

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5555}})
	assert.Equal(t, "10.1.2.3", clientIP(ctx))

	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 5555}})
	assert.Equal(t, "::1", clientIP(ctx))

	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.UnixAddr{Name: "bufconn", Net: "unix"}})
	assert.Equal(t, "bufconn", clientIP(ctx))
}
