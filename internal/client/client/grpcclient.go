package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	pb "github.com/dmitrijs2005/tokenkeeper/internal/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type GRPCClient struct {
	endpointURL string
	dialOpts    []grpc.DialOption
	conn        *grpc.ClientConn
	client      pb.AuthServiceClient

	mu      sync.Mutex
	session *Session
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) tokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "", ""
	}
	return s.session.AccessToken, s.session.RefreshToken
}

func (s *GRPCClient) setSession(resp pb.TokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &Session{
		UserID:            resp.UserID,
		Username:          resp.Username,
		AccessToken:       resp.AccessToken,
		AccessTokenExpiry: resp.AccessTokenExpiry,
		RefreshToken:      resp.RefreshToken,
	}
}

func (s *GRPCClient) clearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
}

// Session returns a copy of the current session, if any.
func (s *GRPCClient) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

func isTokenExpired(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated && st.Message() == common.ErrTokenExpired.Error()
}

// accessTokenInterceptor attaches the access token to every call except
// Refresh. When the server answers "token expired" it refreshes the pair
// once and retries the call with the new access token.
func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {

	if method == pb.AuthService_Refresh_FullMethodName {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	accessToken, refreshToken := s.tokens()
	err := invoker(withAccessToken(ctx, accessToken), method, req, reply, cc, opts...)

	if err == nil || !isTokenExpired(err) || refreshToken == "" {
		return err
	}

	if err := s.refresh(ctx, accessToken, refreshToken); err != nil {
		return err
	}

	// TOKENS REFRESHED, creating context with new Access Token
	accessToken, _ = s.tokens()
	return invoker(withAccessToken(ctx, accessToken), method, req, reply, cc, opts...)
}

func NewTokenKeeperClient(endpointURL string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, dialOpts: opts}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
	}, s.dialOpts...)

	conn, err := grpc.NewClient(s.endpointURL, opts...)
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = pb.NewAuthServiceClient(conn)
	return nil
}

func (s *GRPCClient) Register(ctx context.Context, username, email, password string) (string, error) {

	resp, err := s.client.Register(ctx, pb.RegisterRequest{Username: username, Email: email, Password: password}.Struct())
	if err != nil {
		return "", s.mapError(err)
	}

	out, err := pb.ParseRegisterResponse(resp)
	if err != nil {
		return "", err
	}
	return out.UserID, nil
}

func (s *GRPCClient) Login(ctx context.Context, email, password string) error {

	resp, err := s.client.Login(ctx, pb.LoginRequest{Email: email, Password: password}.Struct())
	if err != nil {
		return s.mapError(err)
	}

	return s.storeTokens(resp)
}

// Refresh exchanges the current refresh token for a new pair.
func (s *GRPCClient) Refresh(ctx context.Context) error {
	accessToken, refreshToken := s.tokens()
	if refreshToken == "" {
		return ErrNotLoggedIn
	}
	return s.refresh(ctx, accessToken, refreshToken)
}

func (s *GRPCClient) refresh(ctx context.Context, accessToken, refreshToken string) error {
	resp, err := s.client.Refresh(ctx, pb.RefreshRequest{AccessToken: accessToken, RefreshToken: refreshToken}.Struct())
	if err != nil {
		err = s.mapError(err)
		if isUnauthorized(err) {
			// the server revoked the session; the local pair is useless now
			s.clearSession()
		}
		return err
	}
	return s.storeTokens(resp)
}

func (s *GRPCClient) storeTokens(resp *structpb.Struct) error {
	out, err := pb.ParseTokenResponse(resp)
	if err != nil {
		return err
	}
	s.setSession(out)
	return nil
}

// Logout ends the current session on the server and forgets it locally.
func (s *GRPCClient) Logout(ctx context.Context) error {
	_, refreshToken := s.tokens()
	if refreshToken == "" {
		return ErrNotLoggedIn
	}
	return s.logout(ctx, pb.LogoutRequest{RefreshToken: refreshToken})
}

// LogoutAll ends every session of the user.
func (s *GRPCClient) LogoutAll(ctx context.Context) error {
	if _, refreshToken := s.tokens(); refreshToken == "" {
		return ErrNotLoggedIn
	}
	return s.logout(ctx, pb.LogoutRequest{})
}

func (s *GRPCClient) logout(ctx context.Context, req pb.LogoutRequest) error {
	if _, err := s.client.Logout(ctx, req.Struct()); err != nil {
		return s.mapError(err)
	}

	// an expired access token makes the interceptor rotate the pair mid-call,
	// so the value just sent is already revoked; end its successor as well
	if req.RefreshToken != "" {
		if _, current := s.tokens(); current != "" && current != req.RefreshToken {
			if _, err := s.client.Logout(ctx, pb.LogoutRequest{RefreshToken: current}.Struct()); err != nil {
				return s.mapError(err)
			}
		}
	}

	s.clearSession()
	return nil
}

func (s *GRPCClient) Ping(ctx context.Context) error {

	resp, err := s.client.Ping(ctx, &structpb.Struct{})
	if err != nil {
		return s.mapError(err)
	}

	out, err := pb.ParsePingResponse(resp)
	if err != nil || out.Status != "OK" {
		return ErrUnavailable
	}

	return nil

}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func isUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", ErrConflict, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
