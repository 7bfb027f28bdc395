package grpc

import (
	"context"

	pb "github.com/dmitrijs2005/tokenkeeper/internal/proto"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func badRequest(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

func tokenResponse(r *services.TokenResponse) *structpb.Struct {
	return pb.TokenResponse{
		AccessToken:       r.AccessToken,
		AccessTokenExpiry: r.AccessTokenExpiry,
		RefreshToken:      r.RefreshToken,
		UserID:            r.UserID,
		Username:          r.Username,
	}.Struct()
}

func (s *GRPCServer) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := pb.ParseRegisterRequest(in)
	if err != nil {
		return nil, badRequest(err)
	}

	s.logger.Info(ctx, "Registration request", "username", req.Username)

	user, err := s.sessions.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	return pb.RegisterResponse{UserID: user.ID}.Struct(), nil
}

func (s *GRPCServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := pb.ParseLoginRequest(in)
	if err != nil {
		return nil, badRequest(err)
	}

	resp, err := s.sessions.Login(ctx, req.Email, req.Password, clientIP(ctx))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	return tokenResponse(resp), nil
}

func (s *GRPCServer) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := pb.ParseRefreshRequest(in)
	if err != nil {
		return nil, badRequest(err)
	}

	resp, err := s.sessions.Refresh(ctx, req.AccessToken, req.RefreshToken, clientIP(ctx))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	return tokenResponse(resp), nil
}

func (s *GRPCServer) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := pb.ParseLogoutRequest(in)
	if err != nil {
		return nil, badRequest(err)
	}

	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	if err := s.sessions.Logout(ctx, identity, req.RefreshToken, clientIP(ctx)); err != nil {
		return nil, s.toStatus(ctx, err)
	}

	return &structpb.Struct{}, nil
}

func (s *GRPCServer) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {

	return pb.PingResponse{Status: "OK"}.Struct(), nil

}
