package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const internalMessage = "An unexpected error occurred. Please try again later."

var kindCodes = []struct {
	kind error
	code codes.Code
	msg  string
}{
	{common.ErrorConflict, codes.AlreadyExists, "The resource already exists."},
	{common.ErrorBadRequest, codes.InvalidArgument, "The request is invalid."},
	{common.ErrorUnauthorized, codes.Unauthenticated, "Authentication failed."},
	{common.ErrorNotFound, codes.NotFound, "The resource was not found."},
	{common.ErrorInternal, codes.Internal, internalMessage},
}

// toStatus maps service errors to gRPC codes. Only the message of a
// *common.Error reaches the client; anything else is logged and answered
// with a fixed message for its kind (ErrorInternal when it has none).
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	kind := kindCodes[len(kindCodes)-1]
	for _, k := range kindCodes {
		if errors.Is(err, k.kind) {
			kind = k
			break
		}
	}

	var ce *common.Error
	if kind.code != codes.Internal && errors.As(err, &ce) {
		return status.Error(kind.code, ce.Message)
	}

	s.logger.Error(ctx, "request failed", "error", err, "code", kind.code.String())
	return status.Error(kind.code, kind.msg)
}
