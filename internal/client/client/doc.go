// Package client contains the client side of the tokenkeeper API.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic contract (see the Client interface) for the
//     session lifecycle: Register, Login, Refresh, Logout, LogoutAll, Ping.
//  2. A concrete gRPC implementation (see GRPCClient) that keeps the current
//     token pair, injects the access token via an interceptor, transparently
//     refreshes an expired access token once, and maps gRPC status codes to
//     sentinel errors.
//
// # Error Handling
//
// Common conditions are exposed as sentinel errors that callers can match with
// errors.Is: ErrUnavailable, ErrUnauthorized, ErrConflict, ErrInvalidArgument,
// ErrNotLoggedIn. The server's message is kept in the error text.
//
// Concurrency & Contexts
//
// GRPCClient guards its token pair with a mutex and is safe for concurrent use.
// All operations accept context.Context and honor cancellation/timeouts.
package client
