// Package common contains shared constants and sentinel errors used across
// tokenkeeper components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// RefreshTokenSize is the number of random bytes behind every refresh token value.
const RefreshTokenSize = 64
