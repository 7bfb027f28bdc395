// Package auth mints and verifies the short-lived HS256 access tokens.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/common"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carries the identity of the token holder on top of the
// registered claims (sub, jti, iat, exp, iss, aud).
type Claims struct {
	jwt.RegisteredClaims
	UniqueName string `json:"unique_name"`
	Email      string `json:"email"`
}

// Settings is the signing material, read on every call so key rotation and
// issuer changes apply without rebuilding the Signer.
type Settings struct {
	Key      []byte
	Issuer   string
	Audience string
}

type Signer struct {
	settings func() Settings
	now      func() time.Time
}

func NewSigner(settings func() Settings) *Signer {
	return &Signer{settings: settings, now: time.Now}
}

// Issue mints an access token for identity valid for ttl and returns it
// together with its expiry.
func (s *Signer) Issue(identity models.Identity, ttl time.Duration) (string, time.Time, error) {
	st := s.settings()
	if len(st.Key) == 0 {
		return "", time.Time{}, errors.New("signing key is not configured")
	}

	now := s.now()
	exp := jwt.NewNumericDate(now.Add(ttl))

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			Issuer:    st.Issuer,
		},
		UniqueName: identity.Username,
		Email:      identity.Email,
	}
	if st.Audience != "" {
		claims.Audience = jwt.ClaimStrings{st.Audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(st.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}

	return token, exp.Time, nil
}

// ValidateLive fully verifies an access token. An expired but otherwise
// valid token yields common.ErrTokenExpired; anything else wrong yields
// common.ErrInvalidToken.
func (s *Signer) ValidateLive(token string) (models.Identity, error) {
	st := s.settings()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(st.Issuer),
	}
	if st.Audience != "" {
		opts = append(opts, jwt.WithAudience(st.Audience))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, keyFunc(st.Key))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// only report expiry when nothing else is wrong with the token
			if _, verr := s.ValidateExpiredOnly(token); verr == nil {
				return models.Identity{}, common.ErrTokenExpired
			}
		}
		return models.Identity{}, common.ErrInvalidToken
	}

	return identityFrom(claims)
}

// ValidateExpiredOnly verifies signature, algorithm, issuer and audience
// but accepts expired tokens. It is used by refresh, where the caller
// presents the access token that just ran out.
func (s *Signer) ValidateExpiredOnly(token string) (models.Identity, error) {
	st := s.settings()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc(st.Key)); err != nil {
		return models.Identity{}, common.ErrInvalidToken
	}

	if claims.Issuer != st.Issuer {
		return models.Identity{}, common.ErrInvalidToken
	}
	if st.Audience != "" && !slices.Contains(claims.Audience, st.Audience) {
		return models.Identity{}, common.ErrInvalidToken
	}

	return identityFrom(claims)
}

func keyFunc(key []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if len(key) == 0 {
			return nil, errors.New("signing key is not configured")
		}
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return key, nil
	}
}

func identityFrom(c *Claims) (models.Identity, error) {
	if c.Subject == "" {
		return models.Identity{}, common.ErrInvalidToken
	}
	return models.Identity{
		UserID:   c.Subject,
		Username: c.UniqueName,
		Email:    c.Email,
	}, nil
}
