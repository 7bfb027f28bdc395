package proto

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Field names on the wire.
const (
	FieldUsername          = "username"
	FieldEmail             = "email"
	FieldPassword          = "password"
	FieldUserID            = "user_id"
	FieldAccessToken       = "access_token"
	FieldAccessTokenExpiry = "access_token_expiry"
	FieldRefreshToken      = "refresh_token"
	FieldStatus            = "status"
)

type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

type RegisterResponse struct {
	UserID string
}

type LoginRequest struct {
	Email    string
	Password string
}

// RefreshRequest carries the access token that just expired together with
// the refresh token it was issued with.
type RefreshRequest struct {
	AccessToken  string
	RefreshToken string
}

// LogoutRequest with an empty RefreshToken ends every session of the caller.
type LogoutRequest struct {
	RefreshToken string
}

type TokenResponse struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
	UserID            string
	Username          string
}

type PingResponse struct {
	Status string
}

func newStruct(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// only strings are ever passed in
		panic(err)
	}
	return s
}

// stringField returns "" for a missing key and an error when the value is
// present but not a string.
func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return sv.StringValue, nil
}

// stringFields reads several string fields and fails on any non-string one.
func stringFields(s *structpb.Struct, dst map[string]*string) error {
	for key, p := range dst {
		v, err := stringField(s, key)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

func (r RegisterRequest) Struct() *structpb.Struct {
	return newStruct(map[string]any{
		FieldUsername: r.Username,
		FieldEmail:    r.Email,
		FieldPassword: r.Password,
	})
}

func ParseRegisterRequest(s *structpb.Struct) (RegisterRequest, error) {
	var r RegisterRequest
	err := stringFields(s, map[string]*string{
		FieldUsername: &r.Username,
		FieldEmail:    &r.Email,
		FieldPassword: &r.Password,
	})
	return r, err
}

func (r RegisterResponse) Struct() *structpb.Struct {
	return newStruct(map[string]any{FieldUserID: r.UserID})
}

func ParseRegisterResponse(s *structpb.Struct) (RegisterResponse, error) {
	var r RegisterResponse
	err := stringFields(s, map[string]*string{FieldUserID: &r.UserID})
	return r, err
}

func (r LoginRequest) Struct() *structpb.Struct {
	return newStruct(map[string]any{
		FieldEmail:    r.Email,
		FieldPassword: r.Password,
	})
}

func ParseLoginRequest(s *structpb.Struct) (LoginRequest, error) {
	var r LoginRequest
	err := stringFields(s, map[string]*string{
		FieldEmail:    &r.Email,
		FieldPassword: &r.Password,
	})
	return r, err
}

func (r RefreshRequest) Struct() *structpb.Struct {
	return newStruct(map[string]any{
		FieldAccessToken:  r.AccessToken,
		FieldRefreshToken: r.RefreshToken,
	})
}

func ParseRefreshRequest(s *structpb.Struct) (RefreshRequest, error) {
	var r RefreshRequest
	err := stringFields(s, map[string]*string{
		FieldAccessToken:  &r.AccessToken,
		FieldRefreshToken: &r.RefreshToken,
	})
	return r, err
}

func (r LogoutRequest) Struct() *structpb.Struct {
	fields := map[string]any{}
	if r.RefreshToken != "" {
		fields[FieldRefreshToken] = r.RefreshToken
	}
	return newStruct(fields)
}

func ParseLogoutRequest(s *structpb.Struct) (LogoutRequest, error) {
	var r LogoutRequest
	err := stringFields(s, map[string]*string{FieldRefreshToken: &r.RefreshToken})
	return r, err
}

// Struct encodes the expiry as RFC 3339 in UTC.
func (r TokenResponse) Struct() *structpb.Struct {
	return newStruct(map[string]any{
		FieldAccessToken:       r.AccessToken,
		FieldAccessTokenExpiry: r.AccessTokenExpiry.UTC().Format(time.RFC3339),
		FieldRefreshToken:      r.RefreshToken,
		FieldUserID:            r.UserID,
		FieldUsername:          r.Username,
	})
}

func ParseTokenResponse(s *structpb.Struct) (TokenResponse, error) {
	var (
		r      TokenResponse
		expiry string
	)
	err := stringFields(s, map[string]*string{
		FieldAccessToken:       &r.AccessToken,
		FieldAccessTokenExpiry: &expiry,
		FieldRefreshToken:      &r.RefreshToken,
		FieldUserID:            &r.UserID,
		FieldUsername:          &r.Username,
	})
	if err != nil {
		return r, err
	}
	if expiry != "" {
		r.AccessTokenExpiry, err = time.Parse(time.RFC3339, expiry)
		if err != nil {
			return r, fmt.Errorf("field %q: %w", FieldAccessTokenExpiry, err)
		}
	}
	return r, nil
}

func (r PingResponse) Struct() *structpb.Struct {
	return newStruct(map[string]any{FieldStatus: r.Status})
}

func ParsePingResponse(s *structpb.Struct) (PingResponse, error) {
	var r PingResponse
	err := stringFields(s, map[string]*string{FieldStatus: &r.Status})
	return r, err
}
