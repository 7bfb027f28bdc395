package client

import (
	"context"
	"time"
)

// Session is what the client knows about the current login.
type Session struct {
	UserID            string
	Username          string
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
}

type Client interface {
	Close() error
	Register(ctx context.Context, username, email, password string) (string, error)
	Login(ctx context.Context, email, password string) error
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Session() (Session, bool)
}
