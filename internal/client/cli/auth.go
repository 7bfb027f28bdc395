package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/client/client"
	"github.com/dmitrijs2005/tokenkeeper/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// report prints the outcome of a command and passes err through.
func (a *App) report(err error, success string) error {
	if err != nil {
		fmt.Fprintf(a.out, "Error: %s\n", err)
		return err
	}
	fmt.Fprintln(a.out, success)
	return nil
}

// Register prompts for a username, an email and a password and creates an
// account. The password is wiped before returning.
func (a *App) Register(ctx context.Context) error {
	username, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	id, err := a.client.Register(ctx, username, email, string(password))
	return a.report(err, "Registered, user id "+id)
}

// Login prompts for credentials and starts a session.
func (a *App) Login(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	err = a.client.Login(ctx, email, string(password))
	if err == nil {
		s, _ := a.client.Session()
		return a.report(nil, "Logged in as "+s.Username)
	}
	return a.report(err, "")
}

func (a *App) Refresh(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	err := a.client.Refresh(ctx)
	if errors.Is(err, client.ErrUnauthorized) {
		fmt.Fprintln(a.out, "Session was revoked, please log in again.")
	}
	return a.report(err, "Session refreshed")
}

// Logout ends the current session only.
func (a *App) Logout(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	return a.report(a.client.Logout(ctx), "Logged out")
}

// LogoutAll ends every session of the user, on all devices.
func (a *App) LogoutAll(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	return a.report(a.client.LogoutAll(ctx), "Logged out everywhere")
}

// Status prints the current session.
func (a *App) Status(ctx context.Context) error {
	s, ok := a.client.Session()
	if !ok {
		fmt.Fprintln(a.out, "Not logged in")
		return nil
	}

	left := time.Until(s.AccessTokenExpiry).Round(time.Second)
	state := "valid for " + left.String()
	if left <= 0 {
		state = "expired, will refresh on next call"
	}
	fmt.Fprintf(a.out, "Logged in as %s (%s), access token %s\n", s.Username, s.UserID, state)
	return nil
}

// status is the short form shown in the prompt.
func (a *App) status() string {
	s, ok := a.client.Session()
	if !ok {
		return "offline"
	}
	return s.Username
}
