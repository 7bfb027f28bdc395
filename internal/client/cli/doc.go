// Package cli provides the interactive tokenkeeper command-line client.
//
// It wires configuration, the gRPC client and an interactive REPL for the
// session lifecycle: register, login, refresh, logout, logout-all and status.
// Passwords are read from the terminal without echo.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
