// Package audit records security-relevant session events (logins,
// rotations, reuse detections, evictions, logouts) and fans them out to sinks.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/google/uuid"
)

type Kind string

const (
	KindLogin             Kind = "login"
	KindRefresh           Kind = "refresh"
	KindRefreshTokenReuse Kind = "refresh_token_reuse"
	KindSessionEvicted    Kind = "session_evicted"
	KindLogout            Kind = "logout"
	KindLogoutAll         Kind = "logout_all"
)

type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	UserID  string    `json:"user_id"`
	TokenID string    `json:"token_id,omitempty"`
	IP      string    `json:"ip,omitempty"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// NewEvent fills in ID.
func NewEvent(kind Kind, userID string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, UserID: userID, At: at}
}

// Emitter accepts events without blocking the caller on delivery.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Sink delivers one event somewhere durable or visible.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// LogSink writes events to the structured log.
type LogSink struct {
	log logging.Logger
}

func NewLogSink(log logging.Logger) *LogSink {
	return &LogSink{log: log.With("module", "audit")}
}

func (s *LogSink) Write(ctx context.Context, e Event) error {
	args := []any{"event_id", e.ID, "kind", string(e.Kind), "user_id", e.UserID, "at", e.At}
	if e.TokenID != "" {
		args = append(args, "token_id", e.TokenID)
	}
	if e.IP != "" {
		args = append(args, "ip", e.IP)
	}
	if e.Detail != "" {
		args = append(args, "detail", e.Detail)
	}
	s.log.Info(ctx, "audit event", args...)
	return nil
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
