package domain

import (
	"context"
	"time"
)

// SessionSource records how a session was obtained.
type SessionSource string

const (
	SourceLogin  SessionSource = "login"
	SourcePhone  SessionSource = "phone"
	SourceManual SessionSource = "manual"
)

// Session maps a channel address to a backend access token.
type Session struct {
	Address   string        `json:"address"`
	Token     string        `json:"token"`
	Source    SessionSource `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"` // zero = never expires
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionStore is the only shared mutable state of the gateway.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	Get(ctx context.Context, address string) (*Session, error)
	Put(ctx context.Context, s Session) error
	Invalidate(ctx context.Context, address string) error
	List(ctx context.Context) ([]Session, error)
}
