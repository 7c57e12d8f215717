// Package session stores per-call IVR state with a bounded lifetime so an
// abandoned call never leaks state.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or has expired
var ErrNotFound = errors.New("session not found")

// CallSession is the durable per-call state shared between the signaling
// webhook handlers and the media stream handler.
type CallSession struct {
	CallID       string    `json:"call_id"`
	PhoneNumber  string    `json:"phone_number"`
	MenuState    string    `json:"menu_state"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store is the session persistence contract. Update must be atomic so
// concurrent webhook deliveries for the same call never lose writes.
type Store interface {
	Get(ctx context.Context, callID string) (*CallSession, error)
	Put(ctx context.Context, session *CallSession, ttl time.Duration) error
	// Update applies fn to the current session under optimistic concurrency
	// control and persists the result with a refreshed ttl.
	Update(ctx context.Context, callID string, ttl time.Duration, fn func(*CallSession) error) (*CallSession, error)
	Delete(ctx context.Context, callID string) error
	ListActive(ctx context.Context) ([]*CallSession, error)
}
