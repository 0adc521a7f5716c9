// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/halfduplex/internal/domain"
)

// ErrSessionNotFound is returned when a relay session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Repository persists relay sessions and the activities relayed through them.
// It is an audit log; conversations are never restored from it.
type Repository interface {
	// CreateSession records a new relay session.
	CreateSession(ctx context.Context, session *domain.RelaySession) error

	// GetSession retrieves a session by id. It returns nil, nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.RelaySession, error)

	// UpdateSession sets the conversation id and status of a session.
	UpdateSession(ctx context.Context, sessionID string, conversationID domain.ConversationID, status domain.SessionStatus) error

	// AppendTranscript stores one relayed activity.
	AppendTranscript(ctx context.Context, entry *domain.TranscriptEntry) error

	// ListTranscript returns a session's entries in relay order. limit <= 0
	// returns all entries.
	ListTranscript(ctx context.Context, sessionID string, limit int) ([]*domain.TranscriptEntry, error)

	// DeleteBefore removes sessions and entries last touched before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (sessions int64, entries int64, err error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
