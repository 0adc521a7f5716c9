package domain

import "time"

// Direction tells whether a transcript entry came from the bot or the user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SessionStatus is the lifecycle state of a relay session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
	SessionFailed SessionStatus = "failed"
)

// RelaySession is one client connection bridged to one conversation.
type RelaySession struct {
	SessionID      string
	ClientID       string
	ConversationID ConversationID
	Status         SessionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TranscriptEntry records one activity relayed through a session.
type TranscriptEntry struct {
	ID             int64
	SessionID      string
	ConversationID ConversationID
	Direction      Direction
	ActivityID     string
	ActivityType   string
	Activity       Activity
	RecordedAt     time.Time
}

// NewTranscriptEntry builds an entry for activity.
func NewTranscriptEntry(sessionID string, conversationID ConversationID, dir Direction, activity Activity, at time.Time) *TranscriptEntry {
	return &TranscriptEntry{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Direction:      dir,
		ActivityID:     activity.ID(),
		ActivityType:   activity.Type(),
		Activity:       activity,
		RecordedAt:     at,
	}
}
