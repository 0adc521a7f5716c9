package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConversationID is returned for empty conversation ids.
	ErrInvalidConversationID = errors.New("invalid conversation id")
	// ErrInvalidActivity is returned for activities that cannot be sent or decoded.
	ErrInvalidActivity = errors.New("invalid activity")
	// ErrUnknownTurnAction is returned when the service replies with an unrecognized action.
	ErrUnknownTurnAction = errors.New("unknown turn action")
)

// ConversationID identifies a started conversation. It is opaque to the client.
type ConversationID string

// ParseConversationID validates s as a conversation id.
func ParseConversationID(s string) (ConversationID, error) {
	if strings.TrimSpace(s) == "" {
		return "", ErrInvalidConversationID
	}
	return ConversationID(s), nil
}

// String returns the raw id.
func (id ConversationID) String() string {
	return string(id)
}

// IsZero reports whether no conversation id has been assigned.
func (id ConversationID) IsZero() bool {
	return id == ""
}

// TurnAction tells the client whether more activities are coming for the current turn.
type TurnAction string

const (
	// TurnActionContinue means the client must issue another continue-turn call.
	TurnActionContinue TurnAction = "continue"
	// TurnActionWaiting means the turn is complete and the bot waits for the user.
	TurnActionWaiting TurnAction = "waiting"
)

// ParseTurnAction validates an action received from the service.
func ParseTurnAction(s string) (TurnAction, error) {
	switch TurnAction(s) {
	case TurnActionContinue, TurnActionWaiting:
		return TurnAction(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTurnAction, s)
	}
}
