package relay

import (
	"errors"
	"fmt"

	"github.com/ashureev/halfduplex/internal/bridge"
	"github.com/ashureev/halfduplex/internal/domain"
)

// Client frame types.
const (
	frameActivity = "activity"
	frameMessage  = "message"
	framePing     = "ping"
)

// Server frame types.
const (
	frameSession = "session"
	frameStatus  = "status"
	frameAck     = "ack"
	frameError   = "error"
	framePong    = "pong"
)

var (
	errEmptyMessage     = errors.New("message text is empty")
	errUnknownFrameType = errors.New("unknown frame type")
	errTurnInProgress   = errors.New("a turn is already in progress")
)

// clientFrame is a message received from the browser.
type clientFrame struct {
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Activity         domain.Activity `json:"activity,omitempty"`
	ClientActivityID string          `json:"clientActivityId,omitempty"`
	CorrelationID    string          `json:"correlationId,omitempty"`
}

// serverFrame is a message sent to the browser.
type serverFrame struct {
	Type             string                   `json:"type"`
	SessionID        string                   `json:"sessionId,omitempty"`
	Activity         domain.Activity          `json:"activity,omitempty"`
	ID               string                   `json:"id,omitempty"`
	ClientActivityID string                   `json:"clientActivityId,omitempty"`
	Status           *bridge.ConnectionStatus `json:"status,omitempty"`
	State            string                   `json:"state,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

func statusFrame(s bridge.ConnectionStatus) serverFrame {
	return serverFrame{Type: frameStatus, Status: &s, State: s.String()}
}

// toActivity turns a client frame into the activity to post for clientID.
func (f clientFrame) toActivity(clientID string) (domain.Activity, error) {
	var act domain.Activity
	switch f.Type {
	case frameMessage:
		if f.Text == "" {
			return nil, errEmptyMessage
		}
		act = domain.NewMessageActivity(f.Text)
	case frameActivity:
		act = f.Activity.Clone()
		if err := act.Validate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrameType, f.Type)
	}
	from := map[string]any{"id": clientID}
	if existing, ok := act["from"].(map[string]any); ok {
		for k, v := range existing {
			from[k] = v
		}
	}
	from["role"] = roleUser
	act["from"] = from
	return act, nil
}

const roleUser = "user"

// directionOf tells whether an activity on the connection was sent by the
// user (an echo) or by the bot.
func directionOf(act domain.Activity) domain.Direction {
	if from, ok := act["from"].(map[string]any); ok {
		if role, _ := from["role"].(string); role == roleUser {
			return domain.DirectionOutbound
		}
	}
	return domain.DirectionInbound
}
