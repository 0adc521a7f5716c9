package domain

import (
	"encoding/json"
	"fmt"
)

// BotResponse is the buffered (application/json) decoding of one service response.
type BotResponse struct {
	Action         TurnAction     `json:"action"`
	Activities     []Activity     `json:"activities"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
}

// DecodeBotResponse parses and validates a buffered response body.
func DecodeBotResponse(data []byte) (*BotResponse, error) {
	var raw struct {
		Action         string     `json:"action"`
		Activities     []Activity `json:"activities"`
		ConversationID string     `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode bot response: %w", err)
	}

	action, err := ParseTurnAction(raw.Action)
	if err != nil {
		return nil, err
	}

	for i, act := range raw.Activities {
		if act == nil {
			return nil, fmt.Errorf("%w: activities[%d] is null", ErrInvalidActivity, i)
		}
	}

	resp := &BotResponse{
		Action:     action,
		Activities: raw.Activities,
	}
	if raw.ConversationID != "" {
		id, err := ParseConversationID(raw.ConversationID)
		if err != nil {
			return nil, err
		}
		resp.ConversationID = id
	}
	return resp, nil
}
