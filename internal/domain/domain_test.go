package domain

import (
	"errors"
	"testing"
)

func TestParseConversationID(t *testing.T) {
	if _, err := ParseConversationID("  "); !errors.Is(err, ErrInvalidConversationID) {
		t.Fatalf("expected ErrInvalidConversationID, got %v", err)
	}
	id, err := ParseConversationID("c-00001")
	if err != nil {
		t.Fatalf("ParseConversationID failed: %v", err)
	}
	if id.String() != "c-00001" || id.IsZero() {
		t.Errorf("unexpected id %q", id)
	}
}

func TestDecodeBotResponse(t *testing.T) {
	resp, err := DecodeBotResponse([]byte(`{"action":"continue","activities":[{"type":"message","text":"Hi"}],"conversationId":"c-1"}`))
	if err != nil {
		t.Fatalf("DecodeBotResponse failed: %v", err)
	}
	if resp.Action != TurnActionContinue {
		t.Errorf("expected continue, got %q", resp.Action)
	}
	if len(resp.Activities) != 1 || resp.Activities[0].Text() != "Hi" {
		t.Errorf("unexpected activities %v", resp.Activities)
	}
	if resp.ConversationID != "c-1" {
		t.Errorf("unexpected conversation id %q", resp.ConversationID)
	}
}

func TestDecodeBotResponseRejectsUnknownAction(t *testing.T) {
	_, err := DecodeBotResponse([]byte(`{"action":"later","activities":[]}`))
	if !errors.Is(err, ErrUnknownTurnAction) {
		t.Fatalf("expected ErrUnknownTurnAction, got %v", err)
	}
}

func TestDecodeBotResponseRejectsNullActivity(t *testing.T) {
	_, err := DecodeBotResponse([]byte(`{"action":"waiting","activities":[null]}`))
	if !errors.Is(err, ErrInvalidActivity) {
		t.Fatalf("expected ErrInvalidActivity, got %v", err)
	}
}

func TestActivityAccessors(t *testing.T) {
	act, err := ParseActivity([]byte(`{"type":"message","id":"a-1","text":"Hello","from":{"id":"bot"}}`))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	if act.Type() != "message" || act.ID() != "a-1" || act.Text() != "Hello" || act.FromID() != "bot" {
		t.Errorf("unexpected accessors on %v", act)
	}

	clone := act.Clone()
	clone["text"] = "changed"
	if act.Text() != "Hello" {
		t.Error("Clone must not alias top-level fields")
	}

	if err := (Activity{"text": "no type"}).Validate(); !errors.Is(err, ErrInvalidActivity) {
		t.Errorf("expected ErrInvalidActivity, got %v", err)
	}
	if _, err := ParseActivity([]byte(`null`)); !errors.Is(err, ErrInvalidActivity) {
		t.Errorf("expected ErrInvalidActivity for null, got %v", err)
	}
}
