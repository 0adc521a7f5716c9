// Package domain contains the core wire types exchanged with the bot service.
package domain

import (
	"encoding/json"
	"fmt"
)

// Activity is one inbound or outbound message unit.
//
// The payload is free-form JSON; only "type" is required. Fields the engine
// does not understand are carried through untouched.
type Activity map[string]any

// NewMessageActivity returns a message activity with the given text.
func NewMessageActivity(text string) Activity {
	return Activity{"type": "message", "text": text}
}

// Type returns the activity type, or "" if absent.
func (a Activity) Type() string {
	return a.stringField("type")
}

// ID returns the server-assigned activity id, or "" if absent.
func (a Activity) ID() string {
	return a.stringField("id")
}

// Text returns the text field, or "" if absent.
func (a Activity) Text() string {
	return a.stringField("text")
}

// FromID returns from.id, or "" if absent.
func (a Activity) FromID() string {
	from, ok := a["from"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := from["id"].(string)
	return id
}

func (a Activity) stringField(key string) string {
	v, _ := a[key].(string)
	return v
}

// Clone returns a shallow copy of the activity. Nested objects are shared.
func (a Activity) Clone() Activity {
	out := make(Activity, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Validate checks the minimum shape required to send an activity.
func (a Activity) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: activity is nil", ErrInvalidActivity)
	}
	if a.Type() == "" {
		return fmt.Errorf("%w: missing \"type\"", ErrInvalidActivity)
	}
	return nil
}

// ParseActivity decodes a JSON object into an Activity.
func ParseActivity(data []byte) (Activity, error) {
	var act Activity
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidActivity, err)
	}
	if act == nil {
		return nil, fmt.Errorf("%w: null payload", ErrInvalidActivity)
	}
	return act, nil
}
