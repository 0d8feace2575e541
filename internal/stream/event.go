// Package stream decodes the upstream server-sent-event protocol into typed
// events and writes the same framing back out to clients.
package stream

import (
	"encoding/json"
	"errors"
)

var errNotObject = errors.New("stream: payload is not a JSON object")

// Event discriminators recognised by the relay.
const (
	NameMessage      = "message"
	NameAgentMessage = "agent_message"
	NameMessageEnd   = "message_end"
	NameError        = "error"
)

// Event is one decoded upstream payload. The set of implementations is
// closed: *MessageEvent, *MessageEndEvent, *ErrorEvent and *UnknownEvent.
type Event interface {
	// Name returns the "event" discriminator.
	Name() string
	// Raw returns the payload exactly as received.
	Raw() json.RawMessage

	isEvent()
}

type base struct {
	name string
	raw  json.RawMessage
}

func (b base) Name() string         { return b.name }
func (b base) Raw() json.RawMessage { return b.raw }
func (base) isEvent()               {}

// MessageEvent carries one incremental answer fragment.
type MessageEvent struct {
	base
	ID             string
	ConversationID string
	Answer         string
}

// MessageEndEvent marks the end of an assistant turn. Metadata is kept raw
// because its shape (usage, retriever resources) is provider-defined.
type MessageEndEvent struct {
	base
	ID             string
	ConversationID string
	Metadata       json.RawMessage
}

// ErrorEvent reports a failure, either from upstream or synthesized by the
// relay.
type ErrorEvent struct {
	base
	Message string
	Code    string
	Status  int
}

// UnknownEvent is any payload whose discriminator the relay does not
// interpret. It is still forwarded and logged.
type UnknownEvent struct {
	base
	Fields map[string]json.RawMessage
}

// Parse decodes one JSON payload into an Event. The payload must be a JSON
// object. The discriminator alone selects the event type; side fields with
// unexpected types are left at their zero value.
func Parse(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	name := stringField(fields, "event")
	b := base{name: name, raw: raw}
	switch name {
	case NameMessage, NameAgentMessage:
		return &MessageEvent{
			base:           b,
			ID:             firstString(fields, "id", "message_id"),
			ConversationID: stringField(fields, "conversation_id"),
			Answer:         stringField(fields, "answer"),
		}, nil
	case NameMessageEnd:
		return &MessageEndEvent{
			base:           b,
			ID:             firstString(fields, "id", "message_id"),
			ConversationID: stringField(fields, "conversation_id"),
			Metadata:       fields["metadata"],
		}, nil
	case NameError:
		var status int
		_ = json.Unmarshal(fields["status"], &status) // absent or non-numeric stays 0
		return &ErrorEvent{
			base:    b,
			Message: firstString(fields, "message", "error"),
			Code:    stringField(fields, "code"),
			Status:  status,
		}, nil
	}
	return &UnknownEvent{base: b, Fields: fields}, nil
}

// stringField returns fields[key] when it is a JSON string, else "".
func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// firstString returns the first non-empty string among keys.
func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := stringField(fields, k); s != "" {
			return s
		}
	}
	return ""
}

// NewErrorEvent builds a synthetic error event in the wire format clients
// already understand: {"event":"error","error":msg}.
func NewErrorEvent(msg string) *ErrorEvent {
	raw, _ := json.Marshal(struct {
		Event string `json:"event"`
		Error string `json:"error"`
	}{Event: NameError, Error: msg})
	return &ErrorEvent{base: base{name: NameError, raw: raw}, Message: msg}
}
