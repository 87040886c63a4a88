// Package transport is the websocket leg of the realtime channel. It moves
// named JSON frames and knows nothing about conversations.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Outbound event names.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventTyping           = "typing"
)

// Inbound event names.
const (
	EventNewMessage       = "new_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
)

// ErrMalformedFrame is returned by Receive for a frame that is not valid
// JSON. The connection stays usable.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// Frame is the wire envelope: {"event": name, "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return ErrMalformedFrame
	}
	return json.Unmarshal(f.Data, v)
}

// Conn is an open realtime connection.
type Conn interface {
	// Emit writes a frame. It is safe to call from multiple goroutines.
	Emit(f Frame) error
	// Receive blocks for the next frame. A non-nil error other than
	// ErrMalformedFrame means the connection is gone.
	Receive() (Frame, error)
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
