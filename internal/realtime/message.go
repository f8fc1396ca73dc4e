package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFrameKind indicates an inbound frame type outside the protocol.
var ErrUnknownFrameKind = errors.New("realtime: unknown frame kind")

// EventKind classifies a change record delivered to listeners.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change handed to channel listeners, identical for push and
// poll delivery so consumers cannot tell the two paths apart.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Channel   string          `json:"channel"`
	RecordID  string          `json:"record_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Listener receives events for one channel subscription.
type Listener func(events []Event)

// wireFrame is the JSON envelope shared by both directions.
type wireFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ServerMessage is the closed set of inbound frame kinds. Adding a kind is a
// compile-checked change at every switch over this interface.
type ServerMessage interface {
	serverMessage()
}

// PongMessage acknowledges a client ping.
type PongMessage struct{}

// BroadcastMessage carries one fanned-out change record for a channel.
type BroadcastMessage struct {
	Channel   string
	Data      json.RawMessage
	Timestamp time.Time
}

// SubscribedMessage confirms a raw channel subscription.
type SubscribedMessage struct {
	Channel string
}

// UnsubscribedMessage confirms a raw channel unsubscription.
type UnsubscribedMessage struct {
	Channel string
}

// ServerErrorMessage reports a server-side failure for this connection.
type ServerErrorMessage struct {
	Reason string
}

func (PongMessage) serverMessage()         {}
func (BroadcastMessage) serverMessage()    {}
func (SubscribedMessage) serverMessage()   {}
func (UnsubscribedMessage) serverMessage() {}
func (ServerErrorMessage) serverMessage()  {}

// decodeServerFrame parses one inbound JSON frame into its message kind.
func decodeServerFrame(raw []byte) (ServerMessage, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("realtime: malformed frame: %w", err)
	}
	switch frame.Type {
	case "pong", "ack":
		return PongMessage{}, nil
	case "broadcast":
		return BroadcastMessage{Channel: frame.Channel, Data: frame.Data, Timestamp: frame.Timestamp}, nil
	case "subscribed":
		return SubscribedMessage{Channel: frame.Channel}, nil
	case "unsubscribed":
		return UnsubscribedMessage{Channel: frame.Channel}, nil
	case "error":
		return ServerErrorMessage{Reason: frame.Error}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameKind, frame.Type)
	}
}

// decodeBroadcastEvent parses the payload of a broadcast frame into an Event.
// Records without an explicit kind default to insert, matching the feed
// server's original behavior of broadcasting bare rows for new items.
func decodeBroadcastEvent(msg BroadcastMessage) (Event, error) {
	event := Event{Kind: EventInsert, Channel: msg.Channel, Timestamp: msg.Timestamp}
	var body struct {
		Kind     EventKind       `json:"kind"`
		RecordID string          `json:"record_id"`
		ID       string          `json:"id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return Event{}, fmt.Errorf("realtime: malformed broadcast payload: %w", err)
	}
	if body.Kind != "" {
		event.Kind = body.Kind
	}
	event.RecordID = body.RecordID
	if event.RecordID == "" {
		event.RecordID = body.ID
	}
	event.Payload = body.Payload
	if len(event.Payload) == 0 {
		event.Payload = msg.Data
	}
	return event, nil
}
