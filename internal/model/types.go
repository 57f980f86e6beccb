package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// -----------------------------------------------------------------------------
// Inbound (client → server)
// -----------------------------------------------------------------------------

// MessageType enumerates the inbound message types a client may send.
type MessageType string

const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeAction      MessageType = "action"
	TypePing        MessageType = "ping"
)

// Valid reports whether t is one of the enumerated inbound types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeAction, TypePing:
		return true
	}
	return false
}

// MessageID is an opaque client-supplied id echoed on replies.
// Clients may send it as a JSON string or number.
type MessageID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("message_id must be a string or number")
	}
	*id = MessageID(data)
	return nil
}

// InboundMessage is a decoded client frame.
type InboundMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID MessageID       `json:"message_id,omitempty"`
}

// SubscribeData is the data of subscribe and unsubscribe messages.
type SubscribeData struct {
	Group string `json:"group"`
}

// ActionData is the data of an action message. The whole data object is
// passed to the domain service as the action payload.
type ActionData struct {
	Action string `json:"action"`
}

// inboundWire is used to tell a missing "type" apart from an unknown one.
type inboundWire struct {
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data"`
	MessageID MessageID       `json:"message_id"`
}

// DecodeInbound parses and validates a client frame envelope.
// The returned message carries whatever message_id could be recovered, even on error.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		// Best effort: recover the message_id so the error can echo it
		var idOnly struct {
			MessageID MessageID `json:"message_id"`
		}
		_ = json.Unmarshal(data, &idOnly)
		return InboundMessage{MessageID: idOnly.MessageID}, NewProtocolError("invalid JSON frame")
	}

	msg := InboundMessage{Data: w.Data, MessageID: w.MessageID}

	if w.Type == nil || *w.Type == "" {
		return msg, NewProtocolError("missing required field: type")
	}

	msg.Type = MessageType(*w.Type)
	if !msg.Type.Valid() {
		return msg, NewProtocolError(fmt.Sprintf("invalid message type: %s", *w.Type))
	}

	return msg, nil
}

// DecodeSubscribeData extracts and validates the group of a subscribe/unsubscribe message.
func DecodeSubscribeData(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", NewProtocolError("missing required field: data.group")
	}
	var d SubscribeData
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", NewProtocolError("data must be an object")
	}
	if err := ValidateGroup(d.Group); err != nil {
		return "", err
	}
	return d.Group, nil
}

// DecodeActionData extracts the action name of an action message.
func DecodeActionData(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", NewProtocolError("missing required field: data.action")
	}
	var d ActionData
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", NewProtocolError("data must be an object")
	}
	if d.Action == "" {
		return "", NewProtocolError("missing required field: data.action")
	}
	return d.Action, nil
}

// MaxGroupLength bounds group names so they fit every supported bus.
const MaxGroupLength = 200

var groupPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateGroup checks a group name.
func ValidateGroup(group string) error {
	if group == "" {
		return NewProtocolError("missing required field: data.group")
	}
	if len(group) > MaxGroupLength {
		return NewProtocolError(fmt.Sprintf("group name exceeds %d characters", MaxGroupLength))
	}
	if !groupPattern.MatchString(group) {
		return NewProtocolError("group name contains invalid characters")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Outbound (server → client)
// -----------------------------------------------------------------------------

// Outbound frame types produced by the gateway itself. Domain events use their own type.
const (
	FrameAck   = "ack"
	FrameError = "error"
	FramePong  = "pong"
)

// OutboundFrame is a server frame written to a client.
type OutboundFrame struct {
	Type      string    `json:"type"`
	MessageID MessageID `json:"message_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// AckData is the data of an ack frame.
type AckData struct {
	Status string `json:"status"`
	Group  string `json:"group,omitempty"`
}

// PongData is the data of a pong frame.
type PongData struct {
	Timestamp int64 `json:"timestamp"` // Server time, ms since epoch
}

// ErrorData is the data of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// TargetKind says whether an event goes to one connection or a whole group.
type TargetKind string

const (
	TargetConnection TargetKind = "connection"
	TargetGroup      TargetKind = "group"
)

// Target addresses an OutboundEvent.
type Target struct {
	Kind TargetKind
	ID   string // Connection ID or group name
}

// GroupTarget returns a group target.
func GroupTarget(group string) Target {
	return Target{Kind: TargetGroup, ID: group}
}

// ConnectionTarget returns a single-connection target.
func ConnectionTarget(connID string) Target {
	return Target{Kind: TargetConnection, ID: connID}
}

// OutboundEvent is a domain event to deliver to a connection or group.
type OutboundEvent struct {
	Type          string
	Target        Target
	Payload       json.RawMessage
	CorrelationID string
}

// Frame converts an event to the frame delivered to clients. The payload is passed through unmodified.
func (e OutboundEvent) Frame() OutboundFrame {
	f := OutboundFrame{Type: e.Type}
	if len(e.Payload) > 0 {
		f.Data = e.Payload
	}
	return f
}

// Envelope is the bus representation of a group event.
type Envelope struct {
	Group         string          `json:"group"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Origin        string          `json:"origin,omitempty"` // Publishing instance ID
}

// Event converts an envelope back into a group event.
func (e Envelope) Event() OutboundEvent {
	return OutboundEvent{
		Type:          e.Type,
		Target:        GroupTarget(e.Group),
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
	}
}

// -----------------------------------------------------------------------------
// Context
// -----------------------------------------------------------------------------

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id attached to ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
