// Package v1 defines the chatsync realtime protocol v1 contract.
//
// It is shared between the engine, its tools and any server that speaks the
// same channel protocol, so the wire names live in exactly one place.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "chatsync.realtime.v1"

// Server -> client event types (wire-stable).
const (
	TypeNewMessage          = "new_message"
	TypeMessageSent         = "message_sent"
	TypeMessageDeleted      = "message_deleted"
	TypeMessageEdited       = "message_edited"
	TypeMessageReaction     = "message_reaction"
	TypeNewConversation     = "new_conversation"
	TypeConversationUpdated = "conversation_updated"
	TypeNewGroup            = "new_group"
	TypeMemberAdded         = "member_added"
	TypeMemberRemoved       = "member_removed"
	TypeGroupNameUpdated    = "group_name_updated"
	TypeUserTyping          = "user_typing"
	TypeUserStoppedTyping   = "user_stopped_typing"
	TypeUserStatusChanged   = "user_status_changed"
	TypeMessagesRead        = "messages_read"
	TypeMessageError        = "message_error"
	TypeReactionError       = "reaction_error"
)

// Client -> server signal types (wire-stable).
const (
	TypeJoinConversation      = "join_conversation"
	TypeLeaveConversation     = "leave_conversation"
	TypeJoinUserConversations = "join_user_conversations"
	TypeTypingStart           = "typing_start"
	TypeTypingStop            = "typing_stop"
	TypeUpdateStatus          = "update_status"
	TypeHeartbeat             = "heartbeat"
)

// Reaction actions carried by message_reaction.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// Presence statuses carried by update_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var inboundTypes = map[string]struct{}{
	TypeNewMessage:          {},
	TypeMessageSent:         {},
	TypeMessageDeleted:      {},
	TypeMessageEdited:       {},
	TypeMessageReaction:     {},
	TypeNewConversation:     {},
	TypeConversationUpdated: {},
	TypeNewGroup:            {},
	TypeMemberAdded:         {},
	TypeMemberRemoved:       {},
	TypeGroupNameUpdated:    {},
	TypeUserTyping:          {},
	TypeUserStoppedTyping:   {},
	TypeUserStatusChanged:   {},
	TypeMessagesRead:        {},
	TypeMessageError:        {},
	TypeReactionError:       {},
}

var outboundTypes = map[string]struct{}{
	TypeJoinConversation:      {},
	TypeLeaveConversation:     {},
	TypeJoinUserConversations: {},
	TypeTypingStart:           {},
	TypeTypingStop:            {},
	TypeUpdateStatus:          {},
	TypeHeartbeat:             {},
}

// IsInbound reports whether typ is a server -> client event type.
func IsInbound(typ string) bool {
	_, ok := inboundTypes[typ]
	return ok
}

// IsOutbound reports whether typ is a client -> server signal type.
func IsOutbound(typ string) bool {
	_, ok := outboundTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsInbound(e.Type) && !IsOutbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// NewEnvelope builds an envelope around payload. id may be empty.
func NewEnvelope(typ, id, convID string, payload any, ts time.Time) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		ConvID:  convID,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope as a single wire frame.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire frame into an envelope. It does not validate.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
