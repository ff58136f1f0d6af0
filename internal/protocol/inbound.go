// Package protocol defines the tagged JSON payloads exchanged over the
// messaging and call-signaling sockets.
//
// Every tag is a distinct Go type. Inbound payloads are dispatched through a
// visitor with one method per tag, so adding a tag breaks the build of every
// consumer until it handles the new case.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"shutterline/internal/models"
)

var (
	ErrUnknownType = errors.New("unknown payload type")
	ErrMalformed   = errors.New("malformed payload")
)

// Type is the value of the "type" discriminator field.
type Type string

const (
	TypeJoinConversations   Type = "join_conversations"
	TypeJoinedConversations Type = "joined_conversations"
	TypeSendMessage         Type = "send_message"
	TypeNewMessage          Type = "new_message"
	TypeMessage             Type = "message" // legacy alias of new_message
	TypeTypingStart         Type = "typing_start"
	TypeTypingStop          Type = "typing_stop"
	TypeMarkRead            Type = "mark_read"
	TypeMessageRead         Type = "message_read"
	TypeUserOnline          Type = "user_online"
	TypeUserOffline         Type = "user_offline"
	TypeError               Type = "error"
)

// Inbound is a payload received on the messaging socket.
type Inbound interface {
	Accept(v InboundVisitor)
	inbound()
}

// InboundVisitor handles every inbound messaging payload.
type InboundVisitor interface {
	NewMessage(NewMessage)
	JoinedConversations(JoinedConversations)
	TypingStart(TypingStart)
	TypingStop(TypingStop)
	UserOnline(UserOnline)
	UserOffline(UserOffline)
	MessageRead(MessageRead)
	Error(ServerError)
}

// NewMessage carries one message. Legacy "message" payloads decode into the
// same type with Legacy set.
type NewMessage struct {
	Data         models.Message       `json:"data"`
	InquiryQuota *models.InquiryQuota `json:"inquiry_quota,omitempty"`
	Legacy       bool                 `json:"-"`
}

type JoinedConversations struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type TypingStart struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
}

type TypingStop struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type UserOnline struct {
	UserID string `json:"user_id"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

type MessageRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReadAt         string `json:"read_at"`
	ReaderID       string `json:"reader_id"`
}

// ServerError is an error reported by the server. It never closes the socket.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (m NewMessage) Accept(v InboundVisitor)          { v.NewMessage(m) }
func (m JoinedConversations) Accept(v InboundVisitor) { v.JoinedConversations(m) }
func (m TypingStart) Accept(v InboundVisitor)         { v.TypingStart(m) }
func (m TypingStop) Accept(v InboundVisitor)          { v.TypingStop(m) }
func (m UserOnline) Accept(v InboundVisitor)          { v.UserOnline(m) }
func (m UserOffline) Accept(v InboundVisitor)         { v.UserOffline(m) }
func (m MessageRead) Accept(v InboundVisitor)         { v.MessageRead(m) }
func (m ServerError) Accept(v InboundVisitor)         { v.Error(m) }

func (NewMessage) inbound()          {}
func (JoinedConversations) inbound() {}
func (TypingStart) inbound()         {}
func (TypingStop) inbound()          {}
func (UserOnline) inbound()          {}
func (UserOffline) inbound()         {}
func (MessageRead) inbound()         {}
func (ServerError) inbound()         {}

type header struct {
	Type Type `json:"type"`
}

// DecodeInbound parses one messaging payload.
func DecodeInbound(data []byte) (Inbound, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch h.Type {
	case TypeNewMessage:
		var m NewMessage
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.Data.ID == "" {
			return nil, fmt.Errorf("%w: new_message without id", ErrMalformed)
		}
		return m, nil
	case TypeMessage:
		return decodeLegacyMessage(data)
	case TypeJoinedConversations:
		var m JoinedConversations
		return decodeInto(data, &m)
	case TypeTypingStart:
		var m TypingStart
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.ConversationID == "" || m.UserID == "" {
			return nil, fmt.Errorf("%w: typing_start without conversation or user", ErrMalformed)
		}
		return m, nil
	case TypeTypingStop:
		var m TypingStop
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.ConversationID == "" {
			return nil, fmt.Errorf("%w: typing_stop without conversation", ErrMalformed)
		}
		return m, nil
	case TypeUserOnline:
		var m UserOnline
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.UserID == "" {
			return nil, fmt.Errorf("%w: user_online without user", ErrMalformed)
		}
		return m, nil
	case TypeUserOffline:
		var m UserOffline
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.UserID == "" {
			return nil, fmt.Errorf("%w: user_offline without user", ErrMalformed)
		}
		return m, nil
	case TypeMessageRead:
		var m MessageRead
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		if m.MessageID == "" {
			return nil, fmt.Errorf("%w: message_read without message id", ErrMalformed)
		}
		return m, nil
	case TypeError:
		var m ServerError
		return decodeInto(data, &m)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}

// decodeLegacyMessage accepts both {"type":"message","data":{...}} and the
// older flattened shape where message fields sit beside "type".
func decodeLegacyMessage(data []byte) (Inbound, error) {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decodeBody(data, &wrapped); err != nil {
		return nil, err
	}

	body := data
	if len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
		body = wrapped.Data
	}

	var msg models.Message
	if err := decodeBody(body, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformed)
	}
	return NewMessage{Data: msg, Legacy: true}, nil
}

func decodeInto[T Inbound](data []byte, v *T) (Inbound, error) {
	if err := decodeBody(data, v); err != nil {
		return nil, err
	}
	return *v, nil
}

func decodeBody(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
