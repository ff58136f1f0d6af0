package relay

import (
	"shutterline/internal/models"
	"shutterline/internal/protocol"
)

// clientMessage is any payload a client sends on the messaging socket.
type clientMessage struct {
	Type           protocol.Type       `json:"type"`
	UserID         string              `json:"user_id"`
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content"`
	Kind           models.ContentKind  `json:"message_type"`
	Attachments    []models.Attachment `json:"attachments"`
	TempID         string              `json:"temp_id"`
	MessageIDs     []string            `json:"message_ids"`
}

type newMessageFrame struct {
	Type protocol.Type `json:"type"`
	protocol.NewMessage
}

type joinedFrame struct {
	Type protocol.Type `json:"type"`
	protocol.JoinedConversations
}

type typingStartFrame struct {
	Type protocol.Type `json:"type"`
	protocol.TypingStart
}

type typingStopFrame struct {
	Type protocol.Type `json:"type"`
	protocol.TypingStop
}

type presenceFrame struct {
	Type   protocol.Type `json:"type"`
	UserID string        `json:"user_id"`
}

type messageReadFrame struct {
	Type protocol.Type `json:"type"`
	protocol.MessageRead
}

type errorFrame struct {
	Type protocol.Type `json:"type"`
	protocol.ServerError
}

func newErrorFrame(code, message string) errorFrame {
	return errorFrame{
		Type:        protocol.TypeError,
		ServerError: protocol.ServerError{Code: code, Message: message},
	}
}
