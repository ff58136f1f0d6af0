package protocol

import "shutterline/internal/models"

// JoinConversations is sent right after the messaging socket opens.
type JoinConversations struct {
	Type   Type   `json:"type"`
	UserID string `json:"user_id"`
}

func NewJoinConversations(userID string) JoinConversations {
	return JoinConversations{Type: TypeJoinConversations, UserID: userID}
}

// SendMessage asks the server to persist and broadcast a message. TempID is
// echoed back on the resulting new_message so the sender can reconcile its
// optimistic copy.
type SendMessage struct {
	Type           Type                `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content"`
	Kind           models.ContentKind  `json:"message_type"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	TempID         string              `json:"temp_id"`
}

func NewSendMessage(msg models.Message) SendMessage {
	return SendMessage{
		Type:           TypeSendMessage,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		Attachments:    msg.Attachments,
		TempID:         msg.TempID,
	}
}

type Typing struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversation_id"`
}

func NewTyping(conversationID string, start bool) Typing {
	t := TypeTypingStop
	if start {
		t = TypeTypingStart
	}
	return Typing{Type: t, ConversationID: conversationID}
}

type MarkRead struct {
	Type           Type     `json:"type"`
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func NewMarkRead(conversationID string, messageIDs []string) MarkRead {
	return MarkRead{Type: TypeMarkRead, ConversationID: conversationID, MessageIDs: messageIDs}
}
