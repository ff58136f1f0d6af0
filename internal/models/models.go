package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// ContentKind is the kind of content a message carries.
type ContentKind string

const (
	ContentKindText ContentKind = "text"
	ContentKindFile ContentKind = "file"
	// ContentKindCall marks call-log messages. They are updated in place
	// by the server as the call progresses.
	ContentKindCall ContentKind = "call"
)

// Delivery is the local delivery state of a message.
type Delivery string

const (
	DeliveryPending Delivery = "pending"
	DeliverySent    Delivery = "sent"
	DeliveryFailed  Delivery = "failed"
)

// Message represents a chat message, either server-confirmed or created
// locally and not yet confirmed (optimistic).
type Message struct {
	ID             string       `json:"id"`
	TempID         string       `json:"temp_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	Content        string       `json:"content"`
	Kind           ContentKind  `json:"message_type,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      string       `json:"created_at"` // RFC 3339
	IsRead         bool         `json:"is_read"`
	ReadAt         string       `json:"read_at,omitempty"`

	Optimistic bool     `json:"_optimistic,omitempty"`
	Delivery   Delivery `json:"-"`
}

// Timestamp parses CreatedAt. The second return value is false when the
// timestamp is missing or unparseable.
func (m Message) Timestamp() (time.Time, bool) {
	if m.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"` // MIME type
}

// Conversation is a chat conversation as returned by the history endpoint.
type Conversation struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
	LastMessage    *Message `json:"last_message,omitempty"`
	UnreadCount    int      `json:"unread_count"`
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}

// TypingUser is the user currently typing in a conversation.
type TypingUser struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	Since    time.Time `json:"since"`
}

// InquiryQuota is the inquiry allowance piggybacked on new_message events.
type InquiryQuota struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusConnected CallStatus = "connected"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusEnded     CallStatus = "ended"
)

// CallLog is the chat-visible record of a call, upserted by call id.
type CallLog struct {
	CallID          string     `json:"call_id"`
	ConversationID  string     `json:"conversation_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	Status          CallStatus `json:"status"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
}
