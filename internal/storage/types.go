package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var presenceKey = []byte("snapshot")

// DBPresence is the last known set of online users.
type DBPresence struct {
	UserIDs []string `msgpack:"userIds"`
	SavedAt int64    `msgpack:"savedAt"` // unix nanoseconds
}

func (p *DBPresence) Key() []byte {
	return presenceKey
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

// DBOutboxMessage is a message the server never confirmed.
type DBOutboxMessage struct {
	TempID         string         `msgpack:"tempId"`
	ConversationID string         `msgpack:"conversationId"`
	SenderID       string         `msgpack:"senderId"`
	SenderName     string         `msgpack:"senderName"`
	Content        string         `msgpack:"content"`
	Kind           string         `msgpack:"kind"`
	CreatedAt      string         `msgpack:"createdAt"`
	Attachments    []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Name     string `msgpack:"name"`
	URL      string `msgpack:"url"`
	Size     int64  `msgpack:"size"`
	MimeType string `msgpack:"mimeType"`
}

func (m *DBOutboxMessage) Key() []byte {
	return []byte(m.TempID)
}

func (m *DBOutboxMessage) MarshalBinary() (data []byte, err error) {
	type alias DBOutboxMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBOutboxMessage) UnmarshalBinary(data []byte) error {
	type alias DBOutboxMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBUpload maps the content hash of an uploaded file to its server reference.
type DBUpload struct {
	Hash       string       `msgpack:"hash"`
	Attachment DBAttachment `msgpack:"attachment"`
}

func (u *DBUpload) Key() []byte {
	return []byte(u.Hash)
}

func (u *DBUpload) MarshalBinary() (data []byte, err error) {
	type alias DBUpload
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUpload) UnmarshalBinary(data []byte) error {
	type alias DBUpload
	return msgpack.Unmarshal(data, (*alias)(u))
}
