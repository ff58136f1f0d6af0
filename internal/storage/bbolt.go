package storage

import (
	"fmt"
	"time"

	"shutterline/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketPresence = []byte("presence")
	bucketOutbox   = []byte("outbox")
	bucketUploads  = []byte("uploads")
	bucketFiles    = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPresence, bucketOutbox, bucketUploads, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) put(bucket []byte, item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
		}
		return tx.Bucket(bucket).Put(item.Key(), data)
	})
}

func (s *BboltStorage) get(bucket, key []byte, item Storeable) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, models.ErrNotFound)
		}
		return item.UnmarshalBinary(data)
	})
}

// SavePresence replaces the presence snapshot.
func (s *BboltStorage) SavePresence(userIDs []string, at time.Time) error {
	return s.put(bucketPresence, &DBPresence{UserIDs: userIDs, SavedAt: at.UnixNano()})
}

// LoadPresence returns the snapshot, or nothing when it is older than maxAge.
func (s *BboltStorage) LoadPresence(maxAge time.Duration, now time.Time) ([]string, error) {
	var p DBPresence
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get(presenceKey)
		if data == nil {
			return nil
		}
		return p.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	if p.SavedAt == 0 || now.Sub(time.Unix(0, p.SavedAt)) > maxAge {
		return nil, nil
	}
	return p.UserIDs, nil
}

// UpsertFailedMessage stores an unconfirmed message keyed by its temp id.
func (s *BboltStorage) UpsertFailedMessage(msg models.Message) error {
	if msg.TempID == "" {
		return fmt.Errorf("message missing temp id")
	}
	return s.put(bucketOutbox, &DBOutboxMessage{
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Kind:           string(msg.Kind),
		CreatedAt:      msg.CreatedAt,
		Attachments:    toDBAttachments(msg.Attachments),
	})
}

func (s *BboltStorage) DeleteFailedMessage(tempID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete([]byte(tempID))
	})
}

// ListFailedMessages returns the outbox of one conversation.
func (s *BboltStorage) ListFailedMessages(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var dbMsg DBOutboxMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ConversationID != conversationID {
				return nil
			}
			messages = append(messages, models.Message{
				TempID:         dbMsg.TempID,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				SenderName:     dbMsg.SenderName,
				Content:        dbMsg.Content,
				Kind:           models.ContentKind(dbMsg.Kind),
				CreatedAt:      dbMsg.CreatedAt,
				Attachments:    fromDBAttachments(dbMsg.Attachments),
				Optimistic:     true,
				Delivery:       models.DeliveryFailed,
			})
			return nil
		})
	})
	return messages, err
}

func toDBAttachments(in []models.Attachment) []DBAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]DBAttachment, len(in))
	for i, a := range in {
		out[i] = DBAttachment{Name: a.Name, URL: a.URL, Size: a.Size, MimeType: a.Type}
	}
	return out
}

func fromDBAttachments(in []DBAttachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = models.Attachment{Name: a.Name, URL: a.URL, Size: a.Size, Type: a.MimeType}
	}
	return out
}
