package relay

import (
	"sync"

	"shutterline/internal/models"
)

type Seq int64

type Record struct {
	Seq     Seq
	Message models.Message
}

// Conversation keeps the most recent MaxRecords messages of one
// conversation in a ring buffer and tracks which members are connected.
type Conversation struct {
	ID         string
	Records    []Record
	Members    map[string]bool
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	RecordCallback func(receiverID string, conversationID string, msg models.Message)

	index map[string]Seq
	mux   sync.RWMutex
}

type ConversationConfig struct {
	ID             string
	MaxRecords     int
	RecordCallback func(receiverID string, conversationID string, msg models.Message)
}

func NewConversation(config ConversationConfig) *Conversation {
	return &Conversation{
		ID:             config.ID,
		MaxRecords:     config.MaxRecords,
		LastIndex:      -1,
		FirstSeq:       -1,
		LastSeq:        -1,
		Members:        make(map[string]bool),
		RecordCallback: config.RecordCallback,
		index:          make(map[string]Seq),
	}
}

// Upsert stores a message and delivers it to every connected member.
// A message whose id is still in the buffer is replaced in place and keeps
// its position and creation time. Otherwise it is appended, evicting the
// oldest record when the buffer is full.
func (c *Conversation) Upsert(msg models.Message) models.Message {
	c.mux.Lock()
	if seq, ok := c.index[msg.ID]; ok && seq >= c.FirstSeq {
		i := c.position(seq)
		if created := c.Records[i].Message.CreatedAt; created != "" {
			msg.CreatedAt = created
		}
		c.Records[i].Message = msg
	} else {
		c.appendLocked(msg)
	}
	receivers := c.onlineLocked()
	callback := c.RecordCallback
	c.mux.Unlock()

	if callback != nil {
		for _, id := range receivers {
			callback(id, c.ID, msg)
		}
	}
	return msg
}

func (c *Conversation) appendLocked(msg models.Message) {
	c.LastSeq++
	record := Record{Seq: c.LastSeq, Message: msg}
	c.index[msg.ID] = record.Seq

	switch {
	case len(c.Records) < c.MaxRecords:
		if c.FirstSeq == -1 {
			c.FirstSeq = c.LastSeq
		}
		c.Records = append(c.Records, record)
		c.LastIndex++
	default:
		i := (c.LastIndex + 1) % c.MaxRecords
		delete(c.index, c.Records[i].Message.ID)
		c.FirstSeq++
		c.Records[i] = record
		c.LastIndex = i
	}
}

func (c *Conversation) head() int {
	if len(c.Records) == c.MaxRecords {
		return (c.LastIndex + 1) % c.MaxRecords
	}
	return 0
}

func (c *Conversation) position(seq Seq) int {
	return (c.head() + int(seq-c.FirstSeq)) % len(c.Records)
}

// GetRecords returns the records in [from, to), clamped to what the buffer
// still holds.
func (c *Conversation) GetRecords(from, to Seq) []Record {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.rangeLocked(from, to)
}

func (c *Conversation) rangeLocked(from, to Seq) []Record {
	if c.FirstSeq == -1 {
		return []Record{}
	}
	if from < c.FirstSeq {
		from = c.FirstSeq
	}
	if to > c.LastSeq+1 {
		to = c.LastSeq + 1
	}
	if from >= to {
		return []Record{}
	}

	count := int(to - from)
	result := make([]Record, count)
	startIdx := c.position(from)

	if startIdx+count <= len(c.Records) {
		copy(result, c.Records[startIdx:startIdx+count])
	} else {
		n1 := len(c.Records) - startIdx
		copy(result, c.Records[startIdx:])
		copy(result[n1:], c.Records[:count-n1])
	}
	return result
}

func (c *Conversation) GetLastRecords(count int) []Record {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.rangeLocked(c.LastSeq-Seq(count)+1, c.LastSeq+1)
}

// Page returns one page of history in chronological order. Page 1 holds
// the newest limit messages.
func (c *Conversation) Page(page, limit int) models.MessagePage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	c.mux.RLock()
	defer c.mux.RUnlock()

	out := models.MessagePage{Page: page, Messages: []models.Message{}}
	if c.FirstSeq == -1 {
		return out
	}
	to := c.LastSeq + 1 - Seq((page-1)*limit)
	from := to - Seq(limit)
	for _, r := range c.rangeLocked(from, to) {
		out.Messages = append(out.Messages, r.Message)
	}
	out.HasMore = from > c.FirstSeq
	return out
}

// MarkRead marks the given messages read on behalf of readerID and returns
// the ones that changed. Own messages are never marked.
func (c *Conversation) MarkRead(readerID string, ids []string, readAt string) []models.Message {
	c.mux.Lock()
	defer c.mux.Unlock()

	var changed []models.Message
	for _, id := range ids {
		seq, ok := c.index[id]
		if !ok || seq < c.FirstSeq {
			continue
		}
		r := &c.Records[c.position(seq)]
		if r.Message.SenderID == readerID || r.Message.IsRead {
			continue
		}
		r.Message.IsRead = true
		r.Message.ReadAt = readAt
		changed = append(changed, r.Message)
	}
	return changed
}

// Summary returns the last message and the number of messages userID has
// not read.
func (c *Conversation) Summary(userID string) (*models.Message, int) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	if c.FirstSeq == -1 {
		return nil, 0
	}
	unread := 0
	for _, r := range c.Records {
		if r.Message.SenderID != userID && !r.Message.IsRead {
			unread++
		}
	}
	last := c.Records[c.LastIndex].Message
	return &last, unread
}

func (c *Conversation) onlineLocked() []string {
	var ids []string
	for id, online := range c.Members {
		if online {
			ids = append(ids, id)
		}
	}
	return ids
}

// Online returns the connected members.
func (c *Conversation) Online() []string {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.onlineLocked()
}

func (c *Conversation) addMember(userID string, online bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.Members[userID] = online
}

func (c *Conversation) Join(userID string) {
	c.addMember(userID, true)
}

func (c *Conversation) Leave(userID string) {
	c.addMember(userID, false)
}
