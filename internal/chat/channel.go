// Package chat implements the realtime messaging channel: one reconnecting
// socket per (token, user) pair, the inbound event protocol, typing and
// presence state, and reconciliation of optimistic messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"shutterline/internal/models"
	"shutterline/internal/protocol"
	"shutterline/internal/transport"
)

const (
	DefaultTypingTimeout  = 5 * time.Second
	DefaultPendingTimeout = 5 * time.Second
	DefaultPresenceTTL    = 5 * time.Minute

	notifyTimeout = 10 * time.Second
)

var (
	ErrMissingCredentials = errors.New("token and user id are required")
	ErrServer             = errors.New("server error")
)

// Store persists the state that should survive a restart.
type Store interface {
	SavePresence(userIDs []string, at time.Time) error
	LoadPresence(maxAge time.Duration, now time.Time) ([]string, error)
	UpsertFailedMessage(msg models.Message) error
	DeleteFailedMessage(tempID string) error
	ListFailedMessages(conversationID string) ([]models.Message, error)
}

// Notifier is told about every new message from another user.
type Notifier interface {
	Notify(ctx context.Context, msg models.Message)
}

type Config struct {
	URL    string
	Token  string
	UserID string

	Backoff        transport.Backoff
	TypingTimeout  time.Duration
	PendingTimeout time.Duration
	PresenceTTL    time.Duration

	Store    Store
	Notifier Notifier

	Dial      transport.DialFunc
	AfterFunc transport.AfterFunc
	Now       func() time.Time
}

type EventKind string

const (
	EventStatus   EventKind = "status"
	EventMessages EventKind = "messages"
	EventTyping   EventKind = "typing"
	EventPresence EventKind = "presence"
	EventQuota    EventKind = "quota"
	EventJoined   EventKind = "joined"
	EventError    EventKind = "error"
	// EventScroll asks the UI to scroll the active conversation to the bottom.
	EventScroll EventKind = "scroll"
)

// Event tells subscribers which part of the channel state changed.
type Event struct {
	Kind           EventKind
	ConversationID string
	UserID         string
	Status         transport.Status
	Quota          *models.InquiryQuota
	Err            error
}

// Channel is the realtime messaging channel. It owns its socket; consumers
// read state through its accessors and change it only through its commands.
type Channel struct {
	cfg Config
	tr  *transport.Transport

	presence geche.Geche[string, time.Time]
	typing   geche.Geche[string, models.TypingUser]

	mu            sync.Mutex
	messages      map[string][]models.Message
	joined        []string
	active        string
	typingTimers  map[string]transport.Timer
	pendingTimers map[string]transport.Timer

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

func New(cfg Config) (*Channel, error) {
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) transport.Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Channel{
		cfg:           cfg,
		presence:      geche.NewMapCache[string, time.Time](),
		typing:        geche.NewMapCache[string, models.TypingUser](),
		messages:      make(map[string][]models.Message),
		typingTimers:  make(map[string]transport.Timer),
		pendingTimers: make(map[string]transport.Timer),
		listeners:     make(map[chan Event]struct{}),
	}

	tr, err := transport.New(transport.Config{
		Name:      "chat",
		URL:       cfg.URL,
		Token:     cfg.Token,
		Backoff:   cfg.Backoff,
		Dial:      cfg.Dial,
		AfterFunc: cfg.AfterFunc,
		OnOpen:    c.onOpen,
		OnMessage: c.onMessage,
		OnStatus: func(s transport.Status) {
			c.emit(Event{Kind: EventStatus, Status: s})
		},
	})
	if err != nil {
		return nil, err
	}
	c.tr = tr

	c.seedPresence()
	return c, nil
}

// Open connects the socket. Failures are not returned: they show up as
// status events and follow the reconnection policy.
func (c *Channel) Open(ctx context.Context) {
	if err := c.tr.Open(ctx); err != nil {
		slog.Warn("chat connect failed", "error", err)
	}
}

// Reconnect starts a fresh connection with the attempt counter reset.
func (c *Channel) Reconnect(ctx context.Context) {
	if err := c.tr.Reconnect(ctx); err != nil {
		slog.Warn("chat reconnect failed", "error", err)
	}
}

// Close tears the channel down. No reconnect follows.
func (c *Channel) Close() error {
	err := c.tr.Close()

	c.mu.Lock()
	for k, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, k)
	}
	for k, t := range c.pendingTimers {
		t.Stop()
		delete(c.pendingTimers, k)
	}
	c.mu.Unlock()

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan Event]struct{})
	c.listenerMu.Unlock()
	return err
}

func (c *Channel) Status() transport.Status { return c.tr.Status() }

// Exhausted reports that automatic reconnection gave up.
func (c *Channel) Exhausted() bool { return c.tr.Exhausted() }

// SetActiveConversation selects the conversation whose new messages trigger
// auto-scroll.
func (c *Channel) SetActiveConversation(conversationID string) {
	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()
}

// Seed merges fetched history into a conversation, together with any
// messages that failed to send before a restart. It never notifies.
func (c *Channel) Seed(conversationID string, history []models.Message) {
	var failed []models.Message
	if c.cfg.Store != nil {
		var err error
		failed, err = c.cfg.Store.ListFailedMessages(conversationID)
		if err != nil {
			slog.Warn("loading failed messages", "conversation_id", conversationID, "error", err)
		}
	}

	c.mu.Lock()
	current := c.messages[conversationID]
	for _, f := range failed {
		if !containsTemp(current, f.TempID) {
			f.Optimistic = true
			f.Delivery = models.DeliveryFailed
			current = append(current, f)
		}
	}
	res := Reconcile(current, history, c.cfg.UserID)
	c.messages[conversationID] = res.Messages
	c.mu.Unlock()

	c.forgetFailed(res.Superseded)
	c.emit(Event{Kind: EventMessages, ConversationID: conversationID})
}

// Messages returns a copy of a conversation's messages, oldest first.
func (c *Channel) Messages(conversationID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages[conversationID])
}

// Joined returns the conversation ids the server confirmed on join.
func (c *Channel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.joined)
}

// Typing returns who is typing in a conversation.
func (c *Channel) Typing(conversationID string) (models.TypingUser, bool) {
	u, err := c.typing.Get(conversationID)
	if err != nil {
		return models.TypingUser{}, false
	}
	if c.cfg.Now().Sub(u.Since) >= c.cfg.TypingTimeout {
		return models.TypingUser{}, false
	}
	return u, true
}

func (c *Channel) IsOnline(userID string) bool {
	_, err := c.presence.Get(userID)
	return err == nil
}

// OnlineUsers returns the presence set, sorted.
func (c *Channel) OnlineUsers() []string {
	snap := c.presence.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Send adds an optimistic message and transmits it. It returns false without
// side effects when the socket is not open; confirmation arrives later as a
// new_message event.
func (c *Channel) Send(conversationID, content string, kind models.ContentKind, attachments []models.Attachment) (models.Message, bool) {
	if c.tr.Status() != transport.StatusOpen {
		return models.Message{}, false
	}
	if kind == "" {
		kind = models.ContentKindText
		if len(attachments) > 0 {
			kind = models.ContentKindFile
		}
	}

	tempID := uuid.NewString()
	msg := models.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       c.cfg.UserID,
		Content:        content,
		Kind:           kind,
		Attachments:    attachments,
		CreatedAt:      c.cfg.Now().UTC().Format(time.RFC3339Nano),
		Optimistic:     true,
		Delivery:       models.DeliveryPending,
	}

	// The optimistic copy goes in before the frame leaves so a fast echo
	// always finds something to supersede.
	c.mu.Lock()
	c.messages[conversationID] = append(c.messages[conversationID], msg)
	SortByCreated(c.messages[conversationID])
	c.mu.Unlock()

	if err := c.tr.Send(protocol.NewSendMessage(msg)); err != nil {
		slog.Warn("send failed", "conversation_id", conversationID, "error", err)
		c.mu.Lock()
		c.messages[conversationID] = slices.DeleteFunc(c.messages[conversationID], func(m models.Message) bool {
			return m.Optimistic && m.TempID == tempID
		})
		c.mu.Unlock()
		return models.Message{}, false
	}

	c.mu.Lock()
	c.schedulePendingLocked(conversationID, tempID)
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessages, ConversationID: conversationID})
	return msg, true
}

// Retry re-sends a failed message with its original temporary id.
func (c *Channel) Retry(conversationID, tempID string) bool {
	if c.tr.Status() != transport.StatusOpen {
		return false
	}

	c.mu.Lock()
	i := slices.IndexFunc(c.messages[conversationID], func(m models.Message) bool {
		return m.Optimistic && m.TempID == tempID && m.Delivery == models.DeliveryFailed
	})
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.messages[conversationID][i].Delivery = models.DeliveryPending
	msg := c.messages[conversationID][i]
	c.mu.Unlock()

	if err := c.tr.Send(protocol.NewSendMessage(msg)); err != nil {
		slog.Warn("retry failed", "temp_id", tempID, "error", err)
		c.setDelivery(conversationID, tempID, models.DeliveryFailed)
		return false
	}

	c.mu.Lock()
	c.schedulePendingLocked(conversationID, tempID)
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessages, ConversationID: conversationID})
	return true
}

// SetTyping sends typing_start or typing_stop. Dropped while disconnected.
func (c *Channel) SetTyping(conversationID string, typing bool) {
	if c.tr.Status() != transport.StatusOpen {
		return
	}
	if err := c.tr.Send(protocol.NewTyping(conversationID, typing)); err != nil {
		slog.Debug("typing not sent", "conversation_id", conversationID, "error", err)
	}
}

// MarkRead reports messages as read. Dropped while disconnected.
func (c *Channel) MarkRead(conversationID string, messageIDs []string) {
	if len(messageIDs) == 0 || c.tr.Status() != transport.StatusOpen {
		return
	}
	if err := c.tr.Send(protocol.NewMarkRead(conversationID, messageIDs)); err != nil {
		slog.Debug("mark read not sent", "conversation_id", conversationID, "error", err)
	}
}

// Subscribe returns a channel of state-change events. Slow subscribers miss
// events rather than block the socket.
func (c *Channel) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) emit(e Event) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (c *Channel) onOpen() {
	if err := c.tr.Send(protocol.NewJoinConversations(c.cfg.UserID)); err != nil {
		slog.Warn("join_conversations not sent", "error", err)
	}
}

func (c *Channel) onMessage(data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		slog.Warn("dropping inbound payload", "socket", "chat", "error", err)
		return
	}
	in.Accept(dispatcher{c})
}

// applyBatch reconciles inbound messages into one conversation and fires
// the notification side effects for fresh messages from other users.
func (c *Channel) applyBatch(conversationID string, batch []models.Message) {
	c.mu.Lock()
	res := Reconcile(c.messages[conversationID], batch, c.cfg.UserID)
	c.messages[conversationID] = res.Messages
	for _, tempID := range res.Superseded {
		if t, ok := c.pendingTimers[tempID]; ok {
			t.Stop()
			delete(c.pendingTimers, tempID)
		}
	}
	active := c.active
	c.mu.Unlock()

	c.forgetFailed(res.Superseded)
	c.emit(Event{Kind: EventMessages, ConversationID: conversationID})

	if len(res.Fresh) == 0 {
		return
	}
	if n := c.cfg.Notifier; n != nil {
		for _, m := range res.Fresh {
			go func(m models.Message) {
				ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
				defer cancel()
				n.Notify(ctx, m)
			}(m)
		}
	}
	if conversationID == active {
		c.emit(Event{Kind: EventScroll, ConversationID: conversationID})
	}
}

func (c *Channel) schedulePendingLocked(conversationID, tempID string) {
	if t, ok := c.pendingTimers[tempID]; ok {
		t.Stop()
	}
	c.pendingTimers[tempID] = c.cfg.AfterFunc(c.cfg.PendingTimeout, func() {
		c.expirePending(conversationID, tempID)
	})
}

// expirePending marks an unconfirmed message as failed. It stays in the list
// and stays reconcilable, so a late echo still replaces it.
func (c *Channel) expirePending(conversationID, tempID string) {
	c.mu.Lock()
	delete(c.pendingTimers, tempID)
	i := slices.IndexFunc(c.messages[conversationID], func(m models.Message) bool {
		return m.Optimistic && m.TempID == tempID && m.Delivery == models.DeliveryPending
	})
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.messages[conversationID][i].Delivery = models.DeliveryFailed
	msg := c.messages[conversationID][i]
	c.mu.Unlock()

	slog.Warn("message not confirmed in time", "conversation_id", conversationID, "temp_id", tempID)
	if c.cfg.Store != nil {
		if err := c.cfg.Store.UpsertFailedMessage(msg); err != nil {
			slog.Warn("saving failed message", "temp_id", tempID, "error", err)
		}
	}
	c.emit(Event{Kind: EventMessages, ConversationID: conversationID})
}

func (c *Channel) setDelivery(conversationID, tempID string, d models.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.messages[conversationID] {
		if m.Optimistic && m.TempID == tempID {
			c.messages[conversationID][i].Delivery = d
		}
	}
}

func (c *Channel) forgetFailed(tempIDs []string) {
	if c.cfg.Store == nil {
		return
	}
	for _, id := range tempIDs {
		if err := c.cfg.Store.DeleteFailedMessage(id); err != nil {
			slog.Warn("deleting failed message", "temp_id", id, "error", err)
		}
	}
}

func (c *Channel) seedPresence() {
	if c.cfg.Store == nil {
		return
	}
	ids, err := c.cfg.Store.LoadPresence(c.cfg.PresenceTTL, c.cfg.Now())
	if err != nil {
		slog.Warn("loading presence cache", "error", err)
		return
	}
	now := c.cfg.Now()
	for _, id := range ids {
		c.presence.Set(id, now)
	}
}

func (c *Channel) savePresence() {
	if c.cfg.Store == nil {
		return
	}
	if err := c.cfg.Store.SavePresence(c.OnlineUsers(), c.cfg.Now()); err != nil {
		slog.Warn("saving presence cache", "error", err)
	}
}

func containsTemp(msgs []models.Message, tempID string) bool {
	return slices.ContainsFunc(msgs, func(m models.Message) bool { return m.TempID == tempID })
}

// dispatcher routes decoded payloads to the channel.
type dispatcher struct{ c *Channel }

func (d dispatcher) NewMessage(m protocol.NewMessage) {
	if m.Data.ConversationID == "" {
		slog.Warn("dropping message without conversation", "message_id", m.Data.ID)
		return
	}
	d.c.applyBatch(m.Data.ConversationID, []models.Message{m.Data})
	if m.InquiryQuota != nil {
		d.c.emit(Event{Kind: EventQuota, ConversationID: m.Data.ConversationID, Quota: m.InquiryQuota})
	}
}

func (d dispatcher) JoinedConversations(m protocol.JoinedConversations) {
	d.c.mu.Lock()
	d.c.joined = slices.Clone(m.ConversationIDs)
	d.c.mu.Unlock()
	d.c.emit(Event{Kind: EventJoined})
}

func (d dispatcher) TypingStart(m protocol.TypingStart) {
	c := d.c
	if m.UserID == c.cfg.UserID {
		return
	}
	since := c.cfg.Now()
	c.typing.Set(m.ConversationID, models.TypingUser{UserID: m.UserID, UserName: m.UserName, Since: since})

	c.mu.Lock()
	if t, ok := c.typingTimers[m.ConversationID]; ok {
		t.Stop()
	}
	c.typingTimers[m.ConversationID] = c.cfg.AfterFunc(c.cfg.TypingTimeout, func() {
		c.expireTyping(m.ConversationID, since)
	})
	c.mu.Unlock()

	c.emit(Event{Kind: EventTyping, ConversationID: m.ConversationID, UserID: m.UserID})
}

func (d dispatcher) TypingStop(m protocol.TypingStop) {
	c := d.c
	u, err := c.typing.Get(m.ConversationID)
	if err != nil || (m.UserID != "" && u.UserID != m.UserID) {
		return
	}
	_ = c.typing.Del(m.ConversationID)

	c.mu.Lock()
	if t, ok := c.typingTimers[m.ConversationID]; ok {
		t.Stop()
		delete(c.typingTimers, m.ConversationID)
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventTyping, ConversationID: m.ConversationID, UserID: m.UserID})
}

func (c *Channel) expireTyping(conversationID string, since time.Time) {
	u, err := c.typing.Get(conversationID)
	if err != nil || !u.Since.Equal(since) {
		return
	}
	_ = c.typing.Del(conversationID)

	c.mu.Lock()
	delete(c.typingTimers, conversationID)
	c.mu.Unlock()

	c.emit(Event{Kind: EventTyping, ConversationID: conversationID, UserID: u.UserID})
}

func (d dispatcher) UserOnline(m protocol.UserOnline) {
	d.c.presence.Set(m.UserID, d.c.cfg.Now())
	d.c.savePresence()
	d.c.emit(Event{Kind: EventPresence, UserID: m.UserID})
}

func (d dispatcher) UserOffline(m protocol.UserOffline) {
	_ = d.c.presence.Del(m.UserID)
	d.c.savePresence()
	d.c.emit(Event{Kind: EventPresence, UserID: m.UserID})
}

func (d dispatcher) MessageRead(m protocol.MessageRead) {
	c := d.c
	var touched []string

	c.mu.Lock()
	for conv, msgs := range c.messages {
		if m.ConversationID != "" && conv != m.ConversationID {
			continue
		}
		for i := range msgs {
			if msgs[i].ID == m.MessageID && !msgs[i].Optimistic {
				msgs[i].IsRead = true
				msgs[i].ReadAt = m.ReadAt
				touched = append(touched, conv)
			}
		}
	}
	c.mu.Unlock()

	for _, conv := range touched {
		c.emit(Event{Kind: EventMessages, ConversationID: conv})
	}
}

func (d dispatcher) Error(m protocol.ServerError) {
	slog.Warn("server reported error", "code", m.Code, "message", m.Message)
	d.c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", ErrServer, m.Message)})
}
