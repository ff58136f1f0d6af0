package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shutterline/internal/models"
	"shutterline/internal/protocol"
)

const (
	LobbyID = "lobby"

	lobbyRecords = 200
	dmRecords    = 100
	clientBuffer = 100
)

var (
	ErrForbidden      = errors.New("not a member of the conversation")
	ErrInvalidCallLog = errors.New("invalid call log")
)

type HubConfig struct {
	// InquiryLimit enables the inquiry quota piggybacked on the sender's
	// copy of each new message. Zero disables it.
	InquiryLimit int
	Now          func() time.Time
}

type activeCall struct {
	callerID string
	calleeID string
	answered bool
}

// Hub routes messaging and call-signaling payloads between connected users.
type Hub struct {
	// Map of conversationID -> Conversation
	conversations map[string]*Conversation

	// Map of userID -> outbound channel, one per socket kind
	chatClients map[string]chan any
	callClients map[string]chan any

	// Map of userID -> display name
	users map[string]string

	joined map[string]bool
	sent   map[string]int
	calls  map[string]activeCall

	inquiryLimit int
	now          func() time.Time

	mu sync.RWMutex
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		conversations: make(map[string]*Conversation),
		chatClients:   make(map[string]chan any),
		callClients:   make(map[string]chan any),
		users:         make(map[string]string),
		joined:        make(map[string]bool),
		sent:          make(map[string]int),
		calls:         make(map[string]activeCall),
		inquiryLimit:  cfg.InquiryLimit,
		now:           cfg.Now,
	}
	h.createConversationLocked(LobbyID, lobbyRecords)
	return h
}

func (h *Hub) createConversationLocked(id string, maxRecords int) *Conversation {
	c := NewConversation(ConversationConfig{
		ID:             id,
		MaxRecords:     maxRecords,
		RecordCallback: h.handleRecordCallback,
	})
	h.conversations[id] = c
	return c
}

// AddUser registers a user and creates its direct conversations with every
// known user. A non-empty name replaces the stored display name.
func (h *Hub) AddUser(userID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.users[userID]; ok {
		if name != "" {
			h.users[userID] = name
		}
		return
	}
	h.users[userID] = name

	for otherID := range h.users {
		if otherID == userID {
			continue
		}
		dmID := DMID(userID, otherID)
		if _, exists := h.conversations[dmID]; !exists {
			h.createConversationLocked(dmID, dmRecords)
		}
	}
}

func (h *Hub) displayNameLocked(userID string) string {
	if name := h.users[userID]; name != "" {
		return name
	}
	return userID
}

func (h *Hub) displayName(userID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.displayNameLocked(userID)
}

func (h *Hub) joinChat(userID string) chan any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.chatClients[userID]; ok {
		close(old)
	}
	ch := make(chan any, clientBuffer)
	h.chatClients[userID] = ch

	for id, c := range h.conversations {
		if IsMember(userID, id) {
			c.Join(userID)
		}
	}
	return ch
}

func (h *Hub) leaveChat(userID string, ch chan any) {
	h.mu.Lock()
	if cur, ok := h.chatClients[userID]; !ok || cur != ch {
		// Replaced by a newer connection.
		h.mu.Unlock()
		return
	}
	close(ch)
	delete(h.chatClients, userID)
	wasJoined := h.joined[userID]
	delete(h.joined, userID)
	for _, c := range h.conversations {
		c.Leave(userID)
	}
	h.mu.Unlock()

	if wasJoined {
		h.broadcastPresence(userID, protocol.TypeUserOffline)
	}
}

// sendChat queues v for userID's messaging socket, dropping it when the
// client is not keeping up.
func (h *Hub) sendChat(userID string, v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deliver(h.chatClients[userID], userID, v)
}

func (h *Hub) sendCall(userID string, v any) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return deliver(h.callClients[userID], userID, v)
}

func deliver(ch chan any, userID string, v any) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		slog.Warn("dropping payload for slow client", "user_id", userID)
		return false
	}
}

func (h *Hub) dispatchChat(userID string, payload json.RawMessage) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.sendChat(userID, newErrorFrame("bad_request", "malformed payload"))
		return
	}

	switch msg.Type {
	case protocol.TypeJoinConversations:
		h.handleJoin(userID)
	case protocol.TypeSendMessage:
		h.handleSend(userID, msg)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		h.handleTyping(userID, msg)
	case protocol.TypeMarkRead:
		h.handleMarkRead(userID, msg)
	default:
		h.sendChat(userID, newErrorFrame("unknown_type", fmt.Sprintf("unsupported type %q", msg.Type)))
	}
}

func (h *Hub) handleJoin(userID string) {
	h.mu.Lock()
	h.joined[userID] = true
	var ids []string
	for id := range h.conversations {
		if IsMember(userID, id) {
			ids = append(ids, id)
		}
	}
	var online []string
	for id := range h.joined {
		if id != userID {
			online = append(online, id)
		}
	}
	h.mu.Unlock()

	sort.Strings(ids)
	sort.Strings(online)

	h.sendChat(userID, joinedFrame{
		Type:                protocol.TypeJoinedConversations,
		JoinedConversations: protocol.JoinedConversations{ConversationIDs: ids},
	})
	for _, id := range online {
		h.sendChat(userID, presenceFrame{Type: protocol.TypeUserOnline, UserID: id})
	}
	h.broadcastPresence(userID, protocol.TypeUserOnline)
}

func (h *Hub) broadcastPresence(userID string, t protocol.Type) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.joined {
		if id != userID {
			deliver(h.chatClients[id], id, presenceFrame{Type: t, UserID: userID})
		}
	}
}

// conversation returns the conversation userID may post to, creating a
// direct conversation on first use.
func (h *Hub) conversation(userID, conversationID string) (*Conversation, error) {
	if !IsMember(userID, conversationID) {
		return nil, ErrForbidden
	}

	h.mu.RLock()
	c, ok := h.conversations[conversationID]
	h.mu.RUnlock()
	if ok {
		return c, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conversations[conversationID]; ok {
		return c, nil
	}
	c = h.createConversationLocked(conversationID, dmRecords)
	for id := range h.chatClients {
		if IsMember(id, conversationID) {
			c.Join(id)
		}
	}
	return c, nil
}

func (h *Hub) handleSend(userID string, msg clientMessage) {
	c, err := h.conversation(userID, msg.ConversationID)
	if err != nil {
		h.sendChat(userID, newErrorFrame("forbidden", err.Error()))
		return
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		h.sendChat(userID, newErrorFrame("empty_message", "message has no content"))
		return
	}

	kind := msg.Kind
	if kind == "" {
		kind = models.ContentKindText
	}

	h.mu.Lock()
	h.sent[userID]++
	name := h.displayNameLocked(userID)
	h.mu.Unlock()

	c.Upsert(models.Message{
		ID:             uuid.NewString(),
		TempID:         msg.TempID,
		ConversationID: c.ID,
		SenderID:       userID,
		SenderName:     name,
		Content:        msg.Content,
		Kind:           kind,
		Attachments:    msg.Attachments,
		CreatedAt:      h.now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Hub) handleTyping(userID string, msg clientMessage) {
	c, err := h.conversation(userID, msg.ConversationID)
	if err != nil {
		return
	}

	var frame any
	if msg.Type == protocol.TypeTypingStart {
		frame = typingStartFrame{
			Type: protocol.TypeTypingStart,
			TypingStart: protocol.TypingStart{
				ConversationID: c.ID,
				UserID:         userID,
				UserName:       h.displayName(userID),
			},
		}
	} else {
		frame = typingStopFrame{
			Type:       protocol.TypeTypingStop,
			TypingStop: protocol.TypingStop{ConversationID: c.ID, UserID: userID},
		}
	}

	for _, id := range c.Online() {
		if id != userID {
			h.sendChat(id, frame)
		}
	}
}

func (h *Hub) handleMarkRead(userID string, msg clientMessage) {
	c, err := h.conversation(userID, msg.ConversationID)
	if err != nil {
		h.sendChat(userID, newErrorFrame("forbidden", err.Error()))
		return
	}

	readAt := h.now().UTC().Format(time.RFC3339Nano)
	changed := c.MarkRead(userID, msg.MessageIDs, readAt)
	if len(changed) == 0 {
		return
	}

	receivers := c.Online()
	for _, m := range changed {
		frame := messageReadFrame{
			Type: protocol.TypeMessageRead,
			MessageRead: protocol.MessageRead{
				ConversationID: c.ID,
				MessageID:      m.ID,
				ReadAt:         readAt,
				ReaderID:       userID,
			},
		}
		for _, id := range receivers {
			h.sendChat(id, frame)
		}
	}
}

func (h *Hub) handleRecordCallback(receiverID string, conversationID string, msg models.Message) {
	frame := newMessageFrame{
		Type:       protocol.TypeNewMessage,
		NewMessage: protocol.NewMessage{Data: msg},
	}

	if receiverID == msg.SenderID && msg.Kind != models.ContentKindCall && h.inquiryLimit > 0 {
		h.mu.RLock()
		used := h.sent[receiverID]
		h.mu.RUnlock()
		frame.InquiryQuota = &models.InquiryQuota{
			Used:      used,
			Limit:     h.inquiryLimit,
			Remaining: max(h.inquiryLimit-used, 0),
		}
	}

	h.sendChat(receiverID, frame)
}

// Conversations lists the conversations userID belongs to, lobby first.
func (h *Hub) Conversations(userID string) []models.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []models.Conversation
	for id, c := range h.conversations {
		if !IsMember(userID, id) {
			continue
		}
		conv := models.Conversation{ID: id}
		if id == LobbyID {
			conv.Title = "Lobby"
			for uid := range h.users {
				conv.ParticipantIDs = append(conv.ParticipantIDs, uid)
			}
			sort.Strings(conv.ParticipantIDs)
		} else {
			a, b, _ := dmMembers(id)
			other := a
			if other == userID {
				other = b
			}
			conv.Title = h.displayNameLocked(other)
			conv.ParticipantIDs = []string{a, b}
		}
		conv.LastMessage, conv.UnreadCount = c.Summary(userID)
		result = append(result, conv)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ID == LobbyID {
			return true
		}
		if result[j].ID == LobbyID {
			return false
		}
		return result[i].Title < result[j].Title
	})
	return result
}

// Messages returns one page of a conversation's history.
func (h *Hub) Messages(userID, conversationID string, page, limit int) (models.MessagePage, error) {
	if !IsMember(userID, conversationID) {
		return models.MessagePage{}, ErrForbidden
	}
	h.mu.RLock()
	c, ok := h.conversations[conversationID]
	h.mu.RUnlock()
	if !ok {
		return models.MessagePage{Page: max(page, 1), Messages: []models.Message{}}, nil
	}
	return c.Page(page, limit), nil
}

// UpsertCallLog records a call as a call message with id call-<call_id>
// and broadcasts it. Later updates of the same call replace the message.
func (h *Hub) UpsertCallLog(userID string, log models.CallLog) (models.Message, error) {
	if log.CallID == "" || log.ConversationID == "" {
		return models.Message{}, fmt.Errorf("%w: missing call or conversation id", ErrInvalidCallLog)
	}
	if userID != log.CallerID && userID != log.CalleeID {
		return models.Message{}, ErrForbidden
	}
	text, ok := callLogText(log)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: status %q", ErrInvalidCallLog, log.Status)
	}
	c, err := h.conversation(userID, log.ConversationID)
	if err != nil {
		return models.Message{}, err
	}

	return c.Upsert(models.Message{
		ID:             "call-" + log.CallID,
		ConversationID: c.ID,
		SenderID:       log.CallerID,
		SenderName:     h.displayName(log.CallerID),
		Content:        text,
		Kind:           models.ContentKindCall,
		CreatedAt:      h.now().UTC().Format(time.RFC3339Nano),
	}), nil
}

func callLogText(log models.CallLog) (string, bool) {
	switch log.Status {
	case models.CallStatusInitiated:
		return "Call started", true
	case models.CallStatusConnected:
		return "Call in progress", true
	case models.CallStatusRejected:
		return "Call declined", true
	case models.CallStatusEnded:
		if log.DurationSeconds > 0 {
			return fmt.Sprintf("Call ended (%s)", time.Duration(log.DurationSeconds)*time.Second), true
		}
		return "Call ended", true
	default:
		return "", false
	}
}

func (h *Hub) joinCalls(userID string) chan any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.callClients[userID]; ok {
		close(old)
	}
	ch := make(chan any, clientBuffer)
	h.callClients[userID] = ch
	return ch
}

// leaveCalls ends every call the user takes part in so the other side
// does not wait for a peer that is gone. A pending offer is rejected on
// behalf of a callee that left, anything else is ended.
func (h *Hub) leaveCalls(userID string, ch chan any) {
	h.mu.Lock()
	if cur, ok := h.callClients[userID]; !ok || cur != ch {
		h.mu.Unlock()
		return
	}
	close(ch)
	delete(h.callClients, userID)

	type hangup struct {
		to  string
		msg any
	}
	var hangups []hangup
	for callID, call := range h.calls {
		sig := protocol.Signal{CallID: callID, FromUserID: userID}
		switch {
		case userID == call.calleeID && !call.answered:
			// An unanswered callee that disappears declines the offer.
			sig.Type, sig.ToUserID = protocol.TypeCallRejected, call.callerID
			hangups = append(hangups, hangup{call.callerID, protocol.CallRejected{Signal: sig}})
		case userID == call.calleeID:
			sig.Type, sig.ToUserID = protocol.TypeCallEnded, call.callerID
			hangups = append(hangups, hangup{call.callerID, protocol.CallEnded{Signal: sig}})
		case userID == call.callerID:
			sig.Type, sig.ToUserID = protocol.TypeCallEnded, call.calleeID
			hangups = append(hangups, hangup{call.calleeID, protocol.CallEnded{Signal: sig}})
		default:
			continue
		}
		delete(h.calls, callID)
	}
	h.mu.Unlock()

	for _, hu := range hangups {
		h.sendCall(hu.to, hu.msg)
	}
}

// dispatchCall forwards a signal to its addressee with the sender filled
// in from the connection. An offer to a user without a signaling socket
// is answered with busy.
func (h *Hub) dispatchCall(userID string, payload json.RawMessage) {
	var sig protocol.Signal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.CallID == "" || sig.ToUserID == "" {
		slog.Warn("dropping malformed signal", "user_id", userID, "error", err)
		return
	}
	sig.FromUserID = userID

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		slog.Warn("dropping malformed signal", "user_id", userID, "error", err)
		return
	}
	body["from_user_id"] = userID

	h.trackCall(sig)

	if h.sendCall(sig.ToUserID, body) {
		return
	}
	if sig.Type == protocol.TypeCallOffer {
		h.mu.Lock()
		delete(h.calls, sig.CallID)
		h.mu.Unlock()
		h.sendCall(userID, protocol.CallBusy{Signal: sig.Reply(protocol.TypeCallBusy)})
	}
}

func (h *Hub) trackCall(sig protocol.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch sig.Type {
	case protocol.TypeCallOffer:
		if _, ok := h.calls[sig.CallID]; !ok {
			h.calls[sig.CallID] = activeCall{callerID: sig.FromUserID, calleeID: sig.ToUserID}
		}
	case protocol.TypeCallAnswer:
		if call, ok := h.calls[sig.CallID]; ok {
			call.answered = true
			h.calls[sig.CallID] = call
		}
	case protocol.TypeCallRejected, protocol.TypeCallEnded, protocol.TypeCallBusy:
		delete(h.calls, sig.CallID)
	}
}

// Helpers

// DMID returns the id of the direct conversation between two users.
func DMID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

func dmMembers(conversationID string) (string, string, bool) {
	if !strings.HasPrefix(conversationID, "dm_") {
		return "", "", false
	}
	parts := strings.Split(conversationID[3:], "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsMember reports whether userID belongs to the conversation: everyone is
// in the lobby, and dm_<a>_<b> has exactly a and b.
func IsMember(userID, conversationID string) bool {
	if conversationID == LobbyID {
		return true
	}
	a, b, ok := dmMembers(conversationID)
	return ok && (a == userID || b == userID)
}
