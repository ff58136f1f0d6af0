package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shutterline/internal/call"
	"shutterline/internal/chat"
	"shutterline/internal/content"
	"shutterline/internal/models"
)

const previewLength = 200

// FormatMessage renders one message as a console line.
func FormatMessage(msg models.Message) string {
	var b strings.Builder
	if ts, ok := msg.Timestamp(); ok {
		b.WriteString(ts.Local().Format("15:04 "))
	}
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SenderID
	}
	fmt.Fprintf(&b, "%s: %s", sender, content.Summary(msg, previewLength))
	for _, att := range msg.Attachments {
		fmt.Fprintf(&b, " <%s>", att.URL)
	}

	switch msg.Delivery {
	case models.DeliveryPending:
		b.WriteString(" (sending)")
	case models.DeliveryFailed:
		fmt.Fprintf(&b, " (failed, /retry %s)", msg.TempID)
	default:
		if msg.IsRead {
			b.WriteString(" ✓✓")
		}
	}
	return b.String()
}

func FormatConversation(conv models.Conversation) string {
	line := fmt.Sprintf("%s  %s", conv.ID, conv.Title)
	if conv.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d unread]", conv.UnreadCount)
	}
	if conv.LastMessage != nil {
		line += "  " + content.Summary(*conv.LastMessage, 40)
	}
	return line
}

// ChatState is what the printer reads back from the channel on an event.
type ChatState interface {
	Messages(conversationID string) []models.Message
	Typing(conversationID string) (models.TypingUser, bool)
	IsOnline(userID string) bool
}

// Printer writes channel and call events to the console.
type Printer struct {
	console *Console
	state   ChatState
	shown   map[string]string
}

func NewPrinter(console *Console, state ChatState) *Printer {
	return &Printer{console: console, state: state, shown: make(map[string]string)}
}

// Watch prints events until ctx is done or both channels are closed.
func (p *Printer) Watch(ctx context.Context, chatEvents <-chan chat.Event, callEvents <-chan call.Event) {
	for chatEvents != nil || callEvents != nil {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-chatEvents:
			if !ok {
				chatEvents = nil
				continue
			}
			p.ChatEvent(e)
		case e, ok := <-callEvents:
			if !ok {
				callEvents = nil
				continue
			}
			p.CallEvent(e)
		}
	}
}

func (p *Printer) ChatEvent(e chat.Event) {
	switch e.Kind {
	case chat.EventStatus:
		p.console.printf("* messaging %s\n", e.Status)
	case chat.EventMessages:
		if e.ConversationID != p.console.Active() {
			return
		}
		p.printChanged(e.ConversationID)
	case chat.EventTyping:
		if e.ConversationID != p.console.Active() {
			return
		}
		if u, ok := p.state.Typing(e.ConversationID); ok {
			p.console.printf("* %s is typing...\n", u.UserName)
		}
	case chat.EventPresence:
		if p.state.IsOnline(e.UserID) {
			p.console.printf("* %s is online\n", e.UserID)
		} else {
			p.console.printf("* %s went offline\n", e.UserID)
		}
	case chat.EventQuota:
		if e.Quota != nil {
			p.console.printf("* inquiries: %d of %d used, %d left\n", e.Quota.Used, e.Quota.Limit, e.Quota.Remaining)
		}
	case chat.EventJoined:
		p.console.printf("* joined conversations\n")
	case chat.EventError:
		p.console.printf("* server error: %v\n", e.Err)
	}
}

// printChanged prints messages whose rendering differs from the last one
// shown, so confirmations and read receipts show up without repeating the
// whole conversation.
func (p *Printer) printChanged(conversationID string) {
	for _, msg := range p.state.Messages(conversationID) {
		key := msg.ID
		if msg.TempID != "" {
			key = msg.TempID
		}
		line := FormatMessage(msg)
		if p.shown[key] == line {
			continue
		}
		p.shown[key] = line
		p.console.printf("%s\n", line)
	}
}

func (p *Printer) CallEvent(e call.Event) {
	switch e.Kind {
	case call.EventState:
		s := e.Session
		switch s.State {
		case call.StateCalling:
			p.console.printf("* calling %s\n", s.RemoteUserID)
		case call.StateRinging:
			p.console.printf("* incoming call from %s, /accept or /reject\n", s.RemoteUserID)
		case call.StateConnected:
			p.console.printf("* call with %s connected\n", s.RemoteUserID)
		case call.StateEnded:
			p.console.printf("* call ended after %s\n", s.Duration.Truncate(time.Second))
		}
	case call.EventError:
		p.console.printf("* call error: %v\n", e.Err)
	}
}
