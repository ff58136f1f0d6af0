// Package commands implements the line-oriented console of the client.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"shutterline/internal/call"
	"shutterline/internal/models"
)

const historyPageSize = 50

var (
	ErrQuit           = errors.New("quit")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoConversation = errors.New("no conversation selected, use /join <id>")
)

// Chat is the part of the messaging channel the console drives.
type Chat interface {
	SetActiveConversation(conversationID string)
	Seed(conversationID string, history []models.Message)
	Messages(conversationID string) []models.Message
	Send(conversationID, content string, kind models.ContentKind, attachments []models.Attachment) (models.Message, bool)
	Retry(conversationID, tempID string) bool
	SetTyping(conversationID string, typing bool)
	MarkRead(conversationID string, messageIDs []string)
	OnlineUsers() []string
}

// Calls is the part of the call controller the console drives.
type Calls interface {
	StartCall(ctx context.Context, conversationID, remoteUserID string) (call.Session, error)
	Accept(ctx context.Context) error
	Reject() error
	End() error
	ToggleMute() (bool, error)
}

// Backend is the REST surface used for history and uploads.
type Backend interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (models.MessagePage, error)
	UploadAttachment(ctx context.Context, name string, data []byte) (models.Attachment, error)
}

// Visibility toggles whether the client counts as hidden for notifications.
type Visibility interface {
	SetHidden(hidden bool)
}

type Config struct {
	UserID     string
	Chat       Chat
	Calls      Calls
	Backend    Backend
	Visibility Visibility
	// Reconnect resets the backoff of every socket and dials again.
	Reconnect func(ctx context.Context)
	ReadFile  func(name string) ([]byte, error)
	Out       io.Writer
}

// Console interprets slash commands. A line without a leading slash is sent
// as a text message to the active conversation.
type Console struct {
	cfg Config

	mu     sync.Mutex
	active string
}

func New(cfg Config) *Console {
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Console{cfg: cfg}
}

// Active returns the selected conversation.
func (c *Console) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Run executes lines from r until EOF, /quit or ctx is done. Command errors
// are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			err := c.Execute(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs one line.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		c.printf("%s", helpText)
		return nil
	case "quit", "exit":
		return ErrQuit
	case "list":
		return c.list(ctx)
	case "join":
		return c.join(ctx, arg)
	case "send":
		return c.send(arg)
	case "attach":
		return c.attach(ctx, arg)
	case "typing":
		return c.typing(arg)
	case "read":
		return c.markRead()
	case "retry":
		return c.retry(arg)
	case "who":
		return c.who()
	case "reconnect":
		if c.cfg.Reconnect != nil {
			c.cfg.Reconnect(ctx)
		}
		return nil
	case "hidden":
		return c.hidden(arg)
	case "call":
		return c.startCall(ctx, arg)
	case "accept":
		return c.cfg.Calls.Accept(ctx)
	case "reject":
		return c.cfg.Calls.Reject()
	case "hangup":
		return c.cfg.Calls.End()
	case "mute":
		muted, err := c.cfg.Calls.ToggleMute()
		if err != nil {
			return err
		}
		if muted {
			c.printf("microphone muted\n")
		} else {
			c.printf("microphone unmuted\n")
		}
		return nil
	}
	return fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
}

func (c *Console) requireActive() error {
	if c.active == "" {
		return ErrNoConversation
	}
	return nil
}

func (c *Console) list(ctx context.Context) error {
	convs, err := c.cfg.Backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	for _, conv := range convs {
		c.printf("%s\n", FormatConversation(conv))
	}
	return nil
}

func (c *Console) join(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("usage: /join <conversation>")
	}
	page, err := c.cfg.Backend.ListMessages(ctx, id, 1, historyPageSize)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if c.active != "" && c.active != id {
		c.cfg.Chat.SetTyping(c.active, false)
	}
	c.mu.Lock()
	c.active = id
	c.mu.Unlock()
	c.cfg.Chat.SetActiveConversation(id)
	c.cfg.Chat.Seed(id, page.Messages)

	for _, msg := range c.cfg.Chat.Messages(id) {
		c.printf("%s\n", FormatMessage(msg))
	}
	return nil
}

func (c *Console) send(text string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if text == "" {
		return errors.New("usage: /send <text>")
	}
	c.cfg.Chat.Send(c.active, text, models.ContentKindText, nil)
	c.cfg.Chat.SetTyping(c.active, false)
	return nil
}

func (c *Console) attach(ctx context.Context, path string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := c.cfg.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := filepath.Base(path)
	att, err := c.cfg.Backend.UploadAttachment(ctx, name, data)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	c.cfg.Chat.Send(c.active, name, models.ContentKindFile, []models.Attachment{att})
	return nil
}

func (c *Console) typing(arg string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	on, err := parseSwitch(arg)
	if err != nil {
		return fmt.Errorf("usage: /typing on|off")
	}
	c.cfg.Chat.SetTyping(c.active, on)
	return nil
}

// markRead marks every confirmed message from others that is still unread.
func (c *Console) markRead() error {
	if err := c.requireActive(); err != nil {
		return err
	}
	var ids []string
	for _, msg := range c.cfg.Chat.Messages(c.active) {
		if msg.Optimistic || msg.IsRead || msg.SenderID == c.cfg.UserID {
			continue
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) > 0 {
		c.cfg.Chat.MarkRead(c.active, ids)
	}
	return nil
}

func (c *Console) retry(tempID string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if tempID == "" {
		return errors.New("usage: /retry <temp id>")
	}
	if !c.cfg.Chat.Retry(c.active, tempID) {
		return fmt.Errorf("no failed message %s", tempID)
	}
	return nil
}

func (c *Console) who() error {
	users := c.cfg.Chat.OnlineUsers()
	sort.Strings(users)
	if len(users) == 0 {
		c.printf("nobody else is online\n")
		return nil
	}
	c.printf("online: %s\n", strings.Join(users, ", "))
	return nil
}

func (c *Console) hidden(arg string) error {
	on, err := parseSwitch(arg)
	if err != nil {
		return fmt.Errorf("usage: /hidden on|off")
	}
	if c.cfg.Visibility != nil {
		c.cfg.Visibility.SetHidden(on)
	}
	return nil
}

func (c *Console) startCall(ctx context.Context, remote string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if remote == "" {
		return errors.New("usage: /call <user>")
	}
	session, err := c.cfg.Calls.StartCall(ctx, c.active, remote)
	if err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}
	c.printf("calling %s (%s)\n", session.RemoteUserID, session.CallID)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.cfg.Out, format, args...)
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch %q", arg)
}

const helpText = `Commands:
  /list                 list conversations
  /join <id>            open a conversation and load its history
  /send <text>          send a message (plain lines are sent too)
  /attach <path>        upload a file and send it
  /typing on|off        announce typing
  /read                 mark the conversation read
  /retry <temp id>      resend a failed message
  /who                  show online users
  /reconnect            reconnect the sockets now
  /hidden on|off        treat the client as hidden for notifications
  /call <user>          call a user in the active conversation
  /accept /reject       answer an incoming call
  /hangup               end the call
  /mute                 toggle the microphone
  /quit                 exit
`
