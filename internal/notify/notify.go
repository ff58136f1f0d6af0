// Package notify implements the side effects of a new message from another
// user: a chime, and an OS notification while the client is hidden.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	webpush "github.com/SherClockHolmes/webpush-go"

	"shutterline/internal/content"
	"shutterline/internal/models"
	"shutterline/internal/tone"
)

const (
	previewLength = 120
	pushTTL       = 60
)

var ErrPushRejected = errors.New("push service rejected notification")

type Notifier interface {
	Notify(ctx context.Context, msg models.Message)
}

// Visibility tracks whether the client is in the foreground.
type Visibility struct {
	hidden atomic.Bool
}

func (v *Visibility) SetHidden(hidden bool) { v.hidden.Store(hidden) }
func (v *Visibility) Hidden() bool          { return v.hidden.Load() }

// Player plays a tone pattern.
type Player interface {
	Play(p tone.Pattern)
}

// Sound plays the chime for every message.
type Sound struct {
	Player Player
}

func (s *Sound) Notify(_ context.Context, _ models.Message) {
	s.Player.Play(tone.Chime)
}

// Payload is the JSON body delivered to the push subscription.
type Payload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Push sends a web push notification while the client is hidden.
type Push struct {
	Subscription *webpush.Subscription
	Options      webpush.Options
	Visibility   *Visibility
}

// NewPush parses a subscription in its browser JSON form.
func NewPush(subscriptionJSON string, opts webpush.Options, v *Visibility) (*Push, error) {
	sub := &webpush.Subscription{}
	if err := json.Unmarshal([]byte(subscriptionJSON), sub); err != nil {
		return nil, fmt.Errorf("invalid push subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return nil, errors.New("invalid push subscription: missing endpoint")
	}
	if opts.TTL == 0 {
		opts.TTL = pushTTL
	}
	return &Push{Subscription: sub, Options: opts, Visibility: v}, nil
}

func (p *Push) Notify(ctx context.Context, msg models.Message) {
	if p.Visibility != nil && !p.Visibility.Hidden() {
		return
	}
	if err := p.Send(ctx, msg); err != nil {
		slog.Warn("push notification failed", "message_id", msg.ID, "error", err)
	}
}

// Send delivers the notification regardless of visibility.
func (p *Push) Send(ctx context.Context, msg models.Message) error {
	title := msg.SenderName
	if title == "" {
		title = msg.SenderID
	}
	body, err := json.Marshal(Payload{
		Title:          title,
		Body:           content.Summary(msg, previewLength),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	if err != nil {
		return err
	}

	opts := p.Options
	resp, err := webpush.SendNotificationWithContext(ctx, body, p.Subscription, &opts)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrPushRejected, resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg models.Message) {
	for _, n := range m {
		n.Notify(ctx, msg)
	}
}
