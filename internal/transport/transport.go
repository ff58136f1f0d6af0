// Package transport provides the reconnecting websocket used by both the
// messaging channel and the call-signaling controller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotOpen = errors.New("socket is not open")
	ErrClosed  = errors.New("transport closed")
)

// Status is the logical state of the socket.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Conn is the part of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one socket to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// WebsocketDialer adapts a gorilla dialer to DialFunc.
func WebsocketDialer(d *websocket.Dialer) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", redact(url), err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", redact(url), err)
		}
		return conn, nil
	}
}

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	// Name identifies the socket in logs.
	Name    string
	URL     string
	Token   string
	Backoff Backoff

	Dial      DialFunc
	AfterFunc AfterFunc

	// OnOpen runs after every successful open, before any message is read.
	OnOpen func()
	// OnMessage receives payloads strictly in delivery order.
	OnMessage func(data []byte)
	// OnStatus observes status changes.
	OnStatus func(Status)
}

// Transport owns at most one live socket and reconnects it with backoff
// after unexpected closes. A deliberate Close never triggers a reconnect.
type Transport struct {
	cfg      Config
	endpoint string

	mu       sync.Mutex
	ctx      context.Context
	conn     Conn
	gen      uint64
	status   Status
	attempt  int
	timer    Timer
	timerGen uint64
	stopped  bool

	writeMu sync.Mutex
}

func New(cfg Config) (*Transport, error) {
	endpoint, err := withToken(cfg.URL, cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "socket"
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer(websocket.DefaultDialer)
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = stdAfterFunc
	}
	return &Transport{
		cfg:      cfg,
		endpoint: endpoint,
		ctx:      context.Background(),
		status:   StatusClosed,
	}, nil
}

// Open dials the socket. It is a no-op while a socket is open or being
// dialed. A failed dial is handled like an unexpected close: a retry is
// scheduled and the dial error is returned.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil || t.status == StatusConnecting {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.ctx = ctx
	t.gen++
	gen := t.gen
	t.status = StatusConnecting
	t.mu.Unlock()
	t.notify(StatusConnecting)

	conn, err := t.cfg.Dial(ctx, t.endpoint)

	t.mu.Lock()
	if gen != t.gen {
		// Closed or reconnected while dialing.
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		t.status = StatusClosed
		t.scheduleLocked()
		t.mu.Unlock()
		slog.Warn("socket dial failed", "socket", t.cfg.Name, "error", err)
		t.notify(StatusClosed)
		return err
	}
	t.conn = conn
	t.attempt = 0
	t.status = StatusOpen
	t.mu.Unlock()

	slog.Info("socket open", "socket", t.cfg.Name)
	t.notify(StatusOpen)
	if t.cfg.OnOpen != nil {
		t.cfg.OnOpen()
	}
	go t.readLoop(conn, gen)
	return nil
}

// Reconnect cancels any pending retry, resets the attempt counter and opens
// a fresh socket.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	t.cancelTimerLocked()
	t.attempt = 0
	conn := t.conn
	t.conn = nil
	t.gen++
	t.status = StatusClosed
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return t.Open(ctx)
}

// Close tears the socket down deliberately; no reconnect follows.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.stopped = true
	t.cancelTimerLocked()
	conn := t.conn
	t.conn = nil
	t.gen++
	changed := t.status != StatusClosed
	t.status = StatusClosed
	t.mu.Unlock()

	if changed {
		t.notify(StatusClosed)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes v as a JSON text frame. It fails with ErrNotOpen unless the
// socket is open; nothing is queued.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	open := t.status == StatusOpen
	t.mu.Unlock()
	if conn == nil || !open {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", t.cfg.Name, err)
	}
	return nil
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Attempt is the number of retries made since the last successful open.
func (t *Transport) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// Exhausted reports that every retry failed and no further retry is
// scheduled. Only Reconnect leaves this state.
func (t *Transport) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && t.conn == nil && t.timer == nil &&
		t.status == StatusClosed && t.attempt >= t.cfg.Backoff.MaxAttempts
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage(data)
		}
	}
}

func (t *Transport) handleClose(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.conn == nil {
		// Deliberate close or a socket that was already replaced.
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.status = StatusClosed
	t.scheduleLocked()
	t.mu.Unlock()

	_ = conn.Close()
	slog.Warn("socket closed unexpectedly", "socket", t.cfg.Name, "error", cause)
	t.notify(StatusClosed)
}

func (t *Transport) scheduleLocked() {
	if t.stopped || t.ctx.Err() != nil {
		return
	}
	if t.attempt >= t.cfg.Backoff.MaxAttempts {
		slog.Error("giving up reconnecting", "socket", t.cfg.Name, "attempts", t.attempt)
		return
	}

	delay := t.cfg.Backoff.Delay(t.attempt)
	t.attempt++
	t.timerGen++
	tg := t.timerGen
	ctx := t.ctx
	slog.Info("scheduling reconnect", "socket", t.cfg.Name, "attempt", t.attempt, "delay", delay)

	t.timer = t.cfg.AfterFunc(delay, func() {
		t.mu.Lock()
		if tg != t.timerGen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		_ = t.Open(ctx)
	})
}

func (t *Transport) cancelTimerLocked() {
	t.timerGen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) notify(s Status) {
	if t.cfg.OnStatus != nil {
		t.cfg.OnStatus(s)
	}
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid socket url %q: scheme must be ws or wss", raw)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redact strips the query so tokens never reach the logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
