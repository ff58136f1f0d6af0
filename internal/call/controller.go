// Package call drives one voice call at a time through offer/answer/ICE
// signaling and binds local and remote audio to a pion peer connection.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"shutterline/internal/models"
	"shutterline/internal/protocol"
	"shutterline/internal/tone"
	"shutterline/internal/transport"
)

var (
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrControllerExists = errors.New("a call controller already exists")
	ErrCallEnded        = errors.New("call ended")
	ErrSignalingLost    = errors.New("call signaling connection lost")
)

const callLogTimeout = 10 * time.Second

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Session is a snapshot of the current call.
type Session struct {
	CallID         string
	ConversationID string
	LocalUserID    string
	RemoteUserID   string
	Outgoing       bool
	State          State
	StartedAt      time.Time
	Duration       time.Duration
}

// Signaler sends call-signaling payloads.
type Signaler interface {
	Send(v any) error
}

// CallLogger upserts the chat-visible record of a call.
type CallLogger interface {
	UpsertCallLog(ctx context.Context, log models.CallLog) error
}

// Ringer plays ringtone and ringback.
type Ringer interface {
	Play(p tone.Pattern)
	Stop()
}

type Config struct {
	UserID      string
	Signaler    Signaler
	Media       MediaDevices
	NewPeer     PeerFactory
	Constraints AudioConstraints

	// Optional collaborators.
	Logger   CallLogger
	Ringer   Ringer
	Playback *Playback

	// Tick is the duration sampling interval.
	Tick time.Duration
	Now  func() time.Time
}

type EventKind string

const (
	EventState    EventKind = "state"
	EventDuration EventKind = "duration"
	EventError    EventKind = "error"
)

type Event struct {
	Kind    EventKind
	Session Session
	Err     error
}

// call is the controller-private state of one call attempt.
type call struct {
	Session

	peer  Peer
	audio LocalAudio

	pendingOffer webrtc.SessionDescription
	accepting    bool

	// Remote candidates wait here until a remote description is applied.
	remoteSet        bool
	remoteCandidates []webrtc.ICECandidateInit

	// Local candidates wait here until our offer or answer is sent.
	signalReady     bool
	localCandidates []webrtc.ICECandidateInit

	stopTick chan struct{}
}

var (
	instanceMu sync.Mutex
	instance   *Controller
)

// Controller is the process-wide call controller. Only one may exist at a
// time; Close releases the slot.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State
	cur   *call

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
	closed     bool
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.UserID == "" || cfg.Signaler == nil || cfg.Media == nil || cfg.NewPeer == nil {
		return nil, errors.New("call controller needs a user id, signaler, media devices and peer factory")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil, ErrControllerExists
	}

	c := &Controller{
		cfg:       cfg,
		state:     StateIdle,
		listeners: make(map[chan Event]struct{}),
	}
	instance = c
	return c, nil
}

// Close hangs up any call and releases the controller slot.
func (c *Controller) Close() {
	c.mu.Lock()
	cur := c.cur
	state := c.state
	c.mu.Unlock()

	if cur != nil && state != StateIdle {
		if state == StateRinging {
			_ = c.Reject()
		} else {
			_ = c.End()
		}
	}

	c.listenerMu.Lock()
	if !c.closed {
		c.closed = true
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = nil
	}
	c.listenerMu.Unlock()

	instanceMu.Lock()
	if instance == c {
		instance = nil
	}
	instanceMu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current call, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Session{}, false
	}
	return c.snapshotLocked(), true
}

// Duration is the time spent connected so far.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.StartedAt.IsZero() {
		return 0
	}
	return c.cfg.Now().Sub(c.cur.StartedAt).Truncate(time.Second)
}

// Muted reports whether the local track is disabled.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.audio != nil && !c.cur.audio.Enabled()
}

// ToggleMute flips the local track's enabled flag and returns the new muted
// state.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.audio == nil {
		return false, ErrInvalidState
	}
	enabled := !c.cur.audio.Enabled()
	c.cur.audio.SetEnabled(enabled)
	slog.Info("call mute toggled", "call_id", c.cur.CallID, "muted", !enabled)
	return !enabled, nil
}

// StartCall places an outgoing call. Media errors abort the attempt and are
// returned unchanged so callers can match them with errors.Is.
func (c *Controller) StartCall(ctx context.Context, conversationID, remoteUserID string) (Session, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Session{}, ErrInvalidState
	}
	cur := &call{Session: Session{
		CallID:         uuid.NewString(),
		ConversationID: conversationID,
		LocalUserID:    c.cfg.UserID,
		RemoteUserID:   remoteUserID,
		Outgoing:       true,
		State:          StateCalling,
	}}
	// Reserve the slot so concurrent offers get a busy reply.
	c.cur = cur
	c.state = StateCalling
	c.mu.Unlock()

	audio, peer, err := c.setupMedia(ctx, cur)
	if err != nil {
		c.abort(cur)
		return Session{}, err
	}
	offer, err := peer.CreateOffer(false)
	if err != nil {
		releaseMedia(audio, peer)
		c.abort(cur)
		return Session{}, err
	}

	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		releaseMedia(audio, peer)
		return Session{}, ErrCallEnded
	}
	cur.audio, cur.peer = audio, peer
	if err := c.cfg.Signaler.Send(protocol.CallOffer{Signal: c.headerLocked(protocol.TypeCallOffer), Offer: offer}); err != nil {
		c.mu.Unlock()
		c.abort(cur)
		return Session{}, fmt.Errorf("send offer: %w", err)
	}
	pending := c.markSignalReadyLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.sendCandidates(cur, pending)
	c.ring(tone.Ringback)
	c.logCall(snap, models.CallStatusInitiated)
	slog.Info("call started", "call_id", snap.CallID, "to", remoteUserID)
	c.emit(Event{Kind: EventState, Session: snap})
	return snap, nil
}

// Accept answers the ringing call.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || c.cur.accepting {
		c.mu.Unlock()
		return ErrInvalidState
	}
	cur := c.cur
	cur.accepting = true
	offer := cur.pendingOffer
	c.mu.Unlock()

	c.silence()

	audio, peer, err := c.setupMedia(ctx, cur)
	if err != nil {
		c.rejectAfterFailure(cur)
		return err
	}
	if err := peer.SetRemoteDescription(offer); err != nil {
		releaseMedia(audio, peer)
		c.rejectAfterFailure(cur)
		return fmt.Errorf("apply offer: %w", err)
	}

	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		releaseMedia(audio, peer)
		return ErrCallEnded
	}
	cur.audio, cur.peer = audio, peer
	cur.remoteSet = true
	buffered := cur.remoteCandidates
	cur.remoteCandidates = nil
	c.mu.Unlock()

	applyCandidates(peer, buffered)

	answer, err := peer.CreateAnswer()
	if err != nil {
		c.rejectAfterFailure(cur)
		return err
	}

	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if err := c.cfg.Signaler.Send(protocol.CallAnswer{Signal: c.headerLocked(protocol.TypeCallAnswer), Answer: answer}); err != nil {
		c.mu.Unlock()
		c.fail(cur, fmt.Errorf("send answer: %w", err))
		return err
	}
	pending := c.markSignalReadyLocked()
	c.connectLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.sendCandidates(cur, pending)
	slog.Info("call accepted", "call_id", snap.CallID)
	c.emit(Event{Kind: EventState, Session: snap})
	return nil
}

// Reject declines the ringing call.
func (c *Controller) Reject() error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrInvalidState
	}
	cur := c.cur
	if err := c.cfg.Signaler.Send(protocol.CallRejected{Signal: c.headerLocked(protocol.TypeCallRejected)}); err != nil {
		slog.Warn("reject not sent", "call_id", cur.CallID, "error", err)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.silence()
	c.logCall(snap, models.CallStatusRejected)
	c.reset(cur, StateIdle)
	return nil
}

// End hangs up a connected call or cancels an outgoing one.
func (c *Controller) End() error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateCalling {
		c.mu.Unlock()
		return ErrInvalidState
	}
	cur := c.cur
	if err := c.cfg.Signaler.Send(protocol.CallEnded{Signal: c.headerLocked(protocol.TypeCallEnded)}); err != nil {
		slog.Warn("end not sent", "call_id", cur.CallID, "error", err)
	}
	c.mu.Unlock()

	c.finish(cur, true)
	return nil
}

// HandleSignal processes one payload from the call-signaling socket.
// Malformed payloads are logged and dropped.
func (c *Controller) HandleSignal(data []byte) {
	sig, err := protocol.DecodeSignal(data)
	if err != nil {
		slog.Warn("dropping signaling payload", "error", err)
		return
	}
	sig.Accept(signalHandler{c})
}

// HandleTransportStatus fails the active call when signaling is lost.
func (c *Controller) HandleTransportStatus(s transport.Status) {
	if s != transport.StatusClosed {
		return
	}
	c.mu.Lock()
	cur := c.cur
	active := c.state != StateIdle
	c.mu.Unlock()
	if cur == nil || !active {
		return
	}
	c.fail(cur, ErrSignalingLost)
}

// Subscribe returns a channel of call events. Slow subscribers miss events.
func (c *Controller) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	c.listenerMu.Lock()
	if c.closed {
		close(ch)
		c.listenerMu.Unlock()
		return ch, func() {}
	}
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

func (c *Controller) emit(e Event) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (c *Controller) setupMedia(ctx context.Context, cur *call) (LocalAudio, Peer, error) {
	audio, err := c.cfg.Media.GetUserMedia(ctx, c.cfg.Constraints)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire microphone: %w", err)
	}

	peer, err := c.cfg.NewPeer(PeerHandlers{
		OnICECandidate: func(ci webrtc.ICECandidateInit) { c.onLocalCandidate(cur, ci) },
		OnStateChange:  func(s webrtc.PeerConnectionState) { c.onPeerState(cur, s) },
		OnTrack: func(t RemoteTrack) {
			if c.cfg.Playback != nil && c.cfg.Playback.Bind(t) {
				slog.Info("remote audio bound", "call_id", cur.CallID, "stream", t.StreamID())
			}
		},
	})
	if err != nil {
		audio.Stop()
		return nil, nil, err
	}
	if err := peer.AddTrack(audio.Track()); err != nil {
		releaseMedia(audio, peer)
		return nil, nil, fmt.Errorf("add local track: %w", err)
	}
	return audio, peer, nil
}

func (c *Controller) onLocalCandidate(cur *call, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		return
	}
	if !cur.signalReady {
		cur.localCandidates = append(cur.localCandidates, ci)
		c.mu.Unlock()
		return
	}
	msg := protocol.CallICECandidate{Signal: c.headerLocked(protocol.TypeCallICECandidate), Candidate: ci}
	c.mu.Unlock()

	if err := c.cfg.Signaler.Send(msg); err != nil {
		slog.Debug("ice candidate not sent", "call_id", cur.CallID, "error", err)
	}
}

// onPeerState restarts ICE when the media path fails during an active call.
// Only the caller re-offers so both sides never restart at once.
func (c *Controller) onPeerState(cur *call, s webrtc.PeerConnectionState) {
	slog.Debug("peer connection state", "call_id", cur.CallID, "state", s.String())
	if s != webrtc.PeerConnectionStateFailed {
		return
	}

	c.mu.Lock()
	if c.cur != cur || c.state != StateConnected || !cur.Outgoing || cur.peer == nil {
		c.mu.Unlock()
		return
	}
	peer := cur.peer
	c.mu.Unlock()

	slog.Warn("media path failed, restarting ice", "call_id", cur.CallID)
	offer, err := peer.CreateOffer(true)
	if err != nil {
		slog.Warn("ice restart failed", "call_id", cur.CallID, "error", err)
		return
	}

	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		return
	}
	msg := protocol.CallOffer{Signal: c.headerLocked(protocol.TypeCallOffer), Offer: offer}
	c.mu.Unlock()
	if err := c.cfg.Signaler.Send(msg); err != nil {
		slog.Warn("ice restart offer not sent", "call_id", cur.CallID, "error", err)
	}
}

// connectLocked enters the connected state and starts duration sampling.
func (c *Controller) connectLocked() {
	cur := c.cur
	c.state = StateConnected
	cur.State = StateConnected
	cur.StartedAt = c.cfg.Now()
	cur.stopTick = make(chan struct{})
	go c.tick(cur, cur.stopTick)
}

func (c *Controller) tick(cur *call, stop chan struct{}) {
	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			if c.cur != cur {
				c.mu.Unlock()
				return
			}
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.emit(Event{Kind: EventDuration, Session: snap})
		}
	}
}

func (c *Controller) markSignalReadyLocked() []webrtc.ICECandidateInit {
	c.cur.signalReady = true
	pending := c.cur.localCandidates
	c.cur.localCandidates = nil
	return pending
}

func (c *Controller) sendCandidates(cur *call, cands []webrtc.ICECandidateInit) {
	for _, ci := range cands {
		c.onLocalCandidate(cur, ci)
	}
}

// finish ends a call that got past ringing, passing through ended.
// local marks a hangup initiated on this side.
func (c *Controller) finish(cur *call, local bool) {
	c.silence()
	snap := c.reset(cur, StateEnded)
	if snap.Outgoing || local {
		c.logCall(snap, models.CallStatusEnded)
	}
}

// fail tears the call down after an unrecoverable error.
func (c *Controller) fail(cur *call, err error) {
	slog.Warn("call failed", "call_id", cur.CallID, "error", err)
	c.silence()
	snap := c.reset(cur, StateEnded)
	if snap.CallID != "" && snap.Outgoing {
		c.logCall(snap, models.CallStatusEnded)
	}
	c.emit(Event{Kind: EventError, Session: snap, Err: err})
}

// abort returns to idle after a failed start without logging anything.
func (c *Controller) abort(cur *call) {
	c.silence()
	c.reset(cur, StateIdle)
}

// rejectAfterFailure declines an incoming call that could not be set up, so
// the caller is not left waiting.
func (c *Controller) rejectAfterFailure(cur *call) {
	c.mu.Lock()
	if c.cur == cur {
		if err := c.cfg.Signaler.Send(protocol.CallRejected{Signal: c.headerLocked(protocol.TypeCallRejected)}); err != nil {
			slog.Warn("reject not sent", "call_id", cur.CallID, "error", err)
		}
	}
	c.mu.Unlock()
	c.reset(cur, StateIdle)
}

// reset releases the call's resources and returns to idle. With via set to
// StateEnded subscribers observe ended before idle. It returns the final
// snapshot of the call.
func (c *Controller) reset(cur *call, via State) Session {
	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		return Session{}
	}
	if !cur.StartedAt.IsZero() {
		cur.Duration = c.cfg.Now().Sub(cur.StartedAt).Truncate(time.Second)
	}
	if cur.stopTick != nil {
		close(cur.stopTick)
		cur.stopTick = nil
	}
	audio, peer := cur.audio, cur.peer
	cur.audio, cur.peer = nil, nil

	cur.State = via
	c.state = via
	ended := c.snapshotLocked()

	c.cur = nil
	c.state = StateIdle
	c.mu.Unlock()

	releaseMedia(audio, peer)
	if c.cfg.Playback != nil {
		c.cfg.Playback.Reset()
	}

	if via == StateEnded {
		c.emit(Event{Kind: EventState, Session: ended})
	}
	idle := ended
	idle.State = StateIdle
	c.emit(Event{Kind: EventState, Session: idle})
	slog.Info("call finished", "call_id", ended.CallID, "via", via, "duration", ended.Duration)
	return ended
}

func releaseMedia(audio LocalAudio, peer Peer) {
	if audio != nil {
		audio.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Debug("closing peer connection", "error", err)
		}
	}
}

func applyCandidates(peer Peer, cands []webrtc.ICECandidateInit) {
	for _, ci := range cands {
		if err := peer.AddICECandidate(ci); err != nil {
			slog.Debug("ice candidate rejected", "error", err)
		}
	}
}

func (c *Controller) headerLocked(t protocol.Type) protocol.Signal {
	return protocol.Signal{
		Type:           t,
		CallID:         c.cur.CallID,
		ConversationID: c.cur.ConversationID,
		FromUserID:     c.cfg.UserID,
		ToUserID:       c.cur.RemoteUserID,
	}
}

func (c *Controller) snapshotLocked() Session {
	s := c.cur.Session
	s.State = c.state
	if !s.StartedAt.IsZero() && c.state == StateConnected {
		s.Duration = c.cfg.Now().Sub(s.StartedAt).Truncate(time.Second)
	}
	return s
}

func (c *Controller) ring(p tone.Pattern) {
	if c.cfg.Ringer != nil {
		c.cfg.Ringer.Play(p)
	}
}

func (c *Controller) silence() {
	if c.cfg.Ringer != nil {
		c.cfg.Ringer.Stop()
	}
}

// logCall reports a call status to the call-log collaborator in the
// background.
func (c *Controller) logCall(s Session, status models.CallStatus) {
	if c.cfg.Logger == nil || s.CallID == "" {
		return
	}
	entry := models.CallLog{
		CallID:          s.CallID,
		ConversationID:  s.ConversationID,
		Status:          status,
		DurationSeconds: int64(s.Duration / time.Second),
	}
	if s.Outgoing {
		entry.CallerID, entry.CalleeID = s.LocalUserID, s.RemoteUserID
	} else {
		entry.CallerID, entry.CalleeID = s.RemoteUserID, s.LocalUserID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
		defer cancel()
		if err := c.cfg.Logger.UpsertCallLog(ctx, entry); err != nil {
			slog.Warn("call log not saved", "call_id", entry.CallID, "status", status, "error", err)
		}
	}()
}

// signalHandler routes decoded signals to the controller.
type signalHandler struct{ c *Controller }

func (h signalHandler) Offer(o protocol.CallOffer) {
	c := h.c
	if o.ToUserID != "" && o.ToUserID != c.cfg.UserID {
		slog.Debug("ignoring offer for another user", "call_id", o.CallID)
		return
	}

	c.mu.Lock()
	if c.cur != nil && c.cur.CallID == o.CallID {
		c.mu.Unlock()
		h.reoffer(o)
		return
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		slog.Info("busy, declining offer", "call_id", o.CallID, "from", o.FromUserID)
		if err := c.cfg.Signaler.Send(protocol.CallBusy{Signal: o.Reply(protocol.TypeCallBusy)}); err != nil {
			slog.Warn("busy not sent", "call_id", o.CallID, "error", err)
		}
		return
	}

	c.cur = &call{
		Session: Session{
			CallID:         o.CallID,
			ConversationID: o.ConversationID,
			LocalUserID:    c.cfg.UserID,
			RemoteUserID:   o.FromUserID,
			State:          StateRinging,
		},
		pendingOffer: o.Offer,
	}
	c.state = StateRinging
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.ring(tone.Ringtone)
	slog.Info("incoming call", "call_id", o.CallID, "from", o.FromUserID)
	c.emit(Event{Kind: EventState, Session: snap})
}

// reoffer answers a renegotiation of the connected call, such as an ICE
// restart.
func (h signalHandler) reoffer(o protocol.CallOffer) {
	c := h.c
	c.mu.Lock()
	cur := c.cur
	if c.state != StateConnected || cur.peer == nil {
		c.mu.Unlock()
		slog.Debug("ignoring repeated offer", "call_id", o.CallID)
		return
	}
	peer := cur.peer
	c.mu.Unlock()

	if err := peer.SetRemoteDescription(o.Offer); err != nil {
		c.fail(cur, fmt.Errorf("apply renegotiation offer: %w", err))
		return
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		c.fail(cur, err)
		return
	}

	c.mu.Lock()
	if c.cur != cur {
		c.mu.Unlock()
		return
	}
	msg := protocol.CallAnswer{Signal: c.headerLocked(protocol.TypeCallAnswer), Answer: answer}
	c.mu.Unlock()
	if err := c.cfg.Signaler.Send(msg); err != nil {
		slog.Warn("renegotiation answer not sent", "call_id", o.CallID, "error", err)
	}
}

func (h signalHandler) Answer(a protocol.CallAnswer) {
	c := h.c
	c.mu.Lock()
	cur := c.cur
	if cur == nil || cur.CallID != a.CallID || !cur.Outgoing || cur.peer == nil {
		c.mu.Unlock()
		slog.Warn("ignoring out-of-sequence answer", "call_id", a.CallID)
		return
	}
	state := c.state
	peer := cur.peer
	c.mu.Unlock()

	if state != StateCalling && state != StateConnected {
		return
	}
	if err := peer.SetRemoteDescription(a.Answer); err != nil {
		c.fail(cur, fmt.Errorf("apply answer: %w", err))
		return
	}
	if state == StateConnected {
		// Answer to an ICE restart.
		return
	}

	c.mu.Lock()
	if c.cur != cur || c.state != StateCalling {
		c.mu.Unlock()
		return
	}
	cur.remoteSet = true
	buffered := cur.remoteCandidates
	cur.remoteCandidates = nil
	c.connectLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.silence()
	applyCandidates(peer, buffered)
	c.logCall(snap, models.CallStatusConnected)
	slog.Info("call connected", "call_id", snap.CallID)
	c.emit(Event{Kind: EventState, Session: snap})
}

func (h signalHandler) ICECandidate(ic protocol.CallICECandidate) {
	c := h.c
	c.mu.Lock()
	cur := c.cur
	if cur == nil || cur.CallID != ic.CallID {
		c.mu.Unlock()
		slog.Debug("dropping candidate for unknown call", "call_id", ic.CallID)
		return
	}
	if !cur.remoteSet || cur.peer == nil {
		cur.remoteCandidates = append(cur.remoteCandidates, ic.Candidate)
		c.mu.Unlock()
		return
	}
	peer := cur.peer
	c.mu.Unlock()

	applyCandidates(peer, []webrtc.ICECandidateInit{ic.Candidate})
}

// A reject only answers an offer. It is ignored once the call connected.
func (h signalHandler) Rejected(r protocol.CallRejected) {
	h.remoteHangup(r.Signal, StateRinging, StateCalling)
}

// An end is a caller cancel while ringing or a hangup once connected. While
// calling, the callee declines with a reject or busy instead.
func (h signalHandler) Ended(e protocol.CallEnded) {
	h.remoteHangup(e.Signal, StateRinging, StateConnected)
}

func (h signalHandler) Busy(b protocol.CallBusy) {
	c := h.c
	c.mu.Lock()
	cur := c.cur
	ok := cur != nil && cur.CallID == b.CallID && c.state == StateCalling
	c.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("callee busy", "call_id", b.CallID)
	h.remoteHangup(b.Signal, StateCalling)
}

// remoteHangup handles reject, busy and end from the other side when the
// call is in one of the accepted states.
func (h signalHandler) remoteHangup(s protocol.Signal, accepted ...State) {
	c := h.c
	c.mu.Lock()
	cur := c.cur
	if cur == nil || cur.CallID != s.CallID {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	if !slices.Contains(accepted, state) {
		slog.Debug("ignoring hangup signal", "call_id", s.CallID, "type", s.Type, "state", state)
		return
	}

	switch state {
	case StateRinging:
		// Caller cancelled before we answered.
		c.silence()
		c.reset(cur, StateIdle)
	case StateCalling:
		snap := c.reset(cur, StateIdle)
		c.silence()
		c.logCall(snap, models.CallStatusRejected)
	case StateConnected:
		c.finish(cur, false)
	}
}
