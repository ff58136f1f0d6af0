package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var errReplaced = errors.New("connection replaced by a newer one")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID string) chan any
	Leave(userID string, ch chan any)
	Dispatch(userID string, payload json.RawMessage)
}

// Connection pumps one websocket between a client and a hub endpoint.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	fromClient chan json.RawMessage
	fromServer chan any
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan json.RawMessage),
		fromServer: hub.Join(userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var payload json.RawMessage
		if err := c.ws.ReadJSON(&payload); err != nil {
			return err
		}
		select {
		case c.fromClient <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case payload := <-c.fromClient:
			c.hub.Dispatch(c.userID, payload)
		case msg, ok := <-c.fromServer:
			if !ok {
				return errReplaced
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// chatEndpoint and callEndpoint adapt the hub to the two sockets.
type chatEndpoint struct{ hub *Hub }

func (e chatEndpoint) Join(userID string) chan any               { return e.hub.joinChat(userID) }
func (e chatEndpoint) Leave(userID string, ch chan any)          { e.hub.leaveChat(userID, ch) }
func (e chatEndpoint) Dispatch(userID string, p json.RawMessage) { e.hub.dispatchChat(userID, p) }

type callEndpoint struct{ hub *Hub }

func (e callEndpoint) Join(userID string) chan any               { return e.hub.joinCalls(userID) }
func (e callEndpoint) Leave(userID string, ch chan any)          { e.hub.leaveCalls(userID, ch) }
func (e callEndpoint) Dispatch(userID string, p json.RawMessage) { e.hub.dispatchCall(userID, p) }
