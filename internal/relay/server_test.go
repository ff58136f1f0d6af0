package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shutterline/internal/api"
	"shutterline/internal/filestore"
	"shutterline/internal/models"
	"shutterline/internal/protocol"
	"shutterline/internal/storage"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *Hub) {
	t.Helper()
	dir := t.TempDir()
	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	meta, err := storage.NewBboltStorage(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	hub := NewHub(HubConfig{})
	s := NewServer(hub, files, meta, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat", s.RequireAuth(s.HandleChat))
	mux.HandleFunc("GET /ws/calls", s.RequireAuth(s.HandleCalls))
	mux.HandleFunc("GET /api/conversations", s.RequireAuth(s.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.RequireAuth(s.MessagesHandler))
	mux.HandleFunc("POST /api/uploads", s.RequireAuth(s.UploadHandler))
	mux.HandleFunc("PUT /api/calls/{id}/log", s.RequireAuth(s.CallLogHandler))
	mux.HandleFunc("GET /files/{hash}", s.FileHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func newClient(t *testing.T, srv *httptest.Server, user string) *api.Client {
	t.Helper()
	c, err := api.New(srv.URL, user)
	require.NoError(t, err)
	return c
}

func TestServer_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/conversations")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type tokenTable map[string]string

func (tt tokenTable) GetUserID(token string) (string, error) {
	id, ok := tt[token]
	if !ok {
		return "", models.ErrNotFound
	}
	return id, nil
}

func TestServer_Authenticator(t *testing.T) {
	srv, hub := newTestServer(t, WithAuthenticator(tokenTable{"secret-token": "alice"}))

	_, err := newClient(t, srv, "alice").ListConversations(context.Background())
	require.ErrorIs(t, err, api.ErrUnauthorized, "a bare user id is not a token")

	convs, err := newClient(t, srv, "secret-token").ListConversations(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, convs)
	assert.Equal(t, LobbyID, convs[0].ID)
	assert.True(t, IsMember("alice", convs[0].ID))
	_, err = hub.Messages("alice", LobbyID, 1, 10)
	require.NoError(t, err)
}

func TestServer_UploadAndFetch(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newClient(t, srv, "alice")

	att, err := client.UploadAttachment(context.Background(), "cat.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.Type)
	assert.Equal(t, int64(len(pngBytes)), att.Size)
	require.True(t, strings.HasPrefix(att.URL, srv.URL+"/files/"))

	resp, err := http.Get(att.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "cat.png")
	assert.Equal(t, pngBytes, body)

	for _, path := range []string{"/files/nothex", "/files/" + strings.Repeat("a", 64)} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServer_HistoryAndCallLog(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := newClient(t, srv, "alice")
	carol := newClient(t, srv, "carol")
	ctx := context.Background()
	dm := DMID("alice", "bob")

	err := alice.UpsertCallLog(ctx, models.CallLog{
		CallID: "c9", ConversationID: dm, CallerID: "alice", CalleeID: "bob", Status: models.CallStatusEnded, DurationSeconds: 3,
	})
	require.NoError(t, err)

	page, err := alice.ListMessages(ctx, dm, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "call-c9", page.Messages[0].ID)
	assert.Equal(t, "Call ended (3s)", page.Messages[0].Content)

	_, err = carol.ListMessages(ctx, dm, 1, 20)
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)

	err = carol.UpsertCallLog(ctx, models.CallLog{CallID: "c9", ConversationID: dm, CallerID: "alice", CalleeID: "bob", Status: models.CallStatusEnded})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)

	convs, err := alice.ListConversations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, convs)
	assert.Equal(t, LobbyID, convs[0].ID)
}

func dial(t *testing.T, srv *httptest.Server, path, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestServer_ChatSocketSpeaksTheClientProtocol(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/chat", "alice")

	require.NoError(t, conn.WriteJSON(protocol.NewJoinConversations("alice")))
	in, err := protocol.DecodeInbound(readFrame(t, conn))
	require.NoError(t, err)
	joined, ok := in.(protocol.JoinedConversations)
	require.True(t, ok)
	assert.Contains(t, joined.ConversationIDs, LobbyID)

	require.NoError(t, conn.WriteJSON(protocol.NewSendMessage(models.Message{
		TempID: "t1", ConversationID: LobbyID, Content: "hello", Kind: models.ContentKindText,
	})))
	in, err = protocol.DecodeInbound(readFrame(t, conn))
	require.NoError(t, err)
	nm, ok := in.(protocol.NewMessage)
	require.True(t, ok)
	assert.Equal(t, "t1", nm.Data.TempID)
	assert.Equal(t, "alice", nm.Data.SenderID)
	_, valid := nm.Data.Timestamp()
	assert.True(t, valid)
}

func TestServer_CallSocketBusy(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "/ws/calls", "alice")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "voice_call_offer",
		"call_id":         "c1",
		"conversation_id": DMID("alice", "bob"),
		"from_user_id":    "alice",
		"to_user_id":      "bob",
		"offer":           map[string]string{"type": "offer", "sdp": "v=0"},
	}))

	sig, err := protocol.DecodeSignal(readFrame(t, conn))
	require.NoError(t, err)
	busy, ok := sig.(protocol.CallBusy)
	require.True(t, ok)
	assert.Equal(t, "c1", busy.CallID)
	assert.Equal(t, "bob", busy.FromUserID)
}
