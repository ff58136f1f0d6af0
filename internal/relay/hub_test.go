package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shutterline/internal/models"
	"shutterline/internal/protocol"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestHub(limit int) *Hub {
	h := NewHub(HubConfig{InquiryLimit: limit, Now: func() time.Time { return fixedNow }})
	h.AddUser("alice", "Alice")
	h.AddUser("bob", "Bob")
	return h
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func next(t *testing.T, ch chan any) any {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for payload")
		return nil
	}
}

func drain(ch chan any) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func assertQuiet(t *testing.T, ch chan any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected payload %#v", v)
	default:
	}
}

// joinBoth connects alice and bob and discards the join handshake.
func joinBoth(t *testing.T, h *Hub) (chan any, chan any) {
	t.Helper()
	chA := h.joinChat("alice")
	chB := h.joinChat("bob")
	h.dispatchChat("alice", raw(`{"type":"join_conversations","user_id":"alice"}`))
	h.dispatchChat("bob", raw(`{"type":"join_conversations","user_id":"bob"}`))
	drain(chA)
	drain(chB)
	return chA, chB
}

func TestHub_JoinAnnouncesPresence(t *testing.T) {
	h := newTestHub(0)
	chA := h.joinChat("alice")
	h.dispatchChat("alice", raw(`{"type":"join_conversations"}`))

	joined, ok := next(t, chA).(joinedFrame)
	require.True(t, ok)
	assert.Equal(t, []string{DMID("alice", "bob"), LobbyID}, joined.ConversationIDs)

	chB := h.joinChat("bob")
	h.dispatchChat("bob", raw(`{"type":"join_conversations"}`))

	_, ok = next(t, chB).(joinedFrame)
	require.True(t, ok)
	assert.Equal(t, presenceFrame{Type: protocol.TypeUserOnline, UserID: "alice"}, next(t, chB))
	assert.Equal(t, presenceFrame{Type: protocol.TypeUserOnline, UserID: "bob"}, next(t, chA))

	h.leaveChat("bob", chB)
	assert.Equal(t, presenceFrame{Type: protocol.TypeUserOffline, UserID: "bob"}, next(t, chA))
}

func TestHub_SendBroadcastsWithTempID(t *testing.T) {
	h := newTestHub(0)
	chA, chB := joinBoth(t, h)
	dm := DMID("alice", "bob")

	h.dispatchChat("alice", raw(`{"type":"send_message","conversation_id":"`+dm+`","content":"hi","temp_id":"t1"}`))

	for _, ch := range []chan any{chA, chB} {
		frame, ok := next(t, ch).(newMessageFrame)
		require.True(t, ok)
		assert.Equal(t, protocol.TypeNewMessage, frame.Type)
		assert.NotEmpty(t, frame.Data.ID)
		assert.Equal(t, "t1", frame.Data.TempID)
		assert.Equal(t, "Alice", frame.Data.SenderName)
		assert.Equal(t, models.ContentKindText, frame.Data.Kind)
		assert.Equal(t, fixedNow.Format(time.RFC3339Nano), frame.Data.CreatedAt)
		assert.Nil(t, frame.InquiryQuota)
	}
}

func TestHub_InquiryQuotaOnSenderCopy(t *testing.T) {
	h := newTestHub(3)
	chA, chB := joinBoth(t, h)

	h.dispatchChat("alice", raw(`{"type":"send_message","conversation_id":"lobby","content":"question"}`))

	own := next(t, chA).(newMessageFrame)
	require.NotNil(t, own.InquiryQuota)
	assert.Equal(t, models.InquiryQuota{Used: 1, Limit: 3, Remaining: 2}, *own.InquiryQuota)

	other := next(t, chB).(newMessageFrame)
	assert.Nil(t, other.InquiryQuota)
}

func TestHub_SendRejections(t *testing.T) {
	h := newTestHub(0)
	chA, _ := joinBoth(t, h)

	h.dispatchChat("alice", raw(`{"type":"send_message","conversation_id":"dm_bob_carol","content":"psst"}`))
	frame := next(t, chA).(errorFrame)
	assert.Equal(t, "forbidden", frame.Code)

	h.dispatchChat("alice", raw(`{"type":"send_message","conversation_id":"lobby","content":"   "}`))
	frame = next(t, chA).(errorFrame)
	assert.Equal(t, "empty_message", frame.Code)

	h.dispatchChat("alice", raw(`{"type":"dance"}`))
	frame = next(t, chA).(errorFrame)
	assert.Equal(t, "unknown_type", frame.Code)

	h.dispatchChat("alice", raw(`{not json`))
	frame = next(t, chA).(errorFrame)
	assert.Equal(t, "bad_request", frame.Code)
}

func TestHub_TypingGoesToOthersOnly(t *testing.T) {
	h := newTestHub(0)
	chA, chB := joinBoth(t, h)
	dm := DMID("alice", "bob")

	h.dispatchChat("alice", raw(`{"type":"typing_start","conversation_id":"`+dm+`"}`))
	start := next(t, chB).(typingStartFrame)
	assert.Equal(t, protocol.TypingStart{ConversationID: dm, UserID: "alice", UserName: "Alice"}, start.TypingStart)

	h.dispatchChat("alice", raw(`{"type":"typing_stop","conversation_id":"`+dm+`"}`))
	stop := next(t, chB).(typingStopFrame)
	assert.Equal(t, "alice", stop.UserID)

	assertQuiet(t, chA)
}

func TestHub_MarkRead(t *testing.T) {
	h := newTestHub(0)
	chA, chB := joinBoth(t, h)
	dm := DMID("alice", "bob")

	h.dispatchChat("alice", raw(`{"type":"send_message","conversation_id":"`+dm+`","content":"hi"}`))
	id := next(t, chA).(newMessageFrame).Data.ID
	next(t, chB)

	h.dispatchChat("bob", raw(`{"type":"mark_read","conversation_id":"`+dm+`","message_ids":["`+id+`"]}`))
	for _, ch := range []chan any{chA, chB} {
		frame := next(t, ch).(messageReadFrame)
		assert.Equal(t, id, frame.MessageID)
		assert.Equal(t, "bob", frame.ReaderID)
		assert.NotEmpty(t, frame.ReadAt)
	}

	// The sender cannot mark its own message.
	h.dispatchChat("alice", raw(`{"type":"mark_read","conversation_id":"`+dm+`","message_ids":["`+id+`"]}`))
	assertQuiet(t, chA)
}

func TestHub_ReplacedConnection(t *testing.T) {
	h := newTestHub(0)
	old := h.joinChat("alice")
	cur := h.joinChat("alice")

	_, ok := <-old
	assert.False(t, ok, "old channel must be closed")

	// Leaving with the stale channel keeps the new one registered.
	h.leaveChat("alice", old)
	h.sendChat("alice", "ping")
	assert.Equal(t, "ping", next(t, cur))
}

func TestHub_SignalForwarding(t *testing.T) {
	h := newTestHub(0)
	chA := h.joinCalls("alice")
	chB := h.joinCalls("bob")

	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c1","conversation_id":"dm_alice_bob","from_user_id":"mallory","to_user_id":"bob","offer":{"type":"offer","sdp":"v=0"}}`))

	got := next(t, chB).(map[string]any)
	assert.Equal(t, "alice", got["from_user_id"])
	assert.Equal(t, "voice_call_offer", got["type"])
	assert.NotNil(t, got["offer"])

	// Callee without a signaling socket is busy.
	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c2","conversation_id":"lobby","to_user_id":"carol","offer":{"type":"offer","sdp":"v=0"}}`))
	busy := next(t, chA).(protocol.CallBusy)
	assert.Equal(t, protocol.TypeCallBusy, busy.Type)
	assert.Equal(t, "c2", busy.CallID)
	assert.Equal(t, "carol", busy.FromUserID)
	assert.Equal(t, "alice", busy.ToUserID)

	// Malformed signals are dropped.
	h.dispatchCall("alice", raw(`{"type":"voice_call_offer"}`))
	assertQuiet(t, chA)
	assertQuiet(t, chB)
}

func TestHub_LeavingEndsCalls(t *testing.T) {
	h := newTestHub(0)
	chA := h.joinCalls("alice")
	chB := h.joinCalls("bob")

	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c1","to_user_id":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
	next(t, chB)

	h.leaveCalls("bob", chB)
	rejected := next(t, chA).(protocol.CallRejected)
	assert.Equal(t, protocol.TypeCallRejected, rejected.Type)
	assert.Equal(t, "c1", rejected.CallID)
	assert.Equal(t, "bob", rejected.FromUserID)
	assert.Equal(t, "alice", rejected.ToUserID)

	// Answered calls are ended.
	chB = h.joinCalls("bob")
	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c2","to_user_id":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
	next(t, chB)
	h.dispatchCall("bob", raw(`{"type":"voice_call_answer","call_id":"c2","to_user_id":"alice","answer":{"type":"answer","sdp":"v=0"}}`))
	next(t, chA)
	h.leaveCalls("bob", chB)
	ended := next(t, chA).(protocol.CallEnded)
	assert.Equal(t, "c2", ended.CallID)
	assert.Equal(t, protocol.TypeCallEnded, ended.Type)

	// A caller leaving cancels the ringing callee.
	chB = h.joinCalls("bob")
	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c4","to_user_id":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
	next(t, chB)
	h.leaveCalls("alice", chA)
	cancelled := next(t, chB).(protocol.CallEnded)
	assert.Equal(t, "c4", cancelled.CallID)
	assert.Equal(t, "bob", cancelled.ToUserID)
	chA = h.joinCalls("alice")

	// Finished calls are forgotten.
	chB = h.joinCalls("bob")
	h.dispatchCall("alice", raw(`{"type":"voice_call_offer","call_id":"c3","to_user_id":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
	next(t, chB)
	h.dispatchCall("bob", raw(`{"type":"voice_call_rejected","call_id":"c3","to_user_id":"alice"}`))
	next(t, chA)
	h.leaveCalls("bob", chB)
	assertQuiet(t, chA)
}

func TestHub_UpsertCallLog(t *testing.T) {
	h := newTestHub(0)
	chA, chB := joinBoth(t, h)
	dm := DMID("alice", "bob")
	entry := models.CallLog{CallID: "c1", ConversationID: dm, CallerID: "alice", CalleeID: "bob", Status: models.CallStatusInitiated}

	first, err := h.UpsertCallLog("alice", entry)
	require.NoError(t, err)
	assert.Equal(t, "call-c1", first.ID)
	assert.Equal(t, models.ContentKindCall, first.Kind)
	assert.Equal(t, "Call started", first.Content)
	next(t, chA)
	next(t, chB)

	entry.Status = models.CallStatusEnded
	entry.DurationSeconds = 65
	second, err := h.UpsertCallLog("bob", entry)
	require.NoError(t, err)
	assert.Equal(t, "Call ended (1m5s)", second.Content)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	frame := next(t, chB).(newMessageFrame)
	assert.Equal(t, "call-c1", frame.Data.ID)

	page, err := h.Messages("alice", dm, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1, "updates replace the message")

	_, err = h.UpsertCallLog("carol", entry)
	assert.ErrorIs(t, err, ErrForbidden)

	entry.Status = "exploded"
	_, err = h.UpsertCallLog("alice", entry)
	assert.ErrorIs(t, err, ErrInvalidCallLog)
}

func TestHub_Conversations(t *testing.T) {
	h := newTestHub(0)
	h.AddUser("carol", "")
	chA, _ := joinBoth(t, h)

	h.dispatchChat("bob", raw(`{"type":"send_message","conversation_id":"`+DMID("alice", "bob")+`","content":"yo"}`))
	next(t, chA)

	convs := h.Conversations("alice")
	require.Len(t, convs, 3)
	assert.Equal(t, LobbyID, convs[0].ID)
	assert.Equal(t, []string{"alice", "bob", "carol"}, convs[0].ParticipantIDs)
	assert.Equal(t, "Bob", convs[1].Title)
	assert.Equal(t, 1, convs[1].UnreadCount)
	require.NotNil(t, convs[1].LastMessage)
	assert.Equal(t, "yo", convs[1].LastMessage.Content)
	assert.Equal(t, "carol", convs[2].Title, "users without a name are shown by id")

	_, err := h.Messages("carol", DMID("alice", "bob"), 1, 10)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestIsMember(t *testing.T) {
	tests := []struct {
		user, conv string
		want       bool
	}{
		{"alice", LobbyID, true},
		{"alice", "dm_alice_bob", true},
		{"bob", "dm_alice_bob", true},
		{"carol", "dm_alice_bob", false},
		{"alice", "dm_alice", false},
		{"alice", "general", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsMember(tt.user, tt.conv), "%s in %s", tt.user, tt.conv)
	}
	assert.Equal(t, "dm_alice_bob", DMID("bob", "alice"))
}
