package protocol

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shutterline/internal/models"
)

// recorder remembers the last visited payload.
type recorder struct {
	got any
}

func (r *recorder) NewMessage(m NewMessage)                   { r.got = m }
func (r *recorder) JoinedConversations(m JoinedConversations) { r.got = m }
func (r *recorder) TypingStart(m TypingStart)                 { r.got = m }
func (r *recorder) TypingStop(m TypingStop)                   { r.got = m }
func (r *recorder) UserOnline(m UserOnline)                   { r.got = m }
func (r *recorder) UserOffline(m UserOffline)                 { r.got = m }
func (r *recorder) MessageRead(m MessageRead)                 { r.got = m }
func (r *recorder) Error(m ServerError)                       { r.got = m }

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Inbound
	}{
		{
			"new message with quota",
			`{"type":"new_message","data":{"id":"m1","conversation_id":"C1","sender_id":"U1","content":"hello","created_at":"2024-01-01T10:00:00Z"},"inquiry_quota":{"used":1,"limit":3,"remaining":2}}`,
			NewMessage{
				Data:         models.Message{ID: "m1", ConversationID: "C1", SenderID: "U1", Content: "hello", CreatedAt: "2024-01-01T10:00:00Z"},
				InquiryQuota: &models.InquiryQuota{Used: 1, Limit: 3, Remaining: 2},
			},
		},
		{
			"legacy message wrapped",
			`{"type":"message","data":{"id":"m2","conversation_id":"C1","sender_id":"U2","content":"hey"}}`,
			NewMessage{Data: models.Message{ID: "m2", ConversationID: "C1", SenderID: "U2", Content: "hey"}, Legacy: true},
		},
		{
			"legacy message flattened",
			`{"type":"message","id":"m3","conversation_id":"C1","sender_id":"U2","content":"yo"}`,
			NewMessage{Data: models.Message{ID: "m3", ConversationID: "C1", SenderID: "U2", Content: "yo"}, Legacy: true},
		},
		{
			"joined conversations",
			`{"type":"joined_conversations","conversation_ids":["C1","C2"]}`,
			JoinedConversations{ConversationIDs: []string{"C1", "C2"}},
		},
		{
			"typing start",
			`{"type":"typing_start","conversation_id":"C1","user_id":"U2","user_name":"Bea"}`,
			TypingStart{ConversationID: "C1", UserID: "U2", UserName: "Bea"},
		},
		{
			"typing stop",
			`{"type":"typing_stop","conversation_id":"C1","user_id":"U2"}`,
			TypingStop{ConversationID: "C1", UserID: "U2"},
		},
		{"user online", `{"type":"user_online","user_id":"U2"}`, UserOnline{UserID: "U2"}},
		{"user offline", `{"type":"user_offline","user_id":"U2"}`, UserOffline{UserID: "U2"}},
		{
			"message read",
			`{"type":"message_read","conversation_id":"C1","message_id":"m1","read_at":"2024-01-01T10:01:00Z"}`,
			MessageRead{ConversationID: "C1", MessageID: "m1", ReadAt: "2024-01-01T10:01:00Z"},
		},
		{"error", `{"type":"error","message":"quota exceeded"}`, ServerError{Message: "quota exceeded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var r recorder
			got.Accept(&r)
			assert.Equal(t, tt.want, r.got)
		})
	}
}

func TestDecodeInbound_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `{{`, ErrMalformed},
		{"missing type", `{"data":{}}`, ErrMalformed},
		{"unknown type", `{"type":"reaction_added"}`, ErrUnknownType},
		{"new message without id", `{"type":"new_message","data":{"content":"x"}}`, ErrMalformed},
		{"wrong field type", `{"type":"user_online","user_id":42}`, ErrMalformed},
		{"typing without user", `{"type":"typing_start","conversation_id":"C1"}`, ErrMalformed},
		{"read without id", `{"type":"message_read","conversation_id":"C1"}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.input))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOutboundEncoding(t *testing.T) {
	msg := models.Message{
		TempID:         "tmp-1",
		ConversationID: "C1",
		Content:        "hello",
		Kind:           models.ContentKindFile,
		Attachments:    []models.Attachment{{Name: "a.png", URL: "https://cdn/a.png", Size: 3, Type: "image/png"}},
	}

	data, err := json.Marshal(NewSendMessage(msg))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"send_message",
		"conversation_id":"C1",
		"content":"hello",
		"message_type":"file",
		"attachments":[{"name":"a.png","url":"https://cdn/a.png","size":3,"type":"image/png"}],
		"temp_id":"tmp-1"
	}`, string(data))

	data, err = json.Marshal(NewTyping("C1", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing_stop","conversation_id":"C1"}`, string(data))

	data, err = json.Marshal(NewMarkRead("C1", []string{"m1", "m2"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mark_read","conversation_id":"C1","message_ids":["m1","m2"]}`, string(data))

	data, err = json.Marshal(NewJoinConversations("U1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join_conversations","user_id":"U1"}`, string(data))
}

type signalRecorder struct {
	got CallSignal
}

func (r *signalRecorder) Offer(s CallOffer)               { r.got = s }
func (r *signalRecorder) Answer(s CallAnswer)             { r.got = s }
func (r *signalRecorder) ICECandidate(s CallICECandidate) { r.got = s }
func (r *signalRecorder) Rejected(s CallRejected)         { r.got = s }
func (r *signalRecorder) Ended(s CallEnded)               { r.got = s }
func (r *signalRecorder) Busy(s CallBusy)                 { r.got = s }

func TestDecodeSignal(t *testing.T) {
	head := Signal{CallID: "call-1", ConversationID: "C2", FromUserID: "U2", ToUserID: "U1"}

	offer := CallOffer{Signal: head, Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}
	offer.Type = TypeCallOffer

	mid := "0"
	idx := uint16(0)
	cand := CallICECandidate{Signal: head, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}}
	cand.Type = TypeCallICECandidate

	busy := CallBusy{head}
	busy.Type = TypeCallBusy

	for _, sig := range []CallSignal{offer, cand, busy} {
		data, err := json.Marshal(sig)
		require.NoError(t, err)

		got, err := DecodeSignal(data)
		require.NoError(t, err)
		assert.Equal(t, sig, got)
		assert.Equal(t, "call-1", got.Header().CallID)

		var r signalRecorder
		got.Accept(&r)
		assert.Equal(t, sig, r.got)
	}
}

func TestDecodeSignal_Errors(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"type":"voice_call_offer","call_id":"c","offer":{"type":"offer","sdp":""}}`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeSignal([]byte(`{"type":"voice_call_ended"}`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeSignal([]byte(`{"type":"voice_call_hold","call_id":"c"}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestSignalReply(t *testing.T) {
	s := Signal{Type: TypeCallOffer, CallID: "c", ConversationID: "C", FromUserID: "A", ToUserID: "B"}
	r := s.Reply(TypeCallBusy)
	assert.Equal(t, Signal{Type: TypeCallBusy, CallID: "c", ConversationID: "C", FromUserID: "B", ToUserID: "A"}, r)
}
