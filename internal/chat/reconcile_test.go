package chat

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shutterline/internal/models"
)

func optimistic(tempID, sender, content, at string) models.Message {
	return models.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
		Optimistic:     true,
		Delivery:       models.DeliveryPending,
	}
}

func confirmed(id, sender, content, at string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReconcile_SupersedesByContentAndSender(t *testing.T) {
	current := []models.Message{optimistic("t1", "U1", "hi", "2024-05-01T10:00:00Z")}
	inbound := []models.Message{confirmed("m9", "U1", "hi", "2024-05-01T10:00:01Z")}

	res := Reconcile(current, inbound, "U1")

	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m9", res.Messages[0].ID)
	assert.False(t, res.Messages[0].Optimistic)
	assert.Equal(t, models.DeliverySent, res.Messages[0].Delivery)
	assert.Equal(t, []string{"t1"}, res.Superseded)
	assert.Empty(t, res.Fresh, "own messages never count as fresh")
}

func TestReconcile_TempIDWins(t *testing.T) {
	current := []models.Message{
		optimistic("t1", "U1", "same", "2024-05-01T10:00:00Z"),
		optimistic("t2", "U1", "same", "2024-05-01T10:00:01Z"),
	}
	in := confirmed("m2", "U1", "same", "2024-05-01T10:00:02Z")
	in.TempID = "t2"

	res := Reconcile(current, []models.Message{in}, "U1")

	assert.Equal(t, []string{"t2"}, res.Superseded)
	assert.Equal(t, []string{"t1", "m2"}, ids(res.Messages))
}

func TestReconcile_UnknownTempIDDoesNotFallBack(t *testing.T) {
	current := []models.Message{optimistic("t1", "U1", "hi", "2024-05-01T10:00:00Z")}
	in := confirmed("m1", "U1", "hi", "2024-05-01T10:00:01Z")
	in.TempID = "other-device"

	res := Reconcile(current, []models.Message{in}, "U1")

	assert.Empty(t, res.Superseded)
	assert.Equal(t, []string{"t1", "m1"}, ids(res.Messages))
}

// The same text sent twice must produce two confirmed messages, each
// replacing exactly one optimistic copy.
func TestReconcile_DuplicateTextSentTwice(t *testing.T) {
	current := []models.Message{
		optimistic("t1", "U1", "ok", "2024-05-01T10:00:00Z"),
		optimistic("t2", "U1", "ok", "2024-05-01T10:00:01Z"),
	}

	first := Reconcile(current, []models.Message{confirmed("m1", "U1", "ok", "2024-05-01T10:00:02Z")}, "U1")
	assert.Equal(t, []string{"t1"}, first.Superseded, "oldest optimistic goes first")
	assert.Equal(t, []string{"t2", "m1"}, ids(first.Messages))

	second := Reconcile(first.Messages, []models.Message{confirmed("m2", "U1", "ok", "2024-05-01T10:00:03Z")}, "U1")
	assert.Equal(t, []string{"t2"}, second.Superseded)
	assert.Equal(t, []string{"m1", "m2"}, ids(second.Messages))
}

func TestReconcile_Idempotent(t *testing.T) {
	current := []models.Message{
		confirmed("m1", "U2", "hello", "2024-05-01T09:00:00Z"),
		optimistic("t1", "U1", "hi", "2024-05-01T10:00:00Z"),
	}
	batch := []models.Message{
		confirmed("m2", "U1", "hi", "2024-05-01T10:00:01Z"),
		confirmed("m3", "U2", "there", "2024-05-01T10:00:02Z"),
	}

	once := Reconcile(current, batch, "U1")
	twice := Reconcile(once.Messages, batch, "U1")

	assert.Equal(t, once.Messages, twice.Messages)
	assert.Empty(t, twice.Fresh)
	assert.Empty(t, twice.Superseded)
}

func TestReconcile_RedeliveryKeepsRepeatedPendingText(t *testing.T) {
	current := []models.Message{
		optimistic("t1", "U1", "ok", "2024-05-01T10:00:00Z"),
		optimistic("t2", "U1", "ok", "2024-05-01T10:00:05Z"),
	}
	// Echo without a temp id, delivered twice.
	batch := []models.Message{confirmed("m1", "U1", "ok", "2024-05-01T10:00:01Z")}

	once := Reconcile(current, batch, "U1")
	require.Len(t, once.Messages, 2)
	assert.Equal(t, []string{"t1"}, once.Superseded)

	twice := Reconcile(once.Messages, batch, "U1")
	assert.Equal(t, once.Messages, twice.Messages)
	assert.Empty(t, twice.Superseded, "a redelivery must not consume the second pending copy")

	// The same message repeated inside one batch behaves the same way.
	doubled := Reconcile(current, append(slices.Clone(batch), batch...), "U1")
	assert.Equal(t, once.Messages, doubled.Messages)
	assert.Equal(t, []string{"t1"}, doubled.Superseded)
}

func TestReconcile_RedeliveryUpdatesInPlace(t *testing.T) {
	current := []models.Message{
		confirmed("m1", "U2", "call started", "2024-05-01T09:00:00Z"),
		confirmed("m2", "U2", "later", "2024-05-01T09:05:00Z"),
	}
	edited := confirmed("m1", "U2", "call ended (42s)", "2024-05-01T09:00:00Z")
	edited.Kind = models.ContentKindCall

	res := Reconcile(current, []models.Message{edited}, "U1")

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "m1", res.Messages[0].ID)
	assert.Equal(t, "call ended (42s)", res.Messages[0].Content)
	assert.Equal(t, models.ContentKindCall, res.Messages[0].Kind)
	assert.Empty(t, res.Fresh, "updates are not new messages")
}

func TestReconcile_ReadStateIsMonotonic(t *testing.T) {
	read := confirmed("m1", "U1", "hi", "2024-05-01T09:00:00Z")
	read.IsRead = true
	read.ReadAt = "2024-05-01T09:01:00Z"

	res := Reconcile([]models.Message{read}, []models.Message{confirmed("m1", "U1", "hi", "2024-05-01T09:00:00Z")}, "U1")

	require.Len(t, res.Messages, 1)
	assert.True(t, res.Messages[0].IsRead)
	assert.Equal(t, "2024-05-01T09:01:00Z", res.Messages[0].ReadAt)
}

func TestReconcile_FreshFromOthers(t *testing.T) {
	batch := []models.Message{
		confirmed("m1", "U2", "ping", "2024-05-01T10:00:00Z"),
		confirmed("m2", "U1", "pong", "2024-05-01T10:00:01Z"),
	}

	res := Reconcile(nil, batch, "U1")

	require.Len(t, res.Fresh, 1)
	assert.Equal(t, "m1", res.Fresh[0].ID)
}

func TestReconcile_IgnoresInboundOptimistic(t *testing.T) {
	res := Reconcile(nil, []models.Message{optimistic("t1", "U2", "x", "2024-05-01T10:00:00Z")}, "U1")
	assert.Empty(t, res.Messages)
}

func TestSortByCreated_InvalidTimestampsLast(t *testing.T) {
	msgs := []models.Message{
		confirmed("bad1", "U1", "a", "yesterday"),
		confirmed("late", "U1", "b", "2024-05-01T12:00:00Z"),
		confirmed("empty", "U1", "c", ""),
		confirmed("early", "U1", "d", "2024-05-01T08:00:00+02:00"),
		confirmed("mid", "U1", "e", "2024-05-01T10:30:00.5Z"),
	}

	SortByCreated(msgs)

	assert.Equal(t, []string{"early", "mid", "late", "bad1", "empty"}, ids(msgs))
}
