package chat

import (
	"slices"

	"shutterline/internal/models"
)

// Result is the outcome of merging an inbound batch into a message list.
type Result struct {
	Messages []models.Message
	// Fresh lists newly merged confirmed messages authored by someone other
	// than the viewer. Callers use it to notify and auto-scroll.
	Fresh []models.Message
	// Superseded lists temporary ids whose optimistic copies were replaced.
	Superseded []string
}

// Reconcile merges inbound server-confirmed messages into current, which may
// hold optimistic messages. It does not modify its arguments.
//
// An inbound message carrying a temp id replaces only the optimistic message
// with that temp id. One without a temp id replaces the oldest optimistic
// message with the same sender and content. Confirmed messages are unique by
// id: a redelivery with identical content is skipped, one with changed
// content updates the stored message in place. The result is ordered by
// creation time, unparseable timestamps last.
func Reconcile(current, inbound []models.Message, viewerID string) Result {
	var optimistic, confirmed []models.Message
	for _, m := range current {
		if m.Optimistic {
			optimistic = append(optimistic, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}

	superseded := make([]bool, len(optimistic))
	var res Result

	byID := make(map[string]int, len(confirmed))
	for i, m := range confirmed {
		byID[m.ID] = i
	}

	for _, in := range inbound {
		if in.Optimistic {
			continue
		}
		// A known id already superseded its optimistic copy when it was
		// first merged.
		if i, ok := byID[in.ID]; ok {
			if changed(confirmed[i], in) {
				confirmed[i] = mergeUpdate(confirmed[i], in)
			}
			continue
		}

		if i := matchOptimistic(optimistic, superseded, in); i >= 0 {
			superseded[i] = true
			res.Superseded = append(res.Superseded, optimistic[i].TempID)
		}

		in.Delivery = models.DeliverySent
		byID[in.ID] = len(confirmed)
		confirmed = append(confirmed, in)
		if in.SenderID != viewerID {
			res.Fresh = append(res.Fresh, in)
		}
	}

	merged := make([]models.Message, 0, len(confirmed)+len(optimistic))
	merged = append(merged, confirmed...)
	for i, m := range optimistic {
		if !superseded[i] {
			merged = append(merged, m)
		}
	}
	SortByCreated(merged)

	res.Messages = merged
	return res
}

func matchOptimistic(optimistic []models.Message, superseded []bool, in models.Message) int {
	if in.TempID != "" {
		for i, m := range optimistic {
			if !superseded[i] && m.TempID == in.TempID {
				return i
			}
		}
		return -1
	}

	best := -1
	for i, m := range optimistic {
		if superseded[i] || m.SenderID != in.SenderID || m.Content != in.Content {
			continue
		}
		if best < 0 || createdBefore(m, optimistic[best]) {
			best = i
		}
	}
	return best
}

func changed(old, in models.Message) bool {
	return old.Content != in.Content ||
		old.Kind != in.Kind ||
		old.IsRead != in.IsRead ||
		!slices.Equal(old.Attachments, in.Attachments)
}

// mergeUpdate applies a server-side edit. Read state only ever moves forward.
func mergeUpdate(old, in models.Message) models.Message {
	out := in
	out.Delivery = models.DeliverySent
	if old.IsRead && !in.IsRead {
		out.IsRead = true
		out.ReadAt = old.ReadAt
	}
	if out.CreatedAt == "" {
		out.CreatedAt = old.CreatedAt
	}
	return out
}

// SortByCreated orders messages by creation time, oldest first. Messages
// with a missing or unparseable timestamp sort last, keeping their order.
func SortByCreated(msgs []models.Message) {
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		ta, okA := a.Timestamp()
		tb, okB := b.Timestamp()
		switch {
		case !okA && !okB:
			return 0
		case !okA:
			return 1
		case !okB:
			return -1
		default:
			return ta.Compare(tb)
		}
	})
}

func createdBefore(a, b models.Message) bool {
	ta, okA := a.Timestamp()
	tb, okB := b.Timestamp()
	if !okA || !okB {
		return false
	}
	return ta.Before(tb)
}
