package store_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/aposine/chatsync/internal/store"
	"github.com/aposine/chatsync/pkg/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStoreWithConversation(id string, participants ...model.Participant) *store.Store {
	s := store.New(nil)
	s.SetConversations([]model.Conversation{{
		ID:           id,
		Type:         model.ConversationDirect,
		Participants: participants,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}})
	return s
}

func msg(id, conv, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
	}
}

func TestStore_AppendMessageIsIdempotent(t *testing.T) {
	s := newStoreWithConversation("c-1")

	m := msg("m-1", "c-1", "u-1", "hi", t0)
	s.AppendMessage(m)
	s.AppendMessage(m)
	s.AppendMessage(m)

	if got := s.Messages("c-1"); len(got) != 1 {
		t.Errorf("message count = %d, want 1", len(got))
	}
}

func TestStore_AppendMessageDropsUnknownConversation(t *testing.T) {
	s := newStoreWithConversation("c-1")

	s.AppendMessage(msg("m-1", "c-does-not-exist", "u-1", "hi", t0))

	if got := s.Messages("c-does-not-exist"); len(got) != 0 {
		t.Errorf("unknown conversation holds %d messages, want 0", len(got))
	}
}

func TestStore_MessagesSortedRegardlessOfArrivalOrder(t *testing.T) {
	s := newStoreWithConversation("c-1")

	times := make([]time.Time, 10)
	for i := range times {
		times[i] = t0.Add(time.Duration(i) * time.Minute)
	}
	perm := rand.New(rand.NewSource(42)).Perm(len(times))
	for _, i := range perm {
		s.AppendMessage(msg(fmt.Sprintf("m-%d", i), "c-1", "u-1", "x", times[i]))
	}

	got := s.Messages("c-1")
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v after %v", i, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
}

func TestStore_SortTieBreaksByID(t *testing.T) {
	s := newStoreWithConversation("c-1")

	s.AppendMessage(msg("m-b", "c-1", "u-1", "second", t0))
	s.AppendMessage(msg("m-a", "c-1", "u-1", "first", t0))

	got := s.Messages("c-1")
	if got[0].ID != "m-a" || got[1].ID != "m-b" {
		t.Errorf("order = [%s %s], want [m-a m-b]", got[0].ID, got[1].ID)
	}
}

func TestStore_AppendAdvancesUpdatedAt(t *testing.T) {
	s := newStoreWithConversation("c-1")

	s.AppendMessage(msg("m-1", "c-1", "u-1", "hi", t0.Add(time.Hour)))

	conv, ok := s.Conversation("c-1")
	if !ok {
		t.Fatal("conversation missing")
	}
	if !conv.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", conv.UpdatedAt, t0.Add(time.Hour))
	}
}

func TestStore_ReplaceOptimistic(t *testing.T) {
	s := newStoreWithConversation("c-1")

	local := msg("temp-1", "c-1", "u-1", "hi", t0)
	local.Optimistic = true
	s.AppendMessage(local)

	s.ReplaceOptimistic("temp-1", msg("m-99", "c-1", "u-1", "hi", t0.Add(time.Second)))

	got := s.Messages("c-1")
	if len(got) != 1 {
		t.Fatalf("message count = %d, want 1", len(got))
	}
	if got[0].ID != "m-99" || got[0].Content != "hi" {
		t.Errorf("message = %+v, want confirmed m-99", got[0])
	}
}

func TestStore_ReplaceOptimisticWithoutPlaceholderAppends(t *testing.T) {
	s := newStoreWithConversation("c-1")

	s.ReplaceOptimistic("temp-vanished", msg("m-99", "c-1", "u-1", "hi", t0))

	got := s.Messages("c-1")
	if len(got) != 1 || got[0].ID != "m-99" {
		t.Errorf("messages = %+v, want single m-99", got)
	}
}

func TestStore_AppendAfterReplaceStaysUnique(t *testing.T) {
	s := newStoreWithConversation("c-1")

	local := msg("temp-1", "c-1", "u-1", "hi", t0)
	local.Optimistic = true
	s.AppendMessage(local)

	confirmed := msg("m-99", "c-1", "u-1", "hi", t0.Add(time.Second))
	s.ReplaceOptimistic("temp-1", confirmed)
	// The server copy may also arrive via a history fetch; it must not
	// duplicate.
	s.AppendMessage(confirmed)

	got := s.Messages("c-1")
	if len(got) != 1 || got[0].ID != "m-99" {
		t.Errorf("messages = %+v, want exactly one m-99", got)
	}
}

func TestStore_SetConversationsKeepsHeldMessages(t *testing.T) {
	s := newStoreWithConversation("c-1")
	s.AppendMessage(msg("m-1", "c-1", "u-1", "hi", t0))

	s.SetConversations([]model.Conversation{
		{ID: "c-1", Type: model.ConversationDirect, CreatedAt: t0, UpdatedAt: t0},
		{ID: "c-2", Type: model.ConversationGroup, CreatedAt: t0, UpdatedAt: t0},
	})

	if got := s.Messages("c-1"); len(got) != 1 {
		t.Errorf("c-1 messages after refresh = %d, want 1", len(got))
	}
}

func TestStore_ConversationsSortedByActivityDesc(t *testing.T) {
	s := store.New(nil)
	s.SetConversations([]model.Conversation{
		{ID: "c-old", UpdatedAt: t0},
		{ID: "c-new", UpdatedAt: t0.Add(time.Hour)},
		{ID: "c-b", UpdatedAt: t0.Add(time.Minute)},
		{ID: "c-a", UpdatedAt: t0.Add(time.Minute)},
	})

	got := s.Conversations()
	wantOrder := []string{"c-new", "c-a", "c-b", "c-old"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("conversations[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestStore_UnreadCount(t *testing.T) {
	watermark := t0
	s := newStoreWithConversation("c-1",
		model.Participant{UserID: "u-me", LastReadAt: &watermark},
		model.Participant{UserID: "u-other"},
	)

	s.AppendMessage(msg("m-1", "c-1", "u-other", "before", t0.Add(-time.Second)))
	s.AppendMessage(msg("m-2", "c-1", "u-other", "after", t0.Add(time.Second)))
	s.AppendMessage(msg("m-3", "c-1", "u-other", "later", t0.Add(2*time.Second)))

	if got := s.UnreadCount("c-1", "u-me"); got != 2 {
		t.Errorf("UnreadCount = %d, want 2", got)
	}
}

func TestStore_UnreadCountIgnoresOwnMessages(t *testing.T) {
	s := newStoreWithConversation("c-1",
		model.Participant{UserID: "u-me"},
		model.Participant{UserID: "u-other"},
	)

	s.AppendMessage(msg("m-1", "c-1", "u-me", "mine", t0))
	s.AppendMessage(msg("m-2", "c-1", "u-other", "theirs", t0.Add(time.Second)))

	if got := s.UnreadCount("c-1", "u-me"); got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
}

func TestStore_UnreadCountWithoutWatermarkCountsAll(t *testing.T) {
	s := newStoreWithConversation("c-1",
		model.Participant{UserID: "u-me"},
		model.Participant{UserID: "u-other"},
	)

	s.AppendMessage(msg("m-1", "c-1", "u-other", "a", t0))
	s.AppendMessage(msg("m-2", "c-1", "u-other", "b", t0.Add(time.Second)))

	if got := s.UnreadCount("c-1", "u-me"); got != 2 {
		t.Errorf("UnreadCount = %d, want 2", got)
	}
}

func TestStore_MarkReadIsIdempotent(t *testing.T) {
	s := newStoreWithConversation("c-1",
		model.Participant{UserID: "u-me"},
		model.Participant{UserID: "u-other"},
	)
	s.AppendMessage(msg("m-1", "c-1", "u-other", "a", t0))
	s.AppendMessage(msg("m-2", "c-1", "u-other", "b", t0.Add(2*time.Second)))

	s.MarkRead("c-1", "u-me", t0.Add(time.Second))
	first := s.UnreadCount("c-1", "u-me")
	s.MarkRead("c-1", "u-me", t0.Add(time.Second))
	second := s.UnreadCount("c-1", "u-me")

	if first != 1 || second != 1 {
		t.Errorf("unread after repeated MarkRead = %d then %d, want 1 and 1", first, second)
	}
}

func TestStore_MarkReadNeverMovesBackwards(t *testing.T) {
	s := newStoreWithConversation("c-1",
		model.Participant{UserID: "u-me"},
		model.Participant{UserID: "u-other"},
	)
	s.AppendMessage(msg("m-1", "c-1", "u-other", "a", t0.Add(time.Second)))

	s.MarkRead("c-1", "u-me", t0.Add(2*time.Second))
	s.MarkRead("c-1", "u-me", t0)

	if got := s.UnreadCount("c-1", "u-me"); got != 0 {
		t.Errorf("UnreadCount = %d, want 0 after earlier MarkRead", got)
	}
}

func TestStore_UpsertConversationMergesExisting(t *testing.T) {
	s := newStoreWithConversation("c-1", model.Participant{UserID: "u-me"})

	s.UpsertConversation(model.Conversation{
		ID:        "c-1",
		Type:      model.ConversationDirect,
		Name:      "renamed",
		CreatedAt: t0,
		UpdatedAt: t0.Add(-time.Hour), // stale timestamp must not regress
	})

	conv, _ := s.Conversation("c-1")
	if conv.Name != "renamed" {
		t.Errorf("name = %q, want %q", conv.Name, "renamed")
	}
	if conv.UpdatedAt.Before(t0) {
		t.Errorf("updated_at regressed to %v", conv.UpdatedAt)
	}
	if len(conv.Participants) != 1 {
		t.Errorf("participants lost on merge: %+v", conv.Participants)
	}
}

func TestStore_LastMessagePreview(t *testing.T) {
	s := newStoreWithConversation("c-1")
	if _, ok := s.LastMessage("c-1"); ok {
		t.Error("expected no preview for empty conversation")
	}

	s.AppendMessage(msg("m-2", "c-1", "u-1", "newest", t0.Add(time.Second)))
	s.AppendMessage(msg("m-1", "c-1", "u-1", "older", t0))

	last, ok := s.LastMessage("c-1")
	if !ok || last.ID != "m-2" {
		t.Errorf("LastMessage = %+v, want m-2", last)
	}
}

func TestStore_SubscribersSeeChanges(t *testing.T) {
	s := newStoreWithConversation("c-1")

	var changes []store.Change
	s.Subscribe(func(c store.Change) { changes = append(changes, c) })

	s.AppendMessage(msg("m-1", "c-1", "u-1", "hi", t0))

	if len(changes) != 1 || changes[0].ConversationID != "c-1" {
		t.Errorf("changes = %+v, want one change for c-1", changes)
	}
}
