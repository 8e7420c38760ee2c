// Package store holds the in-memory source of truth for conversations and
// their messages. All mutation funnels through a single mutex so REST
// merges, optimistic sends and pushed events never interleave mid-write.
package store

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aposine/chatsync/pkg/model"
)

// Change describes one store mutation delivered to subscribers.
// ConversationID is empty when the conversation set itself changed.
type Change struct {
	ConversationID string
}

// Store owns the conversation and message collections. No other component
// mutates this data; the coordinator requests mutations through its API.
type Store struct {
	log *zap.Logger

	mu            sync.Mutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	ids           map[string]map[string]struct{}
	subs          []func(Change)
}

// New creates an empty Store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:           log,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		ids:           make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a change observer. Observers are called after the
// mutation completes, outside the store lock.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// SetConversations replaces the conversation set, keeping message data
// already held for conversations present in both the old and new sets.
func (s *Store) SetConversations(list []model.Conversation) {
	s.mu.Lock()
	next := make(map[string]*model.Conversation, len(list))
	for i := range list {
		c := list[i]
		next[c.ID] = &c
	}
	for id := range s.messages {
		if _, ok := next[id]; !ok {
			delete(s.messages, id)
			delete(s.ids, id)
		}
	}
	s.conversations = next
	s.mu.Unlock()

	s.notify(Change{})
}

// UpsertConversation inserts the conversation if new or merges it into the
// existing record, keeping the later UpdatedAt.
func (s *Store) UpsertConversation(conv model.Conversation) {
	s.mu.Lock()
	if existing, ok := s.conversations[conv.ID]; ok {
		if conv.UpdatedAt.Before(existing.UpdatedAt) {
			conv.UpdatedAt = existing.UpdatedAt
		}
		if len(conv.Participants) == 0 {
			conv.Participants = existing.Participants
		}
		*existing = conv
	} else {
		s.conversations[conv.ID] = &conv
	}
	s.mu.Unlock()

	s.notify(Change{})
}

// AppendMessage inserts the message into its conversation in display order.
// Idempotent on message id: a duplicate is a no-op. Messages for unknown
// conversations are dropped; the store is never partially written.
func (s *Store) AppendMessage(msg model.Message) {
	s.mu.Lock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("dropping message for unknown conversation",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID))
		return
	}
	if s.hasID(msg.ConversationID, msg.ID) {
		s.mu.Unlock()
		return
	}
	s.insertSorted(msg)
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	s.mu.Unlock()

	s.notify(Change{ConversationID: msg.ConversationID})
}

// ReplaceOptimistic swaps the optimistic placeholder localID for the
// server-confirmed message. When no placeholder remains it behaves as
// AppendMessage, so the confirmed message is never lost or duplicated.
func (s *Store) ReplaceOptimistic(localID string, confirmed model.Message) {
	s.mu.Lock()
	list := s.messages[confirmed.ConversationID]
	idx := -1
	for i := range list {
		if list[i].ID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.AppendMessage(confirmed)
		return
	}

	delete(s.ids[confirmed.ConversationID], localID)
	if s.hasID(confirmed.ConversationID, confirmed.ID) {
		// The server copy already arrived through another path; the
		// placeholder just disappears.
		s.messages[confirmed.ConversationID] = append(list[:idx], list[idx+1:]...)
	} else {
		list[idx] = confirmed
		s.addID(confirmed.ConversationID, confirmed.ID)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Less(list[j]) })
	}
	if conv, ok := s.conversations[confirmed.ConversationID]; ok && confirmed.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = confirmed.CreatedAt
	}
	s.mu.Unlock()

	s.notify(Change{ConversationID: confirmed.ConversationID})
}

// MarkRead advances userID's read watermark in the conversation. The
// watermark never moves backwards, so repeating an acknowledgment is a
// no-op.
func (s *Store) MarkRead(conversationID, userID string, when time.Time) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p := conv.Participant(userID)
	if p == nil {
		s.mu.Unlock()
		return
	}
	if p.LastReadAt == nil || when.After(*p.LastReadAt) {
		t := when
		p.LastReadAt = &t
	}
	s.mu.Unlock()

	s.notify(Change{ConversationID: conversationID})
}

// UnreadCount counts messages in the conversation sent by others after
// userID's watermark. Without a watermark every foreign message is unread.
func (s *Store) UnreadCount(conversationID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	var watermark *time.Time
	if p := conv.Participant(userID); p != nil {
		watermark = p.LastReadAt
	}

	count := 0
	for _, msg := range s.messages[conversationID] {
		if msg.SenderID == userID {
			continue
		}
		if watermark == nil || msg.CreatedAt.After(*watermark) {
			count++
		}
	}
	return count
}

// Conversations returns the conversation list in presentation order:
// most recently active first, ties broken by id for determinism.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Messages returns a copy of the conversation's messages in display order.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	out := make([]model.Message, len(list))
	copy(out, list)
	return out
}

// LastMessage returns the newest message in the conversation, for the
// conversation-list preview.
func (s *Store) LastMessage(conversationID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	if len(list) == 0 {
		return model.Message{}, false
	}
	return list[len(list)-1], true
}

// insertSorted places msg into its conversation keeping (created_at, id)
// order regardless of arrival order. Caller holds the lock.
func (s *Store) insertSorted(msg model.Message) {
	list := s.messages[msg.ConversationID]
	pos := sort.Search(len(list), func(i int) bool { return msg.Less(list[i]) })
	list = append(list, model.Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.messages[msg.ConversationID] = list
	s.addID(msg.ConversationID, msg.ID)
}

func (s *Store) hasID(conversationID, id string) bool {
	_, ok := s.ids[conversationID][id]
	return ok
}

func (s *Store) addID(conversationID, id string) {
	set, ok := s.ids[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.ids[conversationID] = set
	}
	set[id] = struct{}{}
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	subs := make([]func(Change), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}
