// Package syncer orchestrates startup sequencing, optimistic sends and
// read receipts: the bridge between the UI's intents and the store, the
// data service and the live connection.
package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aposine/chatsync/internal/api"
	"github.com/aposine/chatsync/internal/conn"
	"github.com/aposine/chatsync/internal/identity"
	"github.com/aposine/chatsync/internal/store"
	"github.com/aposine/chatsync/pkg/model"
	"github.com/aposine/chatsync/pkg/protocol"
)

// defaultMatchWindow bounds how long an optimistic send waits for its server
// echo before content-based matching gives up on it.
const defaultMatchWindow = time.Minute

// Connection is the slice of the connection manager the coordinator uses.
// *conn.Manager satisfies it.
type Connection interface {
	Connect(userID string) error
	Send(frame []byte)
	Close()
	OnFrame(fn func(data []byte))
	OnStateChange(fn func(state conn.State))
	State() conn.State
}

// EventType tags events delivered to UI subscribers.
type EventType int

const (
	// EventConversations: the conversation set or ordering changed.
	EventConversations EventType = iota
	// EventMessages: one conversation's messages or read state changed.
	EventMessages
	// EventConnection: the live-connection state changed.
	EventConnection
)

// Event is one notification to the UI layer.
type Event struct {
	Type           EventType
	ConversationID string
	Connection     conn.State
}

// Config configures a Coordinator.
type Config struct {
	API      *api.Client
	Store    *store.Store
	Conn     Connection
	Identity identity.Provider

	// HistoryLimit is the page size for history fetches. Zero means 50.
	HistoryLimit int

	// MatchWindow bounds content-based optimistic matching. Zero means one
	// minute.
	MatchWindow time.Duration

	Logger *zap.Logger
}

// pendingSend tracks one optimistic message awaiting its server echo.
type pendingSend struct {
	localID string
	sentAt  time.Time
}

// Coordinator drives the sync core. All store mutation it performs goes
// through the store's serialized API; the coordinator itself only guards its
// reconciliation bookkeeping.
type Coordinator struct {
	api      *api.Client
	store    *store.Store
	conn     Connection
	identity identity.Provider
	limit    int
	window   time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	byClient  map[string]string        // optimistic id -> match key
	byContent map[string][]pendingSend // match key -> FIFO of optimistic sends
	active    string
	activeGen uint64
	subs      []func(Event)
}

// New creates a Coordinator. Call Start to run the startup sequence.
func New(cfg Config) *Coordinator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = defaultMatchWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Coordinator{
		api:       cfg.API,
		store:     cfg.Store,
		conn:      cfg.Conn,
		identity:  cfg.Identity,
		limit:     cfg.HistoryLimit,
		window:    cfg.MatchWindow,
		log:       cfg.Logger,
		byClient:  make(map[string]string),
		byContent: make(map[string][]pendingSend),
	}
	c.store.Subscribe(c.forwardChange)
	return c
}

// Subscribe registers a UI observer for store and connection events.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Start runs the startup sequence: provision the user, fetch conversations,
// fetch each conversation's history concurrently, then open the live
// connection. Each step tolerates failure of the previous by proceeding
// with empty data; only a refused Connect is returned as an error.
func (c *Coordinator) Start(ctx context.Context) error {
	user := c.identity.User()

	// Provisioning is idempotent; "already exists" is not an error and any
	// other failure must not block the UI either.
	if err := c.api.ProvisionUser(ctx, user); err != nil {
		c.log.Debug("user provisioning skipped", zap.Error(err))
	}

	convs, err := c.api.Conversations(ctx, user.ID)
	if err != nil {
		c.log.Warn("conversation fetch failed, starting empty", zap.Error(err))
		convs = nil
	}
	c.store.SetConversations(convs)

	var wg sync.WaitGroup
	for _, conv := range convs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.fetchHistory(ctx, id)
		}(conv.ID)
	}
	wg.Wait()

	c.conn.OnFrame(c.handleFrame)
	c.conn.OnStateChange(func(state conn.State) {
		c.emit(Event{Type: EventConnection, Connection: state})
	})
	return c.conn.Connect(user.ID)
}

// Send appends an optimistic message for content in the conversation and
// submits the wire frame. The server confirmation arrives later as a push
// and replaces the placeholder. Returns the optimistic id.
func (c *Coordinator) Send(conversationID, content string) (string, error) {
	user := c.identity.User()
	localID := "local-" + uuid.NewString()
	now := time.Now().UTC()

	c.store.AppendMessage(model.Message{
		ID:             localID,
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        content,
		CreatedAt:      now,
		Optimistic:     true,
	})

	key := matchKey(conversationID, user.ID, content)
	c.mu.Lock()
	c.byClient[localID] = key
	c.byContent[key] = append(c.byContent[key], pendingSend{localID: localID, sentAt: now})
	c.mu.Unlock()

	frame := protocol.SendFrame{
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        content,
		ClientID:       localID,
	}
	data, err := frame.Encode()
	if err != nil {
		return localID, err
	}
	c.conn.Send(data)
	return localID, nil
}

// Select makes the conversation active: it refreshes its history and
// submits a read receipt, applying the watermark only after the server
// acknowledges it. A selection superseded before its fetch resolves is
// discarded so stale data never overwrites newer state.
func (c *Coordinator) Select(ctx context.Context, conversationID string) {
	c.mu.Lock()
	c.active = conversationID
	c.activeGen++
	gen := c.activeGen
	c.mu.Unlock()

	msgs, err := c.api.Messages(ctx, conversationID, 0, c.limit)
	if err != nil {
		c.log.Warn("history fetch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		msgs = nil
	}

	c.mu.Lock()
	stale := gen != c.activeGen
	c.mu.Unlock()
	if stale {
		c.log.Debug("discarding stale history fetch",
			zap.String("conversation_id", conversationID))
		return
	}
	for _, msg := range msgs {
		c.store.AppendMessage(msg)
	}

	user := c.identity.User()
	watermark, err := c.api.MarkRead(ctx, conversationID, user.ID)
	if err != nil {
		// Unread counts are correctness-sensitive; never advance the
		// watermark optimistically.
		c.log.Warn("mark-as-read failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	c.store.MarkRead(conversationID, user.ID, watermark)
}

// Active returns the currently selected conversation id.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CreateConversation creates a conversation synchronously against the data
// service, merges it into the store and selects it.
func (c *Coordinator) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (model.Conversation, error) {
	conv, err := c.api.CreateConversation(ctx, req)
	if err != nil {
		return model.Conversation{}, err
	}
	c.store.UpsertConversation(conv)
	c.Select(ctx, conv.ID)
	return conv, nil
}

// Users fetches the user directory without the signed-in user, for starting
// new conversations.
func (c *Coordinator) Users(ctx context.Context) ([]model.User, error) {
	return c.api.Users(ctx, c.identity.User().ID)
}

// Close tears down the live connection. Pending reconnects are cancelled
// and no socket outlives the call.
func (c *Coordinator) Close() {
	c.conn.Close()
}

// handleFrame routes one inbound frame: malformed frames are dropped,
// confirmations of our own sends replace their optimistic placeholder, and
// everything else appends.
func (c *Coordinator) handleFrame(data []byte) {
	in, err := protocol.DecodeMessage(data)
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	if localID, ok := c.matchPending(in); ok {
		c.store.ReplaceOptimistic(localID, in.Message)
		return
	}
	c.store.AppendMessage(in.Message)
}

// matchPending resolves a pushed message to an outstanding optimistic send.
// An echoed client id is an exact lookup; otherwise the oldest pending send
// with the same conversation, sender and content within the match window
// wins.
func (c *Coordinator) matchPending(in protocol.Inbound) (string, bool) {
	if in.Message.SenderID != c.identity.User().ID {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if in.ClientID != "" {
		key, ok := c.byClient[in.ClientID]
		if !ok {
			return "", false
		}
		c.removePending(key, in.ClientID)
		return in.ClientID, true
	}

	key := matchKey(in.Message.ConversationID, in.Message.SenderID, in.Message.Content)
	queue := c.byContent[key]
	cutoff := time.Now().Add(-c.window)
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		delete(c.byClient, head.localID)
		if head.sentAt.Before(cutoff) {
			// Expired placeholder; its confirmation is long overdue and
			// this push likely belongs to a newer send.
			continue
		}
		c.setQueue(key, queue)
		return head.localID, true
	}
	c.setQueue(key, queue)
	return "", false
}

// removePending drops one entry from a match-key queue. Caller holds mu.
func (c *Coordinator) removePending(key, localID string) {
	delete(c.byClient, localID)
	queue := c.byContent[key]
	for i := range queue {
		if queue[i].localID == localID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	c.setQueue(key, queue)
}

func (c *Coordinator) setQueue(key string, queue []pendingSend) {
	if len(queue) == 0 {
		delete(c.byContent, key)
		return
	}
	c.byContent[key] = queue
}

// fetchHistory merges one conversation's first history page into the store.
// Failure leaves the conversation empty until it is selected again.
func (c *Coordinator) fetchHistory(ctx context.Context, conversationID string) {
	msgs, err := c.api.Messages(ctx, conversationID, 0, c.limit)
	if err != nil {
		c.log.Warn("history fetch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	for _, msg := range msgs {
		c.store.AppendMessage(msg)
	}
}

// forwardChange relays store changes to UI subscribers.
func (c *Coordinator) forwardChange(change store.Change) {
	if change.ConversationID == "" {
		c.emit(Event{Type: EventConversations})
		return
	}
	c.emit(Event{Type: EventMessages, ConversationID: change.ConversationID})
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func matchKey(conversationID, senderID, content string) string {
	return strings.Join([]string{conversationID, senderID, content}, "\x1f")
}
