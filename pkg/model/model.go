// Package model defines the canonical chat data model shared by the codec,
// the store and the HTTP client.
package model

import "time"

// ConversationType distinguishes one-to-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// User identifies a chat participant. Immutable once provisioned.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Participant is a user's membership record inside one conversation.
// LastReadAt is the read watermark; nil means the user has read nothing.
type Participant struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
}

// Conversation is a direct or group chat. UpdatedAt advances whenever a new
// message arrives and drives the conversation-list ordering.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"conversation_type"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Message is a single chat message. An optimistic message carries a
// locally-minted ID until the server echo replaces it with the assigned one.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`

	// Optimistic marks a locally-created message awaiting server confirmation.
	// Never set on messages decoded from the wire or fetched over HTTP.
	Optimistic bool `json:"-"`
}

// Less is the display order for messages within a conversation: ascending
// CreatedAt, ties broken by ID for determinism.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Participant returns the participant record for userID, or nil.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}
