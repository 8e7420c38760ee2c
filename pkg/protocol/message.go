// Package protocol implements the wire codec for the live chat connection.
//
// The protocol is text based: the first client-to-server frame after open is
// the bare user id (handshake, no envelope), every later client-to-server
// frame is a JSON send intent, and every server-to-client frame is a JSON
// message object.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aposine/chatsync/pkg/model"
)

// SendFrame is the client-to-server payload for a new message.
// ClientID carries the locally-minted optimistic id so a server that echoes
// it back enables exact reconciliation; servers that ignore it are fine.
type SendFrame struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id,omitempty"`
}

// Encode encodes the frame into its JSON wire form.
func (f *SendFrame) Encode() ([]byte, error) {
	if f.ConversationID == "" || f.SenderID == "" {
		return nil, fmt.Errorf("send frame missing conversation or sender id")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send frame: %w", err)
	}
	return data, nil
}

// Inbound is a decoded server push: a confirmed message, plus the client's
// optimistic id when the server echoed it.
type Inbound struct {
	Message  model.Message
	ClientID string
}

// inboundFrame mirrors the server's JSON message object on the wire.
type inboundFrame struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
	ClientID       string     `json:"client_id"`
}

// DecodeMessage parses a server frame into an Inbound. A non-nil error means
// the frame is malformed and must be dropped without touching the store.
func DecodeMessage(data []byte) (Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode message frame: %w", err)
	}
	if frame.ID == "" || frame.ConversationID == "" {
		return Inbound{}, fmt.Errorf("message frame missing id or conversation id")
	}
	return Inbound{
		Message: model.Message{
			ID:             frame.ID,
			ConversationID: frame.ConversationID,
			SenderID:       frame.SenderID,
			Content:        frame.Content,
			CreatedAt:      frame.CreatedAt,
			UpdatedAt:      frame.UpdatedAt,
		},
		ClientID: frame.ClientID,
	}, nil
}

// HandshakeFrame builds the one-shot authentication frame sent as the very
// first client-to-server message after open: the bare user id.
func HandshakeFrame(userID string) []byte {
	return []byte(userID)
}
