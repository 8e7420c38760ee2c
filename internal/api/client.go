// Package api is the client for the HTTP data service: conversation and
// message fetches, user provisioning and read receipts. Every request
// carries a bearer token from the identity provider.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aposine/chatsync/pkg/model"
)

// TokenSource supplies the bearer token for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the chat data service.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
	}
}

// ProvisionUser registers the signed-in user with the data service.
// The call is idempotent server-side; the response body is ignored.
func (c *Client) ProvisionUser(ctx context.Context, user model.User) error {
	return c.do(ctx, http.MethodPost, "/user", user, nil)
}

// Users fetches the user directory, filtering out the caller.
func (c *Client) Users(ctx context.Context, selfID string) ([]model.User, error) {
	var all []model.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &all); err != nil {
		return nil, err
	}
	users := all[:0]
	for _, u := range all {
		if u.ID != selfID {
			users = append(users, u)
		}
	}
	return users, nil
}

// CreateConversationRequest is the payload for CreateConversation.
type CreateConversationRequest struct {
	Type         model.ConversationType `json:"conversation_type"`
	SenderID     string                 `json:"sender_id"`
	Participants []string               `json:"participants"`
	Name         string                 `json:"name,omitempty"`
}

// CreateConversation creates a conversation and returns the server record.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversation", req, &conv); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// Conversations fetches the user's conversation list with participants.
func (c *Client) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	var list []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(userID), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Messages fetches a page of the conversation's history, ascending by
// created_at.
func (c *Client) Messages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	path := fmt.Sprintf("/messages/%s?offset=%s&limit=%s",
		url.PathEscape(conversationID),
		strconv.Itoa(offset), strconv.Itoa(limit))
	var list []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// markReadResponse is the read-receipt acknowledgment.
type markReadResponse struct {
	LastReadAt time.Time `json:"last_read_at"`
}

// MarkRead submits a read receipt and returns the server-assigned watermark.
func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	body := map[string]string{"user_id": userID}
	var resp markReadResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.LastReadAt, nil
}

// do performs one authenticated JSON request. A non-2xx status is an error;
// when out is nil the response body is discarded.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request %s %s failed: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}
