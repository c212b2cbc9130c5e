package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/tradeloop/chatwire/internal/model"
)

// conversationsResponse is the wire shape for fetch-conversation-list.
type conversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

// messagesResponse is the wire shape for fetch-messages. The server
// returns messages in its authoritative order.
type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

// sendMessageRequest creates a message. ClientMessageID makes retries
// idempotent server-side.
type sendMessageRequest struct {
	ReceiverID      string            `json:"receiverId"`
	Content         string            `json:"content"`
	MessageType     model.MessageType `json:"messageType"`
	ClientMessageID string            `json:"clientMessageId"`
}

type sendMessageResponse struct {
	Message model.Message `json:"message"`
}

// Conversations fetches the full conversation list for the session.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var resp conversationsResponse
	if err := c.get(ctx, "/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return resp.Conversations, nil
}

// Messages fetches the authoritative ordered message list for one
// conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var resp messagesResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch messages %s: %w", conversationID, err)
	}
	return resp.Messages, nil
}

// SendMessage persists a message server-side and returns the created
// entry. The server fans the event out to the other participant.
func (c *Client) SendMessage(ctx context.Context, conversationID, receiverID, content string, msgType model.MessageType) (model.Message, error) {
	req := sendMessageRequest{
		ReceiverID:      receiverID,
		Content:         content,
		MessageType:     msgType,
		ClientMessageID: uuid.NewString(),
	}

	var resp sendMessageResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	return resp.Message, nil
}
