package chatsync

import (
	"context"
	"time"

	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/model"
)

// Channel is the slice of the connection Manager the synchronizers use.
// Poll activity is a pure function of State(); there is no separate
// "is polling" flag anywhere.
type Channel interface {
	State() channel.State
	Subscribe(event string, fn channel.Handler) (unsubscribe func())
	OnVisible(fn func()) (unsubscribe func())
	Send(event string, payload any) error
}

// Rooms is the membership tracker surface used per conversation.
type Rooms interface {
	Join(conversationID string)
	Leave(conversationID string)
}

// MessageAPI is the pull interface for one conversation.
type MessageAPI interface {
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, receiverID, content string, msgType model.MessageType) (model.Message, error)
}

// ConversationAPI is the pull interface for the conversation list.
type ConversationAPI interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
}

// MessageCache is the offline cache surface for message lists.
type MessageCache interface {
	Messages(conversationID string) ([]model.Message, error)
	PutMessages(conversationID string, msgs []model.Message) error
}

// ConversationCache is the offline cache surface for the list.
type ConversationCache interface {
	Conversations() ([]model.Conversation, error)
	PutConversations(convs []model.Conversation) error
}

// Config holds synchronizer settings.
type Config struct {
	PollInterval    time.Duration // fallback poll cadence while not connected
	TypingPerMinute int           // typing signal throttle
	TypingBurst     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    3 * time.Second,
		TypingPerMinute: 20,
		TypingBurst:     3,
	}
}
