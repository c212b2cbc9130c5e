package channel

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tradeloop/chatwire/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrServerClosed    = errors.New("server closed connection")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrManagerStopped  = errors.New("manager stopped")
)

// State is the connection lifecycle state. It is owned exclusively by
// the Manager; transitions happen only on the Manager run loop.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
	StateFailed       State = "failed"
)

// Channel event vocabulary.
const (
	EventJoin                = "join"
	EventJoinChat            = "join-chat"
	EventLeaveChat           = "leave-chat"
	EventNewMessage          = "new-message"
	EventTyping              = "typing"
	EventStopTyping          = "stop-typing"
	EventConversationUpdated = "conversation-updated"
	EventChatUpdate          = "chat-update"
	EventNewNotification     = "new_notification"
	EventNotificationUpdated = "notification_updated"
	EventNotificationsBulk   = "notifications_bulk_update"
	EventHeartbeat           = "heartbeat"
)

// Envelope is the wire frame for every channel event, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TimestampedMessage wraps raw frame data with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the transport
	ReceivedAt time.Time // Local timestamp when the read returned
}

// JoinPayload subscribes the session to its personal event scope.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// RoomPayload scopes join-chat / leave-chat to one conversation.
type RoomPayload struct {
	ChatID string `json:"chatId"`
}

// NewMessagePayload is the push delivery of one message.
type NewMessagePayload struct {
	ChatID  string        `json:"chatId"`
	Message model.Message `json:"message"`
}

// TypingPayload carries typing / stop-typing relays.
type TypingPayload struct {
	ChatID     string `json:"chatId"`
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
}

// ConversationUpdatedPayload is a server-pushed status patch.
type ConversationUpdatedPayload struct {
	ChatID       string             `json:"chatId"`
	Conversation model.Conversation `json:"conversation"`
}

// ChatUpdatePayload carries structural conversation changes.
type ChatUpdatePayload struct {
	ChatID string              `json:"chatId"`
	Action string              `json:"action"` // "delete", ...
	Chat   *model.Conversation `json:"chat,omitempty"`
}

// NewNotificationPayload is the push delivery of one notification.
type NewNotificationPayload struct {
	Notification model.Notification `json:"notification"`
}

// NotificationUpdatedPayload patches one notification. UnreadCount is
// the authoritative count when the server supplies it.
type NotificationUpdatedPayload struct {
	NotificationID string                  `json:"notificationId"`
	Updates        model.NotificationPatch `json:"updates"`
	UnreadCount    *int                    `json:"unreadCount,omitempty"`
}

// BulkUpdatePayload carries feed-wide operations such as clear_all.
type BulkUpdatePayload struct {
	Type string `json:"type"`
}

// HeartbeatPayload is the advisory liveness signal. No reply expected.
type HeartbeatPayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ClientConfig configures a transport client.
type ClientConfig struct {
	URL          string        // WebSocket URL
	Token        string        // Bearer token for the handshake
	PingTimeout  time.Duration // Max time without ping before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// ManagerConfig configures the connection Manager.
type ManagerConfig struct {
	WSURL             string
	Token             string
	RetrySchedule     []time.Duration // Backoff delays, indexed by attempt
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	PingTimeout       time.Duration
	BufferSize        int
}

// DefaultManagerConfig returns sensible defaults. WSURL and Token must
// still be supplied by the caller.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RetrySchedule: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingTimeout:       60 * time.Second,
		BufferSize:        1000,
	}
}
