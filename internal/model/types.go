package model

import "time"

// -----------------------------------------------------------------------------
// Participants
// -----------------------------------------------------------------------------

// Role tags a conversation participant.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Participant is one side of a conversation.
type Participant struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// -----------------------------------------------------------------------------
// Conversations
// -----------------------------------------------------------------------------

// Conversation is a buyer/seller thread, optionally bound to an order
// and/or product. Product and order ids are opaque foreign keys; this
// subsystem never resolves them.
type Conversation struct {
	ID     string      `json:"id"`
	Buyer  Participant `json:"buyer"`
	Seller Participant `json:"seller"`

	OrderID   string `json:"orderId,omitempty"`
	ProductID string `json:"productId,omitempty"`

	LastMessage *Message `json:"lastMessage,omitempty"`

	IsActive       bool `json:"isActive"`
	OrderConfirmed bool `json:"orderConfirmed"`
	OrderCompleted bool `json:"orderCompleted"`

	UnreadCount int       `json:"unreadCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) Participant {
	if c.Buyer.UserID == userID {
		return c.Seller
	}
	return c.Buyer
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// MessageType identifies the payload kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
	MessageImage  MessageType = "image"
)

// DeliveryState is the delivery progression of a message. Transitions
// are monotonic: read implies delivered implies sent.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

var deliveryRank = map[DeliveryState]int{
	DeliverySent:      0,
	DeliveryDelivered: 1,
	DeliveryRead:      2,
}

// Rank returns the position of s in the delivery order. Unknown states
// rank below "sent" so a garbage value can never advance a message.
func (s DeliveryState) Rank() int {
	if r, ok := deliveryRank[s]; ok {
		return r
	}
	return -1
}

// Message is a single entry in a conversation. Immutable once created
// except for delivery-state advancement and the edited marker. Content
// is an opaque payload; encryption at rest is a server-side guarantee.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"chatId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"messageType"`
	Delivery       DeliveryState `json:"deliveryState"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
}

// AdvanceDelivery moves the message to next if next is strictly later in
// the delivery order. Downgrades and unknown states are ignored, which
// makes replayed or stale updates harmless.
func (m *Message) AdvanceDelivery(next DeliveryState) bool {
	if next.Rank() <= m.Delivery.Rank() {
		return false
	}
	m.Delivery = next
	return true
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// NotificationCategory groups notifications by their triggering event.
type NotificationCategory string

const (
	NotifyMessage NotificationCategory = "message"
	NotifyOrder   NotificationCategory = "order"
	NotifySystem  NotificationCategory = "system"
)

// Notification is one entry in the user-wide notification feed.
// Deletion is terminal.
type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId"`
	Category  NotificationCategory `json:"category"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	ActionURL string               `json:"actionUrl,omitempty"`
	Read      bool                 `json:"read"`
	CreatedAt time.Time            `json:"createdAt"`
}

// NotificationPatch is a partial update pushed by the server. Nil fields
// are left untouched.
type NotificationPatch struct {
	Read      *bool   `json:"read,omitempty"`
	Title     *string `json:"title,omitempty"`
	Body      *string `json:"body,omitempty"`
	ActionURL *string `json:"actionUrl,omitempty"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// Apply merges the patch into n. Deletion is handled by the caller.
func (p NotificationPatch) Apply(n *Notification) {
	if p.Read != nil {
		n.Read = *p.Read
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Body != nil {
		n.Body = *p.Body
	}
	if p.ActionURL != nil {
		n.ActionURL = *p.ActionURL
	}
}
