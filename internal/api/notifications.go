package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tradeloop/chatwire/internal/model"
)

// NotificationFeed is the authoritative notification list plus the
// server-computed unread count.
type NotificationFeed struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// Notifications fetches the user-wide notification feed.
func (c *Client) Notifications(ctx context.Context) (NotificationFeed, error) {
	var feed NotificationFeed
	if err := c.get(ctx, "/notifications", nil, &feed); err != nil {
		return NotificationFeed{}, fmt.Errorf("fetch notifications: %w", err)
	}
	return feed, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// DeleteNotification removes one notification. Deletion is terminal.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	if err := c.del(ctx, "/notifications/"+url.PathEscape(id)); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// ClearAllNotifications empties the feed.
func (c *Client) ClearAllNotifications(ctx context.Context) error {
	if err := c.post(ctx, "/notifications/clear-all", nil, nil); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}
