// Package store is the client-side offline cache. It keeps the last
// reconciled conversation list, per-conversation message lists, and the
// notification feed in a local pebble database so a cold start without
// connectivity still shows history. The cache is never authoritative;
// every reconcile overwrites it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/tradeloop/chatwire/internal/model"
)

const (
	keyConversations = "convs"
	keyNotifications = "notifs"
	msgKeyPrefix     = "msgs:"
)

// Cache wraps a pebble database holding JSON snapshots.
type Cache struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open opens (or creates) the cache at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	logger.Debug("offline cache opened", "path", path)
	return &Cache{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// PutConversations stores the reconciled conversation list.
func (c *Cache) PutConversations(convs []model.Conversation) error {
	return c.put(keyConversations, convs)
}

// Conversations returns the cached conversation list, or nil if the
// cache has never seen one.
func (c *Cache) Conversations() ([]model.Conversation, error) {
	var convs []model.Conversation
	ok, err := c.get(keyConversations, &convs)
	if err != nil || !ok {
		return nil, err
	}
	return convs, nil
}

// PutMessages stores the reconciled message list for one conversation.
func (c *Cache) PutMessages(conversationID string, msgs []model.Message) error {
	return c.put(msgKeyPrefix+conversationID, msgs)
}

// Messages returns the cached message list for one conversation, or nil
// if none is cached.
func (c *Cache) Messages(conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	ok, err := c.get(msgKeyPrefix+conversationID, &msgs)
	if err != nil || !ok {
		return nil, err
	}
	return msgs, nil
}

// notificationSnapshot pairs the feed with its unread count.
type notificationSnapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// PutNotifications stores the reconciled notification feed.
func (c *Cache) PutNotifications(list []model.Notification, unreadCount int) error {
	return c.put(keyNotifications, notificationSnapshot{
		Notifications: list,
		UnreadCount:   unreadCount,
	})
}

// Notifications returns the cached feed and unread count. ok is false
// when nothing is cached.
func (c *Cache) Notifications() (list []model.Notification, unreadCount int, ok bool, err error) {
	var snap notificationSnapshot
	ok, err = c.get(keyNotifications, &snap)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	return snap.Notifications, snap.UnreadCount, true, nil
}

func (c *Cache) put(key string, value any) error {
	if c == nil || c.db == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (c *Cache) get(key string, out any) (bool, error) {
	if c == nil || c.db == nil {
		return false, nil
	}

	data, closer, err := c.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
