// Package rooms tracks which conversation-scoped rooms the session has
// joined. The server forgets room membership on every disconnect, so
// the tracker replays joins whenever the channel comes back.
package rooms

import (
	"log/slog"
	"sync"

	"github.com/tradeloop/chatwire/internal/channel"
)

// Channel is the slice of the connection Manager the tracker needs.
type Channel interface {
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
	OnStateChange(channel.StateHandler) (unsubscribe func())
}

// Tracker keeps join/leave membership bookkeeping on top of the
// connection Manager. It never holds message data.
type Tracker struct {
	mgr    Channel
	logger *slog.Logger

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewTracker creates a Tracker and hooks it into the Manager's state
// transitions for replay-on-reconnect.
func NewTracker(mgr Channel, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		mgr:    mgr,
		logger: logger.With("component", "rooms"),
		joined: make(map[string]struct{}),
	}

	mgr.OnStateChange(func(prev, next channel.State) {
		if next == channel.StateConnected {
			t.replay()
		}
	})

	return t
}

// Join adds the conversation to the membership set and issues the join
// signal if the channel is live. Idempotent: joining twice is a no-op.
// While disconnected the join is queued locally and replayed once the
// channel reconnects.
func (t *Tracker) Join(conversationID string) {
	t.mu.Lock()
	if _, ok := t.joined[conversationID]; ok {
		t.mu.Unlock()
		return
	}
	t.joined[conversationID] = struct{}{}
	t.mu.Unlock()

	if err := t.mgr.JoinRoom(conversationID); err != nil {
		// Not connected: membership is kept and replayed on reconnect.
		t.logger.Debug("join deferred", "chat", conversationID, "reason", err)
	}
}

// Leave removes membership. Safe to call while disconnected; the server
// has already forgotten the room in that case.
func (t *Tracker) Leave(conversationID string) {
	t.mu.Lock()
	if _, ok := t.joined[conversationID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.joined, conversationID)
	t.mu.Unlock()

	if err := t.mgr.LeaveRoom(conversationID); err != nil {
		t.logger.Debug("leave while disconnected", "chat", conversationID, "reason", err)
	}
}

// Joined reports whether the conversation is in the membership set.
func (t *Tracker) Joined(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[conversationID]
	return ok
}

// replay re-issues every join after the channel re-enters connected.
func (t *Tracker) replay() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.joined))
	for id := range t.joined {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.mgr.JoinRoom(id); err != nil {
			t.logger.Warn("room replay failed", "chat", id, "error", err)
		}
	}
	if len(ids) > 0 {
		t.logger.Info("rooms rejoined", "count", len(ids))
	}
}
