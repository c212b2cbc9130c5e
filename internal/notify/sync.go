package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tradeloop/chatwire/internal/api"
	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/metrics"
	"github.com/tradeloop/chatwire/internal/model"
)

const bulkClearAll = "clear_all"

// Channel is the slice of the connection Manager the synchronizer uses.
type Channel interface {
	State() channel.State
	Subscribe(event string, fn channel.Handler) (unsubscribe func())
	OnVisible(fn func()) (unsubscribe func())
}

// API is the pull and mutation interface for the notification feed.
type API interface {
	Notifications(ctx context.Context) (api.NotificationFeed, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	ClearAllNotifications(ctx context.Context) error
}

// Cache is the offline cache surface for the feed.
type Cache interface {
	Notifications() (list []model.Notification, unreadCount int, ok bool, err error)
	PutNotifications(list []model.Notification, unreadCount int) error
}

// Config holds synchronizer settings.
type Config struct {
	PollInterval time.Duration
}

// Options collects the feed callbacks. OnUpdate runs after every state
// change; OnError reports failed server mutations after their local
// effect has been rolled back.
type Options struct {
	OnUpdate func(list []model.Notification, unreadCount int)
	OnError  func(op string, err error)
}

// Sync maintains the user-wide notification feed: newest first, with an
// unread counter. Local mutations apply optimistically and roll back if
// the server rejects them, so the feed never drifts from what the
// server will return on the next load.
type Sync struct {
	cfg    Config
	ch     Channel
	api    API
	cache  Cache
	logger *slog.Logger

	mu      sync.Mutex
	list    []model.Notification
	unread  int
	loaded  bool
	stopped bool
	pending []model.Notification // pushes buffered until the first load lands

	onUpdate func(list []model.Notification, unreadCount int)
	onError  func(op string, err error)

	group   singleflight.Group
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

// NewSync creates the notification synchronizer for one session.
func NewSync(cfg Config, ch Channel, apiClient API, cache Cache, opts Options, logger *slog.Logger) *Sync {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		cfg:      cfg,
		ch:       ch,
		api:      apiClient,
		cache:    cache,
		logger:   logger,
		onUpdate: opts.OnUpdate,
		onError:  opts.OnError,
	}
}

// Start registers push handlers, hydrates from the offline cache, and
// kicks off the initial load plus the fallback poll loop.
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.hydrate()

	s.unsubs = append(s.unsubs,
		s.ch.Subscribe(channel.EventNewNotification, s.handleNew),
		s.ch.Subscribe(channel.EventNotificationUpdated, s.handleUpdate),
		s.ch.Subscribe(channel.EventNotificationsBulk, s.handleBulk),
	)
	s.unsubs = append(s.unsubs, s.ch.OnVisible(func() {
		go func() {
			if runCtx.Err() != nil {
				return
			}
			s.reload(runCtx)
		}()
	}))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.Load(runCtx); err != nil {
			s.logger.Warn("initial notification load failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.pollLoop(runCtx)
	}()
}

// Stop unregisters handlers, stops the poll loop, and waits for any
// in-flight mutation to settle. New mutations after Stop are no-ops.
func (s *Sync) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Notifications returns a snapshot of the feed and the unread count.
func (s *Sync) Notifications() ([]model.Notification, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), s.unread
}

// Load fetches the authoritative feed and replaces local state. The
// server's unread count is taken as is, then adjusted for pushes that
// were buffered while the fetch was in flight and are absent from the
// fetched snapshot. Concurrent calls collapse.
func (s *Sync) Load(ctx context.Context) error {
	_, err, _ := s.group.Do("load", func() (any, error) {
		feed, err := s.api.Notifications(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.list = append([]model.Notification(nil), feed.Notifications...)
		s.unread = feed.UnreadCount
		for _, n := range s.pending {
			if s.indexLocked(n.ID) >= 0 {
				metrics.DedupDrops.Inc()
				continue
			}
			s.list = append([]model.Notification{n}, s.list...)
			if !n.Read {
				s.unread++
			}
		}
		s.pending = nil
		s.loaded = true
		snap := s.snapshotLocked()
		unread := s.unread
		s.mu.Unlock()

		s.persist(snap, unread)
		s.notify(snap, unread)
		return nil, nil
	})
	return err
}

// MarkRead marks one notification read. The feed updates immediately;
// if the server rejects the call the change is rolled back and the
// error reported through OnError.
func (s *Sync) MarkRead(ctx context.Context, id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if s.stopped || idx < 0 || s.list[idx].Read {
		s.mu.Unlock()
		return
	}
	s.list[idx].Read = true
	s.unread = s.recountLocked()
	snap := s.snapshotLocked()
	unread := s.unread
	// Reserved ahead of Stop's Wait; stopped is checked under the same
	// lock, so Add never races a started Wait.
	s.wg.Add(1)
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)

	go func() {
		defer s.wg.Done()
		if err := s.api.MarkNotificationRead(ctx, id); err != nil {
			s.rollbackMarkRead(id, err)
		}
	}()
}

// Delete removes one notification. Optimistic with rollback, like
// MarkRead.
func (s *Sync) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if s.stopped || idx < 0 {
		s.mu.Unlock()
		return
	}
	removed := s.list[idx]
	s.list = append(s.list[:idx], s.list[idx+1:]...)
	s.unread = s.recountLocked()
	snap := s.snapshotLocked()
	unread := s.unread
	s.wg.Add(1)
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)

	go func() {
		defer s.wg.Done()
		if err := s.api.DeleteNotification(ctx, id); err != nil {
			s.rollbackInsert(removed, idx, "delete", err)
		}
	}()
}

// ClearAll empties the feed. Optimistic with rollback.
func (s *Sync) ClearAll(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || len(s.list) == 0 {
		s.mu.Unlock()
		return
	}
	prevList := s.list
	prevUnread := s.unread
	s.list = nil
	s.unread = 0
	s.wg.Add(1)
	s.mu.Unlock()

	s.persist(nil, 0)
	s.notify(nil, 0)

	go func() {
		defer s.wg.Done()
		if err := s.api.ClearAllNotifications(ctx); err != nil {
			s.mu.Lock()
			s.list = prevList
			s.unread = prevUnread
			snap := s.snapshotLocked()
			unread := s.unread
			s.mu.Unlock()
			s.persist(snap, unread)
			s.notify(snap, unread)
			s.fail("clear-all", err)
		}
	}()
}

// pollLoop polls the feed only while the channel is not connected.
func (s *Sync) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ch.State() == channel.StateConnected {
				continue
			}
			metrics.Polls.Inc()
			s.reload(ctx)
		}
	}
}

func (s *Sync) reload(ctx context.Context) {
	if err := s.Load(ctx); err != nil {
		s.logger.Warn("notification reload failed", "error", err)
	}
}

// handleNew prepends a pushed notification and bumps the unread count.
// A replayed push of a known id is dropped. Pushes that land before the
// first load completes are buffered and merged when it does; the
// fetched snapshot was taken server-side before they fanned out.
func (s *Sync) handleNew(data json.RawMessage) {
	var p channel.NewNotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed new_notification payload", "error", err)
		return
	}
	s.mu.Lock()
	if !s.loaded {
		for _, buf := range s.pending {
			if buf.ID == p.Notification.ID {
				metrics.DedupDrops.Inc()
				s.mu.Unlock()
				return
			}
		}
		s.pending = append(s.pending, p.Notification)
		s.mu.Unlock()
		return
	}
	if s.indexLocked(p.Notification.ID) >= 0 {
		metrics.DedupDrops.Inc()
		s.mu.Unlock()
		return
	}
	s.list = append([]model.Notification{p.Notification}, s.list...)
	if !p.Notification.Read {
		s.unread++
	}
	snap := s.snapshotLocked()
	unread := s.unread
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)
}

// handleUpdate applies a server-pushed patch or deletion. When the
// server supplies an unread count it is authoritative; otherwise the
// count is recomputed from the patched list.
func (s *Sync) handleUpdate(data json.RawMessage) {
	var p channel.NotificationUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed notification_updated payload", "error", err)
		return
	}
	s.mu.Lock()
	idx := s.indexLocked(p.NotificationID)
	if idx < 0 {
		// May target a push still buffered behind the initial load.
		for i := range s.pending {
			if s.pending[i].ID != p.NotificationID {
				continue
			}
			if p.Updates.Deleted {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
			} else {
				p.Updates.Apply(&s.pending[i])
			}
			break
		}
		s.mu.Unlock()
		return
	}
	if p.Updates.Deleted {
		s.list = append(s.list[:idx], s.list[idx+1:]...)
	} else {
		p.Updates.Apply(&s.list[idx])
	}
	if p.UnreadCount != nil {
		s.unread = *p.UnreadCount
	} else {
		s.unread = s.recountLocked()
	}
	snap := s.snapshotLocked()
	unread := s.unread
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)
}

// handleBulk applies feed-wide pushes. clear_all empties the feed with
// no further server round trip; the push is the acknowledgement.
func (s *Sync) handleBulk(data json.RawMessage) {
	var p channel.BulkUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed notifications_bulk_update payload", "error", err)
		return
	}
	if p.Type != bulkClearAll {
		s.logger.Debug("unhandled bulk update", "type", p.Type)
		return
	}
	s.mu.Lock()
	s.list = nil
	s.pending = nil
	s.unread = 0
	s.mu.Unlock()

	s.persist(nil, 0)
	s.notify(nil, 0)
}

func (s *Sync) rollbackMarkRead(id string, cause error) {
	s.mu.Lock()
	if idx := s.indexLocked(id); idx >= 0 {
		s.list[idx].Read = false
	}
	s.unread = s.recountLocked()
	snap := s.snapshotLocked()
	unread := s.unread
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)
	s.fail("mark-read", cause)
}

func (s *Sync) rollbackInsert(n model.Notification, at int, op string, cause error) {
	s.mu.Lock()
	if s.indexLocked(n.ID) < 0 {
		if at > len(s.list) {
			at = len(s.list)
		}
		s.list = append(s.list[:at], append([]model.Notification{n}, s.list[at:]...)...)
	}
	s.unread = s.recountLocked()
	snap := s.snapshotLocked()
	unread := s.unread
	s.mu.Unlock()

	s.persist(snap, unread)
	s.notify(snap, unread)
	s.fail(op, cause)
}

func (s *Sync) fail(op string, err error) {
	s.logger.Warn("notification mutation failed", "op", op, "error", err)
	if s.onError != nil {
		s.onError(op, err)
	}
}

func (s *Sync) indexLocked(id string) int {
	for i := range s.list {
		if s.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Sync) recountLocked() int {
	n := 0
	for i := range s.list {
		if !s.list[i].Read {
			n++
		}
	}
	return n
}

func (s *Sync) snapshotLocked() []model.Notification {
	out := make([]model.Notification, len(s.list))
	copy(out, s.list)
	return out
}

func (s *Sync) hydrate() {
	if s.cache == nil {
		return
	}
	list, unread, ok, err := s.cache.Notifications()
	if err != nil {
		s.logger.Warn("notification cache read failed", "error", err)
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	s.list = list
	s.unread = unread
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap, unread)
}

func (s *Sync) persist(snap []model.Notification, unread int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutNotifications(snap, unread); err != nil {
		s.logger.Warn("notification cache write failed", "error", err)
	}
}

func (s *Sync) notify(snap []model.Notification, unread int) {
	if s.onUpdate != nil {
		s.onUpdate(snap, unread)
	}
}
