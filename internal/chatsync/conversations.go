package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/metrics"
	"github.com/tradeloop/chatwire/internal/model"
)

const actionDelete = "delete"

// ConversationList maintains the recency-ordered conversation list for
// the session. New messages splice their conversation to the front;
// status patches update in place without reordering; deletions remove
// the entry and clear the selection if it pointed there.
type ConversationList struct {
	selfID string
	cfg    Config
	ch     Channel
	api    ConversationAPI
	cache  ConversationCache
	logger *slog.Logger

	mu       sync.Mutex
	convs    []model.Conversation
	selected string
	loaded   bool

	onUpdate         func(convs []model.Conversation)
	onSelectionClear func(conversationID string)

	group   singleflight.Group
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

// ConversationListOptions collects the list view callbacks.
type ConversationListOptions struct {
	OnUpdate         func(convs []model.Conversation) // full-list snapshot after any change
	OnSelectionClear func(conversationID string)      // the selected conversation was deleted
}

// NewConversationList creates the aggregator for one session.
func NewConversationList(selfID string, cfg Config, ch Channel, api ConversationAPI, cache ConversationCache, opts ConversationListOptions, logger *slog.Logger) *ConversationList {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationList{
		selfID:           selfID,
		cfg:              cfg,
		ch:               ch,
		api:              api,
		cache:            cache,
		logger:           logger,
		onUpdate:         opts.OnUpdate,
		onSelectionClear: opts.OnSelectionClear,
	}
}

// Start registers push handlers, hydrates from the offline cache, and
// kicks off the initial load plus the fallback poll loop.
func (l *ConversationList) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.hydrate()

	l.unsubs = append(l.unsubs,
		l.ch.Subscribe(channel.EventConversationUpdated, l.handleConversationUpdated),
		l.ch.Subscribe(channel.EventChatUpdate, l.handleChatUpdate),
	)
	l.unsubs = append(l.unsubs, l.ch.OnVisible(func() {
		go func() {
			if runCtx.Err() != nil {
				return
			}
			l.reload(runCtx)
		}()
	}))

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		if err := l.Load(runCtx); err != nil {
			l.logger.Warn("initial conversation load failed", "error", err)
		}
	}()
	go func() {
		defer l.wg.Done()
		l.pollLoop(runCtx)
	}()
}

// Stop unregisters handlers and stops the poll loop.
func (l *ConversationList) Stop() {
	for _, unsub := range l.unsubs {
		unsub()
	}
	l.unsubs = nil
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Conversations returns a snapshot of the current list.
func (l *ConversationList) Conversations() []model.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Select records which conversation the session has open, so a pushed
// deletion of that conversation can clear the selection.
func (l *ConversationList) Select(conversationID string) {
	l.mu.Lock()
	l.selected = conversationID
	l.mu.Unlock()
}

// Load fetches the authoritative conversation list and replaces local
// state. Concurrent calls collapse into a single fetch.
func (l *ConversationList) Load(ctx context.Context) error {
	_, err, _ := l.group.Do("load", func() (any, error) {
		fetched, err := l.api.Conversations(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.convs = append([]model.Conversation(nil), fetched...)
		l.loaded = true
		snap := l.snapshotLocked()
		l.mu.Unlock()

		l.persist(snap)
		l.notify(snap)
		return nil, nil
	})
	return err
}

// OnNewMessage folds an incoming message into the list: the target
// conversation gets the message as its preview and moves to the front.
// Messages for unknown conversations are ignored; the next load brings
// the new conversation in.
func (l *ConversationList) OnNewMessage(msg model.Message) {
	l.mu.Lock()
	idx := l.indexLocked(msg.ConversationID)
	if idx < 0 {
		l.mu.Unlock()
		return
	}
	conv := l.convs[idx]
	m := msg
	conv.LastMessage = &m
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	if msg.SenderID != l.selfID && msg.ConversationID != l.selected {
		conv.UnreadCount++
	}
	l.convs = append(l.convs[:idx], l.convs[idx+1:]...)
	l.convs = append([]model.Conversation{conv}, l.convs...)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snap)
	l.notify(snap)
}

// handleConversationUpdated patches a conversation's status fields in
// place. Status changes never reorder the list; only message activity
// moves entries.
func (l *ConversationList) handleConversationUpdated(data json.RawMessage) {
	var p channel.ConversationUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		l.logger.Warn("malformed conversation-updated payload", "error", err)
		return
	}
	l.mu.Lock()
	idx := l.indexLocked(p.ChatID)
	if idx < 0 {
		l.mu.Unlock()
		return
	}
	conv := &l.convs[idx]
	conv.IsActive = p.Conversation.IsActive
	conv.OrderConfirmed = p.Conversation.OrderConfirmed
	conv.OrderCompleted = p.Conversation.OrderCompleted
	if p.Conversation.UpdatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = p.Conversation.UpdatedAt
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snap)
	l.notify(snap)
}

// handleChatUpdate applies structural changes. Deletion removes the
// entry; if the deleted conversation is the selected one, the selection
// is cleared through the callback.
func (l *ConversationList) handleChatUpdate(data json.RawMessage) {
	var p channel.ChatUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		l.logger.Warn("malformed chat-update payload", "error", err)
		return
	}

	l.mu.Lock()
	idx := l.indexLocked(p.ChatID)
	var clearedSelection bool
	switch {
	case p.Action == actionDelete:
		if idx >= 0 {
			l.convs = append(l.convs[:idx], l.convs[idx+1:]...)
		}
		if l.selected == p.ChatID {
			l.selected = ""
			clearedSelection = true
		}
	case p.Chat != nil && idx >= 0:
		l.convs[idx] = *p.Chat
	case p.Chat != nil:
		l.convs = append([]model.Conversation{*p.Chat}, l.convs...)
	default:
		l.mu.Unlock()
		return
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if clearedSelection && l.onSelectionClear != nil {
		l.onSelectionClear(p.ChatID)
	}
	l.persist(snap)
	l.notify(snap)
}

func (l *ConversationList) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.ch.State() == channel.StateConnected {
				continue
			}
			metrics.Polls.Inc()
			l.reload(ctx)
		}
	}
}

func (l *ConversationList) reload(ctx context.Context) {
	if err := l.Load(ctx); err != nil {
		l.logger.Warn("conversation reload failed", "error", err)
	}
}

func (l *ConversationList) indexLocked(conversationID string) int {
	for i := range l.convs {
		if l.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (l *ConversationList) snapshotLocked() []model.Conversation {
	out := make([]model.Conversation, len(l.convs))
	copy(out, l.convs)
	return out
}

func (l *ConversationList) hydrate() {
	if l.cache == nil {
		return
	}
	cached, err := l.cache.Conversations()
	if err != nil {
		l.logger.Warn("conversation cache read failed", "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}
	l.mu.Lock()
	l.convs = cached
	snap := l.snapshotLocked()
	l.mu.Unlock()
	l.notify(snap)
}

func (l *ConversationList) persist(snap []model.Conversation) {
	if l.cache == nil {
		return
	}
	if err := l.cache.PutConversations(snap); err != nil {
		l.logger.Warn("conversation cache write failed", "error", err)
	}
}

func (l *ConversationList) notify(snap []model.Conversation) {
	if l.onUpdate != nil {
		l.onUpdate(snap)
	}
}
