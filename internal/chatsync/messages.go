package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/metrics"
	"github.com/tradeloop/chatwire/internal/model"
)

// MessageSync keeps the message list of one conversation consistent
// across push delivery, fallback polling, and the offline cache. One
// instance exists per open conversation view.
//
// The list it maintains is ordered by server sequence, with local
// entries the server has not yet returned appended at the end in
// arrival order. Every entry is unique by message id regardless of
// which path delivered it.
type MessageSync struct {
	conversationID string
	selfID         string
	cfg            Config
	ch             Channel
	rooms          Rooms
	api            MessageAPI
	cache          MessageCache
	logger         *slog.Logger

	mu      sync.Mutex
	msgs    []model.Message
	seen    map[string]int // message id -> index in msgs
	loaded  bool
	pending []model.Message // pushes buffered until the first load lands

	onUpdate  func(msgs []model.Message)
	onMessage func(msg model.Message)
	onTyping  func(userID string, typing bool)

	group   singleflight.Group
	limiter *rate.Limiter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

// MessageSyncOptions collects the callbacks a view wires up before
// Start. All callbacks are optional and must be fast; they run on
// synchronizer goroutines.
type MessageSyncOptions struct {
	OnUpdate  func(msgs []model.Message)       // full-list snapshot after any change
	OnMessage func(msg model.Message)          // each message newly added to the list
	OnTyping  func(userID string, typing bool) // typing relay for the other participant
}

// NewMessageSync creates a synchronizer for one conversation. selfID is
// the session user; pushes echoing that sender are already present
// locally from the send acknowledgement and deduplicate away.
func NewMessageSync(conversationID, selfID string, cfg Config, ch Channel, rooms Rooms, api MessageAPI, cache MessageCache, opts MessageSyncOptions, logger *slog.Logger) *MessageSync {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.TypingPerMinute <= 0 {
		cfg.TypingPerMinute = DefaultConfig().TypingPerMinute
	}
	if cfg.TypingBurst <= 0 {
		cfg.TypingBurst = DefaultConfig().TypingBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageSync{
		conversationID: conversationID,
		selfID:         selfID,
		cfg:            cfg,
		ch:             ch,
		rooms:          rooms,
		api:            api,
		cache:          cache,
		logger:         logger.With("conversation", conversationID),
		seen:           make(map[string]int),
		onUpdate:       opts.OnUpdate,
		onMessage:      opts.OnMessage,
		onTyping:       opts.OnTyping,
		limiter:        rate.NewLimiter(rate.Limit(float64(cfg.TypingPerMinute)/60.0), cfg.TypingBurst),
	}
}

// Start joins the conversation room, registers push handlers, hydrates
// from the offline cache, kicks off the initial load, and starts the
// fallback poll loop. Pushes that arrive before the load completes are
// buffered and merged when it lands.
func (s *MessageSync) Start(ctx context.Context) {
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

	if s.rooms != nil {
		s.rooms.Join(s.conversationID)
	}

	s.unsubs = append(s.unsubs,
		s.ch.Subscribe(channel.EventNewMessage, s.handleNewMessage),
		s.ch.Subscribe(channel.EventTyping, s.typingHandler(true)),
		s.ch.Subscribe(channel.EventStopTyping, s.typingHandler(false)),
	)
	s.unsubs = append(s.unsubs, s.ch.OnVisible(func() {
		go func() {
			if runCtx.Err() != nil {
				return
			}
			s.Reconcile(runCtx)
		}()
	}))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.Load(runCtx); err != nil {
			s.logger.Warn("initial message load failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.pollLoop(runCtx)
	}()
}

// Stop leaves the room, unregisters handlers, and stops the poll loop.
// An in-flight load is allowed to finish against the parent context.
func (s *MessageSync) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.rooms != nil {
		s.rooms.Leave(s.conversationID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Messages returns a snapshot of the current list.
func (s *MessageSync) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Send posts a message through the REST API and appends the
// acknowledged copy to the list. Nothing is shown until the server
// acknowledges; a failed send leaves the list untouched.
func (s *MessageSync) Send(ctx context.Context, receiverID, content string, msgType model.MessageType) (model.Message, error) {
	msg, err := s.api.SendMessage(ctx, s.conversationID, receiverID, content, msgType)
	if err != nil {
		metrics.SendFailures.Inc()
		return model.Message{}, err
	}

	s.mu.Lock()
	inserted, changed := s.applyLocked(msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.persist(snap)
		added := model.Message{}
		if inserted {
			added = msg
		}
		s.notify(snap, added)
	}
	return msg, nil
}

// Typing relays a typing signal to the other participant. Signals are
// throttled; a dropped signal is not an error. Both typing and
// stop-typing are silent no-ops when the channel is not connected.
func (s *MessageSync) Typing(receiverID string, typing bool) {
	event := channel.EventTyping
	if !typing {
		event = channel.EventStopTyping
	} else if !s.limiter.Allow() {
		return
	}
	payload := channel.TypingPayload{
		ChatID:     s.conversationID,
		UserID:     s.selfID,
		ReceiverID: receiverID,
	}
	if err := s.ch.Send(event, payload); err != nil {
		s.logger.Debug("typing signal dropped", "error", err)
	}
}

// Load fetches the authoritative message list and replaces local state,
// then re-applies pushes buffered while the fetch was in flight.
// Concurrent calls collapse into a single fetch.
func (s *MessageSync) Load(ctx context.Context) error {
	_, err, _ := s.group.Do("load", func() (any, error) {
		fetched, err := s.api.Messages(ctx, s.conversationID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.rebuildLocked(fetched)
		for _, msg := range s.pending {
			s.applyLocked(msg)
		}
		s.pending = nil
		s.loaded = true
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.persist(snap)
		s.notify(snap, model.Message{})
		return nil, nil
	})
	return err
}

// Reconcile fetches the authoritative list and merges it into local
// state without dropping entries the server has not returned yet. On
// failure the last known good list stands. Concurrent calls collapse.
func (s *MessageSync) Reconcile(ctx context.Context) {
	_, _, _ = s.group.Do("reconcile", func() (any, error) {
		fetched, err := s.api.Messages(ctx, s.conversationID)
		if err != nil {
			s.logger.Warn("message reconcile failed", "error", err)
			return nil, err
		}

		s.mu.Lock()
		extras := s.localExtrasLocked(fetched)
		s.rebuildLocked(fetched)
		for _, msg := range extras {
			s.applyLocked(msg)
		}
		s.loaded = true
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.persist(snap)
		s.notify(snap, model.Message{})
		return nil, nil
	})
}

// pollLoop runs the fallback poll. A tick polls only while the channel
// is not connected; connected sessions rely on push alone.
func (s *MessageSync) pollLoop(ctx context.Context) {
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
			s.Reconcile(ctx)
		}
	}
}

func (s *MessageSync) handleNewMessage(data json.RawMessage) {
	var p channel.NewMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("malformed new-message payload", "error", err)
		return
	}
	if p.ChatID != s.conversationID {
		return
	}

	s.mu.Lock()
	if !s.loaded {
		for _, buf := range s.pending {
			if buf.ID == p.Message.ID {
				metrics.DedupDrops.Inc()
				s.mu.Unlock()
				return
			}
		}
		s.pending = append(s.pending, p.Message)
		s.mu.Unlock()
		return
	}
	inserted, changed := s.applyLocked(p.Message)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return
	}
	s.persist(snap)
	added := model.Message{}
	if inserted {
		added = p.Message
	}
	s.notify(snap, added)
}

func (s *MessageSync) typingHandler(typing bool) channel.Handler {
	return func(data json.RawMessage) {
		if s.onTyping == nil {
			return
		}
		var p channel.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if p.ChatID != s.conversationID || p.UserID == s.selfID {
			return
		}
		s.onTyping(p.UserID, typing)
	}
}

// applyLocked folds msg into the list. inserted reports a genuinely
// new id; changed reports any visible difference, which a duplicate
// delivery produces only by advancing the delivery state.
func (s *MessageSync) applyLocked(msg model.Message) (inserted, changed bool) {
	if idx, ok := s.seen[msg.ID]; ok {
		if s.msgs[idx].AdvanceDelivery(msg.Delivery) {
			return false, true
		}
		metrics.DedupDrops.Inc()
		return false, false
	}
	s.seen[msg.ID] = len(s.msgs)
	s.msgs = append(s.msgs, msg)
	return true, true
}

// rebuildLocked replaces the list with the server's authoritative
// order, carrying forward any further-advanced local delivery states.
func (s *MessageSync) rebuildLocked(fetched []model.Message) {
	prev := s.seen
	prevMsgs := s.msgs
	s.msgs = make([]model.Message, 0, len(fetched))
	s.seen = make(map[string]int, len(fetched))
	for _, msg := range fetched {
		if _, dup := s.seen[msg.ID]; dup {
			continue
		}
		if idx, ok := prev[msg.ID]; ok {
			local := prevMsgs[idx].Delivery
			msg.AdvanceDelivery(local)
		}
		s.seen[msg.ID] = len(s.msgs)
		s.msgs = append(s.msgs, msg)
	}
}

// localExtrasLocked returns local entries absent from fetched, in their
// current order. These are pushes the server fanout delivered before
// the poll snapshot caught up.
func (s *MessageSync) localExtrasLocked(fetched []model.Message) []model.Message {
	inFetched := make(map[string]struct{}, len(fetched))
	for _, msg := range fetched {
		inFetched[msg.ID] = struct{}{}
	}
	var extras []model.Message
	for _, msg := range s.msgs {
		if _, ok := inFetched[msg.ID]; !ok {
			extras = append(extras, msg)
		}
	}
	extras = append(extras, s.pending...)
	s.pending = nil
	return extras
}

func (s *MessageSync) snapshotLocked() []model.Message {
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// hydrate seeds the list from the offline cache so the view has
// something to show before the first load lands. Cached entries are
// superseded wholesale by the load.
func (s *MessageSync) hydrate() {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Messages(s.conversationID)
	if err != nil {
		s.logger.Warn("message cache read failed", "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}
	s.mu.Lock()
	for _, msg := range cached {
		s.applyLocked(msg)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap, model.Message{})
}

func (s *MessageSync) persist(snap []model.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutMessages(s.conversationID, snap); err != nil {
		s.logger.Warn("message cache write failed", "error", err)
	}
}

func (s *MessageSync) notify(snap []model.Message, added model.Message) {
	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
	if s.onMessage != nil && added.ID != "" {
		s.onMessage(added)
	}
}
