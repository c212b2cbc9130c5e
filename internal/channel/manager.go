package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeloop/chatwire/internal/metrics"
	"github.com/tradeloop/chatwire/internal/session"
)

// Handler receives the data payload of one channel event. Handlers run
// serially on the Manager loop and must return quickly; anything slow
// belongs in its own goroutine.
type Handler func(data json.RawMessage)

// StateHandler observes connection state transitions.
type StateHandler func(prev, next State)

// Manager owns the single duplex channel for a session: lifecycle,
// backoff, heartbeat, and event dispatch. No other component touches
// the transport. All state transitions happen on the run loop, so
// consumers observe a strictly serialized event stream.
type Manager struct {
	cfg    ManagerConfig
	sess   *session.Session
	logger *slog.Logger

	// newClient is the transport factory; tests substitute fakes here.
	newClient func(ClientConfig, *slog.Logger) Client

	commands chan func()

	mu     sync.RWMutex
	state  State
	client Client

	// Loop-owned fields; never touched off the run loop.
	attempt    int
	gen        int
	msgCh      <-chan TimestampedMessage
	errCh      <-chan error
	retryTimer *time.Timer

	handlersMu    sync.RWMutex
	handlers      map[string][]subscription
	stateHandlers []stateSubscription
	visHandlers   []visSubscription
	nextSubID     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id int
	fn Handler
}

type stateSubscription struct {
	id int
	fn StateHandler
}

type visSubscription struct {
	id int
	fn func()
}

// NewManager creates a connection Manager for one session.
func NewManager(cfg ManagerConfig, sess *session.Session, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		sess:      sess,
		logger:    logger.With("component", "channel"),
		newClient: NewClient,
		commands:  make(chan func(), 64),
		state:     StateDisconnected,
		handlers:  make(map[string][]subscription),
	}
}

// Start acquires the channel: it begins the run loop and triggers the
// first connect. The session must be valid; an unauthenticated session
// never opens a transport.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sess.Valid(); err != nil {
		return err
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.post(func() { m.connect(false) })

	m.logger.Info("connection manager started",
		"user", m.sess.UserID,
		"retry_schedule", len(m.cfg.RetrySchedule),
	)
	return nil
}

// Stop releases the channel regardless of state, cancelling any pending
// backoff timer and closing the transport.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the live channel is usable right now.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Subscribe registers a handler for one event name and returns its
// unsubscribe function. Teardown must be call-paired with setup.
func (m *Manager) Subscribe(event string, fn Handler) (unsubscribe func()) {
	m.handlersMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.handlers[event] = append(m.handlers[event], subscription{id: id, fn: fn})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		subs := m.handlers[event]
		for i, s := range subs {
			if s.id == id {
				m.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers an observer for state transitions and
// returns its unsubscribe function.
func (m *Manager) OnStateChange(fn StateHandler) (unsubscribe func()) {
	m.handlersMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.stateHandlers = append(m.stateHandlers, stateSubscription{id: id, fn: fn})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, s := range m.stateHandlers {
			if s.id == id {
				m.stateHandlers = append(m.stateHandlers[:i:i], m.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnVisible registers an observer for foreground transitions and
// returns its unsubscribe function. Used by synchronizers to force a
// reconciliation pass; a stopped synchronizer must unregister or its
// observer outlives it.
func (m *Manager) OnVisible(fn func()) (unsubscribe func()) {
	m.handlersMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.visHandlers = append(m.visHandlers, visSubscription{id: id, fn: fn})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, s := range m.visHandlers {
			if s.id == id {
				m.visHandlers = append(m.visHandlers[:i:i], m.visHandlers[i+1:]...)
				return
			}
		}
	}
}

// Send emits one event on the live channel. Returns ErrNotConnected in
// any other state. Without a valid session it is a silent no-op: session
// loss is a hard boundary, not an error surface.
func (m *Manager) Send(event string, payload any) error {
	if err := m.sess.Valid(); err != nil {
		m.logger.Debug("dropping send without session", "event", event, "reason", err)
		return nil
	}

	data, err := marshalEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.RLock()
	st, cli := m.state, m.client
	m.mu.RUnlock()

	if st != StateConnected || cli == nil {
		return ErrNotConnected
	}
	return cli.Send(data)
}

// JoinRoom subscribes the session to one conversation's event scope.
func (m *Manager) JoinRoom(conversationID string) error {
	return m.Send(EventJoinChat, RoomPayload{ChatID: conversationID})
}

// LeaveRoom removes the session from one conversation's event scope.
func (m *Manager) LeaveRoom(conversationID string) error {
	return m.Send(EventLeaveChat, RoomPayload{ChatID: conversationID})
}

// ManualReconnect cancels any pending backoff timer and forces an
// immediate connect. Idempotent; the last caller wins. This is the only
// way out of the failed state.
func (m *Manager) ManualReconnect() {
	m.post(func() {
		m.attempt = 0
		m.connect(true)
	})
}

// Disconnect tears the transport down without auto-retry.
func (m *Manager) Disconnect() {
	m.post(func() {
		m.stopRetryTimer()
		m.gen++
		m.closeClient()
		m.setState(StateDisconnected)
	})
}

// SetNetworkOnline feeds the host environment's connectivity signal.
func (m *Manager) SetNetworkOnline(online bool) {
	m.post(func() {
		if !online {
			if m.state == StateOffline {
				return
			}
			m.stopRetryTimer()
			m.gen++
			m.closeClient()
			m.setState(StateOffline)
			return
		}
		if m.state != StateOffline {
			return
		}
		m.attempt = 0
		m.connect(false)
	})
}

// SetVisible feeds the host environment's foreground/background signal.
// Becoming visible while not connected triggers a connect, and always
// fires the visibility observers so synchronizers can reconcile state
// missed while timers were suspended.
func (m *Manager) SetVisible(visible bool) {
	if !visible {
		return
	}
	m.post(func() {
		m.handlersMu.RLock()
		observers := append([]visSubscription{}, m.visHandlers...)
		m.handlersMu.RUnlock()
		for _, s := range observers {
			s.fn()
		}

		if m.state != StateConnected && m.state != StateConnecting {
			m.attempt = 0
			m.connect(false)
		}
	})
}

// post schedules fn on the run loop. Returns false once stopped.
func (m *Manager) post(fn func()) bool {
	if m.ctx == nil {
		return false
	}
	select {
	case m.commands <- fn:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// run is the single goroutine that owns every state transition and
// dispatches every inbound event, one at a time.
func (m *Manager) run() {
	defer m.wg.Done()

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	defer func() {
		m.stopRetryTimer()
		m.closeClient()
	}()

	for {
		var retryC <-chan time.Time
		if m.retryTimer != nil {
			retryC = m.retryTimer.C
		}

		select {
		case <-m.ctx.Done():
			return

		case fn := <-m.commands:
			fn()

		case <-retryC:
			m.retryTimer = nil
			if m.state == StateReconnecting {
				m.connect(false)
			}

		case <-heartbeat.C:
			m.sendHeartbeat()

		case err := <-m.errCh:
			m.onTransportError(err)

		case msg, ok := <-m.msgCh:
			if !ok {
				m.msgCh = nil
				continue
			}
			m.dispatch(msg)
		}
	}
}

// connect moves to connecting and dials asynchronously so the loop
// stays responsive. force bypasses the already-connecting/connected
// short-circuit (manual reconnect).
func (m *Manager) connect(force bool) {
	if !force && (m.state == StateConnected || m.state == StateConnecting) {
		return
	}

	m.stopRetryTimer()
	m.closeClient()
	m.setState(StateConnecting)

	m.gen++
	gen := m.gen

	cli := m.newClient(ClientConfig{
		URL:          m.cfg.WSURL,
		Token:        m.cfg.Token,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	metrics.ConnectAttempts.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := cli.Connect(m.ctx)
		m.post(func() { m.onConnectResult(gen, cli, err) })
	}()
}

// onConnectResult finishes a dial started by connect. Results from a
// superseded dial (manual reconnect, offline signal) are discarded.
func (m *Manager) onConnectResult(gen int, cli Client, err error) {
	if gen != m.gen || m.state != StateConnecting {
		if err == nil {
			cli.Close()
		}
		return
	}

	if err != nil {
		m.logger.Warn("connect failed", "error", err, "attempt", m.attempt)
		m.scheduleRetry()
		return
	}

	m.mu.Lock()
	m.client = cli
	m.mu.Unlock()
	m.msgCh = cli.Messages()
	m.errCh = cli.Errors()
	m.attempt = 0

	m.setState(StateConnected)

	// Subscribe the session to its personal event scope.
	if data, err := marshalEnvelope(EventJoin, JoinPayload{UserID: m.sess.UserID}); err == nil {
		if err := cli.Send(data); err != nil {
			m.logger.Warn("failed to send join", "error", err)
		}
	}
}

// onTransportError translates a transport failure into a reconnecting
// transition. Errors never escape to consumers.
func (m *Manager) onTransportError(err error) {
	if m.state != StateConnected {
		return
	}
	m.logger.Warn("transport dropped", "error", err)
	metrics.Reconnects.Inc()
	m.closeClient()
	m.scheduleRetry()
}

// scheduleRetry arms the backoff timer for the next attempt or, with
// the schedule exhausted, parks the channel in the failed state.
func (m *Manager) scheduleRetry() {
	m.closeClient()

	if m.attempt >= len(m.cfg.RetrySchedule) {
		m.setState(StateFailed)
		m.logger.Error("retry schedule exhausted, waiting for manual reconnect",
			"attempts", m.attempt,
		)
		return
	}

	delay := m.cfg.RetrySchedule[m.attempt]
	m.attempt++
	m.setState(StateReconnecting)
	m.retryTimer = time.NewTimer(delay)

	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", m.attempt)
}

// sendHeartbeat emits the advisory liveness event. Purely advisory: a
// failed heartbeat never transitions state.
func (m *Manager) sendHeartbeat() {
	m.mu.RLock()
	st, cli := m.state, m.client
	m.mu.RUnlock()

	if st != StateConnected || cli == nil {
		return
	}

	data, err := marshalEnvelope(EventHeartbeat, HeartbeatPayload{
		UserID:    m.sess.UserID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := cli.Send(data); err != nil {
		m.logger.Debug("heartbeat send failed", "error", err)
	}
}

// dispatch parses one inbound frame and runs its handlers serially.
func (m *Manager) dispatch(msg TimestampedMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		m.logger.Warn("failed to parse event frame", "error", err)
		return
	}
	if env.Event == "" {
		m.logger.Debug("skipping frame without event name")
		return
	}

	metrics.PushEvents.WithLabelValues(env.Event).Inc()

	m.handlersMu.RLock()
	subs := append([]subscription{}, m.handlers[env.Event]...)
	m.handlersMu.RUnlock()

	for _, s := range subs {
		s.fn(env.Data)
	}
}

// setState performs a transition and notifies observers on the loop.
func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", prev, "to", next)
	metrics.SetConnectionState(string(next))

	m.handlersMu.RLock()
	observers := append([]stateSubscription{}, m.stateHandlers...)
	m.handlersMu.RUnlock()

	for _, s := range observers {
		s.fn(prev, next)
	}
}

func (m *Manager) closeClient() {
	m.mu.Lock()
	cli := m.client
	m.client = nil
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
	m.msgCh = nil
	m.errCh = nil
}

func (m *Manager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
