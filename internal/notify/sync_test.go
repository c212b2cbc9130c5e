package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tradeloop/chatwire/internal/api"
	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/model"
)

type fakeChannel struct {
	mu       sync.Mutex
	state    channel.State
	handlers map[string]map[int]channel.Handler
	visible  map[int]func()
	nextID   int
}

func newFakeChannel(state channel.State) *fakeChannel {
	return &fakeChannel{
		state:    state,
		handlers: make(map[string]map[int]channel.Handler),
		visible:  make(map[int]func()),
	}
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s channel.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(event string, fn channel.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]channel.Handler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeChannel) OnVisible(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.visible[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.visible, id)
	}
}

func (f *fakeChannel) visibleObservers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visible)
}

func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	f.mu.Lock()
	fns := make([]channel.Handler, 0, len(f.handlers[event]))
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

type fakeAPI struct {
	mu         sync.Mutex
	feed       api.NotificationFeed
	fetchCount int
	markedRead []string
	deleted    []string
	cleared    int
	markErr    error
	deleteErr  error
	clearErr   error
	release    chan struct{} // when non-nil, Notifications blocks until closed
}

func (f *fakeAPI) Notifications(ctx context.Context) (api.NotificationFeed, error) {
	f.mu.Lock()
	f.fetchCount++
	release := f.release
	feed := api.NotificationFeed{
		Notifications: append([]model.Notification(nil), f.feed.Notifications...),
		UnreadCount:   f.feed.UnreadCount,
	}
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return api.NotificationFeed{}, ctx.Err()
		}
	}
	return feed, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeAPI) DeleteNotification(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) ClearAllNotifications(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func (f *fakeAPI) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notif(id string, read bool) model.Notification {
	return model.Notification{
		ID:        id,
		UserID:    "self",
		Category:  model.NotifyMessage,
		Title:     "t-" + id,
		Read:      read,
		CreatedAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func newTestSync(t *testing.T, ch Channel, apiClient API, opts Options) *Sync {
	t.Helper()
	s := NewSync(Config{PollInterval: time.Hour}, ch, apiClient, nil, opts, quietLogger())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loaded
	}, "initial feed load")
	return s
}

func TestSync_LoadTakesServerFeedAndCount(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false), notif("n2", true)},
		UnreadCount:   1,
	}}
	s := newTestSync(t, ch, fa, Options{})

	list, unread := s.Notifications()
	if len(list) != 2 || unread != 1 {
		t.Errorf("feed = %d items unread %d, want 2 items unread 1", len(list), unread)
	}
}

func TestSync_NewNotificationPrepends(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false)},
		UnreadCount:   1,
	}}
	s := newTestSync(t, ch, fa, Options{})

	ch.push(t, channel.EventNewNotification, channel.NewNotificationPayload{Notification: notif("n2", false)})

	list, unread := s.Notifications()
	if len(list) != 2 || list[0].ID != "n2" {
		t.Fatalf("feed = %+v, want n2 first", list)
	}
	if unread != 2 {
		t.Errorf("unread = %d, want 2", unread)
	}

	// Replayed push of the same id must not duplicate or recount.
	ch.push(t, channel.EventNewNotification, channel.NewNotificationPayload{Notification: notif("n2", false)})
	list, unread = s.Notifications()
	if len(list) != 2 || unread != 2 {
		t.Errorf("after replay: %d items unread %d, want 2 items unread 2", len(list), unread)
	}
}

func TestSync_UpdateUsesServerCountWhenPresent(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false), notif("n2", false)},
		UnreadCount:   2,
	}}
	s := newTestSync(t, ch, fa, Options{})

	read := true
	serverCount := 5 // deliberately different from a local recount
	ch.push(t, channel.EventNotificationUpdated, channel.NotificationUpdatedPayload{
		NotificationID: "n1",
		Updates:        model.NotificationPatch{Read: &read},
		UnreadCount:    &serverCount,
	})

	_, unread := s.Notifications()
	if unread != 5 {
		t.Errorf("unread = %d, want server-supplied 5", unread)
	}
}

func TestSync_UpdateRecountsWithoutServerCount(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false), notif("n2", false)},
		UnreadCount:   2,
	}}
	s := newTestSync(t, ch, fa, Options{})

	ch.push(t, channel.EventNotificationUpdated, channel.NotificationUpdatedPayload{
		NotificationID: "n2",
		Updates:        model.NotificationPatch{Deleted: true},
	})

	list, unread := s.Notifications()
	if len(list) != 1 || list[0].ID != "n1" {
		t.Fatalf("feed = %+v, want [n1]", list)
	}
	if unread != 1 {
		t.Errorf("unread = %d, want recomputed 1", unread)
	}
}

func TestSync_MarkReadOptimistic(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false), notif("n2", false), notif("n3", false)},
		UnreadCount:   3,
	}}
	s := newTestSync(t, ch, fa, Options{})

	s.MarkRead(context.Background(), "n2")

	list, unread := s.Notifications()
	if unread != 2 {
		t.Errorf("unread = %d, want 2 before server responds", unread)
	}
	for _, n := range list {
		if n.ID == "n2" && !n.Read {
			t.Error("n2 not marked read locally")
		}
	}
	waitFor(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.markedRead) == 1
	}, "server mark-read call")
}

func TestSync_MarkReadRollsBackOnServerError(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{
		feed: api.NotificationFeed{
			Notifications: []model.Notification{notif("n1", false)},
			UnreadCount:   1,
		},
		markErr: errors.New("boom"),
	}
	var mu sync.Mutex
	var failedOps []string
	s := newTestSync(t, ch, fa, Options{OnError: func(op string, err error) {
		mu.Lock()
		failedOps = append(failedOps, op)
		mu.Unlock()
	}})

	s.MarkRead(context.Background(), "n1")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failedOps) == 1
	}, "rollback error surfaced")

	list, unread := s.Notifications()
	if list[0].Read || unread != 1 {
		t.Errorf("after rollback: read=%v unread=%d, want unread original state", list[0].Read, unread)
	}
	mu.Lock()
	defer mu.Unlock()
	if failedOps[0] != "mark-read" {
		t.Errorf("failed op = %s, want mark-read", failedOps[0])
	}
}

func TestSync_DeleteRollsBackInPlace(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{
		feed: api.NotificationFeed{
			Notifications: []model.Notification{notif("n1", false), notif("n2", false), notif("n3", false)},
			UnreadCount:   3,
		},
		deleteErr: errors.New("boom"),
	}
	var mu sync.Mutex
	errored := false
	s := newTestSync(t, ch, fa, Options{OnError: func(op string, err error) {
		mu.Lock()
		errored = true
		mu.Unlock()
	}})

	s.Delete(context.Background(), "n2")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errored
	}, "rollback error surfaced")

	list, unread := s.Notifications()
	if len(list) != 3 || list[1].ID != "n2" {
		t.Errorf("feed = %+v, want n2 restored at its position", list)
	}
	if unread != 3 {
		t.Errorf("unread = %d, want 3", unread)
	}
}

func TestSync_ClearAllOptimisticAndBulkPush(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false), notif("n2", true)},
		UnreadCount:   1,
	}}
	s := newTestSync(t, ch, fa, Options{})

	s.ClearAll(context.Background())
	list, unread := s.Notifications()
	if len(list) != 0 || unread != 0 {
		t.Errorf("after ClearAll: %d items unread %d, want empty", len(list), unread)
	}
	waitFor(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return fa.cleared == 1
	}, "server clear call")

	// A pushed clear_all empties the feed without a server round trip.
	ch.push(t, channel.EventNewNotification, channel.NewNotificationPayload{Notification: notif("n3", false)})
	ch.push(t, channel.EventNotificationsBulk, channel.BulkUpdatePayload{Type: bulkClearAll})
	list, unread = s.Notifications()
	if len(list) != 0 || unread != 0 {
		t.Errorf("after bulk clear: %d items unread %d, want empty", len(list), unread)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.cleared != 1 {
		t.Errorf("server clears = %d, want 1 (push is the ack)", fa.cleared)
	}
}

func TestSync_PollOnlyWhileNotConnected(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{}
	s := NewSync(Config{PollInterval: 5 * time.Millisecond}, ch, fa, nil, Options{}, quietLogger())
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return fa.fetches() >= 1 }, "initial fetch")
	base := fa.fetches()

	time.Sleep(40 * time.Millisecond)
	if got := fa.fetches(); got != base {
		t.Errorf("fetches while connected = %d, want %d", got, base)
	}

	ch.setState(channel.StateReconnecting)
	waitFor(t, func() bool { return fa.fetches() > base }, "poll after disconnect")
}

func TestSync_LoadMergesPushBufferedDuringFetch(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{
		feed: api.NotificationFeed{
			Notifications: []model.Notification{notif("n1", false)},
			UnreadCount:   1,
		},
		release: make(chan struct{}),
	}
	s := NewSync(Config{PollInterval: time.Hour}, ch, fa, nil, Options{}, quietLogger())
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return fa.fetches() >= 1 }, "initial fetch")

	// Push fans out while the fetch is in flight; the fetched snapshot
	// was taken server-side before it and does not contain n2.
	ch.push(t, channel.EventNewNotification, channel.NewNotificationPayload{Notification: notif("n2", false)})
	close(fa.release)

	waitFor(t, func() bool {
		list, _ := s.Notifications()
		return len(list) == 2
	}, "load merged buffered push")

	list, unread := s.Notifications()
	if list[0].ID != "n2" || list[1].ID != "n1" {
		t.Errorf("feed = [%s %s], want [n2 n1]", list[0].ID, list[1].ID)
	}
	if unread != 2 {
		t.Errorf("unread = %d, want 2", unread)
	}
}

func TestSync_BufferedPushAlsoInSnapshotNotDuplicated(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{
		feed: api.NotificationFeed{
			Notifications: []model.Notification{notif("n1", false)},
			UnreadCount:   1,
		},
		release: make(chan struct{}),
	}
	s := NewSync(Config{PollInterval: time.Hour}, ch, fa, nil, Options{}, quietLogger())
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return fa.fetches() >= 1 }, "initial fetch")

	// The snapshot caught this one; the buffered copy must collapse.
	ch.push(t, channel.EventNewNotification, channel.NewNotificationPayload{Notification: notif("n1", false)})
	close(fa.release)

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loaded
	}, "load complete")

	list, unread := s.Notifications()
	if len(list) != 1 || unread != 1 {
		t.Errorf("feed = %d items unread %d, want 1 item unread 1", len(list), unread)
	}
}

func TestSync_StopUnregistersObservers(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{}

	for i := 0; i < 10; i++ {
		s := NewSync(Config{PollInterval: time.Hour}, ch, fa, nil, Options{}, quietLogger())
		s.Start(context.Background())
		s.Stop()
	}

	if got := ch.visibleObservers(); got != 0 {
		t.Errorf("visibility observers after Stop = %d, want 0", got)
	}
}

func TestSync_MutationsAfterStopAreNoOps(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false)},
		UnreadCount:   1,
	}}
	s := newTestSync(t, ch, fa, Options{})
	s.Stop()

	s.MarkRead(context.Background(), "n1")
	s.Delete(context.Background(), "n1")
	s.ClearAll(context.Background())

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.markedRead) != 0 || len(fa.deleted) != 0 || fa.cleared != 0 {
		t.Errorf("server calls after Stop: marked=%v deleted=%v cleared=%d, want none",
			fa.markedRead, fa.deleted, fa.cleared)
	}
}

func TestSync_UpdateForUnknownIDIgnored(t *testing.T) {
	ch := newFakeChannel(channel.StateConnected)
	fa := &fakeAPI{feed: api.NotificationFeed{
		Notifications: []model.Notification{notif("n1", false)},
		UnreadCount:   1,
	}}
	s := newTestSync(t, ch, fa, Options{})

	read := true
	ch.push(t, channel.EventNotificationUpdated, channel.NotificationUpdatedPayload{
		NotificationID: "n9",
		Updates:        model.NotificationPatch{Read: &read},
	})

	list, unread := s.Notifications()
	if len(list) != 1 || unread != 1 {
		t.Errorf("feed = %d items unread %d, want untouched", len(list), unread)
	}
}
