package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/locus-chat/locus/internal/backend"
	"github.com/locus-chat/locus/internal/bus"
	"github.com/locus-chat/locus/internal/cache"
	"github.com/locus-chat/locus/internal/feed"
	"github.com/locus-chat/locus/internal/hydrate"
	"github.com/locus-chat/locus/internal/readstate"
	"github.com/locus-chat/locus/internal/relation"
	"github.com/locus-chat/locus/internal/session"
	"github.com/locus-chat/locus/internal/status"
	"github.com/locus-chat/locus/internal/store"
	"github.com/locus-chat/locus/internal/typing"
	"github.com/locus-chat/locus/internal/unread"
	"go.uber.org/zap"
)

// fakeBackend covers every backend-facing interface the engine's
// collaborators consume, so one fake serves the whole harness.
type fakeBackend struct {
	mu            sync.Mutex
	notifications []feed.RawRow
	conversations []cache.Conversation
	summaries     map[string]store.ParticipantSummary
	unreadResets  []string
	readWrites    []string
	markAllOwners []string
	typingSent    []string
	typingCleared []string
	relations     [][2]string
}

func (f *fakeBackend) ListNotifications(ctx context.Context, ownerID string, limit int) ([]feed.RawRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.RawRow(nil), f.notifications...), nil
}

func (f *fakeBackend) ListConversations(ctx context.Context, ownerID string) ([]cache.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cache.Conversation(nil), f.conversations...), nil
}

func (f *fakeBackend) ResetConversationUnread(ctx context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadResets = append(f.unreadResets, convID)
	return nil
}

func (f *fakeBackend) ResolveSummaries(ctx context.Context, ids []string) ([]store.ParticipantSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ParticipantSummary, 0, len(ids))
	for _, id := range ids {
		if s, ok := f.summaries[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) UpdateNotificationRead(ctx context.Context, id string, onlyIfUnread bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readWrites = append(f.readWrites, id)
	return nil
}

func (f *fakeBackend) MarkAllNotificationsRead(ctx context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllOwners = append(f.markAllOwners, ownerID)
	return nil
}

func (f *fakeBackend) UpsertRelation(ctx context.Context, subjectID, objectID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relations = append(f.relations, [2]string{subjectID, objectID})
	return nil
}

func (f *fakeBackend) ResolvePendingRequest(ctx context.Context, requestorID, ownerID, resolution string) error {
	return nil
}

func (f *fakeBackend) SendTyping(ctx context.Context, convID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingSent = append(f.typingSent, convID)
	return nil
}

func (f *fakeBackend) ClearTyping(ctx context.Context, convID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCleared = append(f.typingCleared, convID)
	return nil
}

// fakeFeed records subscriptions by scope and lets tests push rows
// straight into the registered handlers.
type fakeFeed struct {
	mu       sync.Mutex
	handlers map[string]feed.Handlers
	cancels  map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers: make(map[string]feed.Handlers),
		cancels:  make(map[string]int),
	}
}

func (f *fakeFeed) Subscribe(scope feed.Scope, h feed.Handlers) (feed.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := scope.String()
	f.handlers[key] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels[key]++
		delete(f.handlers, key)
	}, nil
}

func (f *fakeFeed) push(t *testing.T, scope feed.Scope, kind feed.ChangeKind, row feed.RawRow) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[scope.String()]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for scope %s", scope)
	}
	switch kind {
	case feed.ChangeInsert:
		h.OnInsert(row)
	case feed.ChangeUpdate:
		h.OnUpdate(row)
	case feed.ChangeDelete:
		h.OnDelete(row)
	}
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	feed    *fakeFeed
	bus     *bus.Bus
	machine *status.Machine
	store   *store.Store
	cache   *cache.DB
}

func newHarness(t *testing.T, owner string) *harness {
	t.Helper()

	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	fb := &fakeBackend{summaries: make(map[string]store.ParticipantSummary)}
	ff := newFakeFeed()
	b := bus.New()
	st := store.New()
	machine := status.NewMachine(b)
	reads := readstate.NewMachine(st, fb, logger)

	sess := session.Context{Name: "default", OwnerID: owner, Token: "tok"}
	eng := New(Deps{
		Session:   sess,
		Bus:       b,
		Machine:   machine,
		Store:     st,
		Cache:     db,
		Hydrator:  hydrate.New(fb, logger),
		Reads:     reads,
		Badges:    unread.NewAggregator(st, db, b, logger),
		Typing:    typing.NewChannel(fb, owner, b, logger),
		Relations: relation.NewResolver(fb, reads, st, owner, logger),
		Backend:   fb,
		Feed:      ff,
		Logger:    logger,
	})
	return &harness{engine: eng, backend: fb, feed: ff, bus: b, machine: machine, store: st, cache: db}
}

func notifRow(id, owner string, read bool) feed.RawRow {
	return feed.RawRow{
		ID:        id,
		OwnerID:   owner,
		Kind:      "mention",
		Read:      read,
		CreatedAt: time.Now().Unix(),
		Payload:   map[string]any{"user_id": "u-2"},
	}
}

func TestEngineStartBackfillsAndGoesLive(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.notifications = []feed.RawRow{
		notifRow("n1", "owner-1", false),
		notifRow("n2", "owner-1", true),
	}
	h.backend.conversations = []cache.Conversation{
		{ID: "c1", OtherUserID: "u-2", DisplayName: "Ada", UnreadCount: 2},
	}
	h.backend.summaries["u-2"] = store.ParticipantSummary{ID: "u-2", DisplayName: "Ada"}

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if got := h.machine.Current(); got != status.Live {
		t.Fatalf("status = %s, want %s", got, status.Live)
	}
	if h.store.Len() != 2 {
		t.Fatalf("store has %d records, want 2", h.store.Len())
	}
	rec, ok := h.store.Get("n1")
	if !ok || len(rec.Participants) != 1 || rec.Participants[0].DisplayName != "Ada" {
		t.Fatalf("record n1 not hydrated: %+v", rec)
	}
	conv, err := h.cache.GetConversation("c1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv == nil || conv.UnreadCount != 2 {
		t.Fatalf("conversation not cached: %+v", conv)
	}
	if h.engine.UnreadNotificationCount() != 1 {
		t.Fatalf("notification badge = %d, want 1", h.engine.UnreadNotificationCount())
	}
	if h.engine.UnreadConversationCount() != 1 {
		t.Fatalf("conversation badge = %d, want 1", h.engine.UnreadConversationCount())
	}
}

func TestEngineWithoutSessionStaysIdle(t *testing.T) {
	h := newHarness(t, "")

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.machine.Current(); got != status.SignedOut {
		t.Fatalf("status = %s, want %s", got, status.SignedOut)
	}
	recs, owner := h.engine.ListForOwner(10)
	if recs != nil || owner != "" {
		t.Fatalf("expected neutral list, got %v owner %q", recs, owner)
	}
	if err := h.engine.MarkOne(context.Background(), "n1"); err != nil {
		t.Fatalf("mark-one without session should be a no-op, got %v", err)
	}
	if _, err := h.engine.SendMessage("c1", "hi"); !errors.Is(err, backend.ErrNoSession) {
		t.Fatalf("send without session = %v, want ErrNoSession", err)
	}
	if h.engine.UnreadNotificationCount() != 0 {
		t.Fatalf("badge without session = %d, want 0", h.engine.UnreadNotificationCount())
	}
}

func TestEngineFeedUpsertPublishesSnapshot(t *testing.T) {
	h := newHarness(t, "owner-1")
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	events, unsub := h.bus.Subscribe(string(bus.KindStoreChanged), 8)
	defer unsub()

	scope := feed.Scope{Table: tableNotifications, Key: "owner-1"}
	h.feed.push(t, scope, feed.ChangeInsert, notifRow("n1", "owner-1", false))

	select {
	case evt := <-events:
		recs, ok := evt.Payload.([]store.Record)
		if !ok || len(recs) != 1 || recs[0].ID != "n1" {
			t.Fatalf("unexpected snapshot payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no store.changed event after feed insert")
	}

	// A row for another owner must be dropped even if the transport
	// delivers it.
	h.feed.push(t, scope, feed.ChangeInsert, notifRow("n-foreign", "owner-2", false))
	if _, ok := h.store.Get("n-foreign"); ok {
		t.Fatal("foreign-owner row reached the store")
	}
}

func TestEngineFeedDeleteRemovesRecord(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.notifications = []feed.RawRow{notifRow("n1", "owner-1", false)}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	scope := feed.Scope{Table: tableNotifications, Key: "owner-1"}
	h.feed.push(t, scope, feed.ChangeDelete, feed.RawRow{ID: "n1"})

	if _, ok := h.store.Get("n1"); ok {
		t.Fatal("record survived feed delete")
	}
}

func TestEngineRefreshServerStateWins(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.notifications = []feed.RawRow{notifRow("n1", "owner-1", false)}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if err := h.engine.MarkOne(context.Background(), "n1"); err != nil {
		t.Fatalf("mark one: %v", err)
	}
	if rec, _ := h.store.Get("n1"); !rec.Read {
		t.Fatal("optimistic flip did not apply")
	}

	// The server still reports the row unread; the refresh replaces the
	// optimistic flag with the authoritative value.
	if err := h.engine.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec, _ := h.store.Get("n1"); rec.Read {
		t.Fatal("refresh kept optimistic flag over server state")
	}
}

func TestEngineMarkAllFlipsAndWrites(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.notifications = []feed.RawRow{
		notifRow("n1", "owner-1", false),
		notifRow("n2", "owner-1", false),
	}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if err := h.engine.MarkAll(context.Background()); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if got := h.engine.UnreadNotificationCount(); got != 0 {
		t.Fatalf("badge after mark-all = %d, want 0", got)
	}
	if len(h.backend.markAllOwners) != 1 || h.backend.markAllOwners[0] != "owner-1" {
		t.Fatalf("bulk write owners = %v", h.backend.markAllOwners)
	}
}

func TestEngineWatchConversationReplacesPrevious(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.conversations = []cache.Conversation{
		{ID: "c1", UnreadCount: 3},
		{ID: "c2", UnreadCount: 1},
	}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if err := h.engine.WatchConversation("c1"); err != nil {
		t.Fatalf("watch c1: %v", err)
	}
	if err := h.engine.WatchConversation("c2"); err != nil {
		t.Fatalf("watch c2: %v", err)
	}

	h.feed.mu.Lock()
	c1Msgs := h.feed.cancels[feed.Scope{Table: tableMessages, Key: "c1"}.String()]
	c1Typing := h.feed.cancels[feed.Scope{Table: tableTyping, Key: "c1"}.String()]
	h.feed.mu.Unlock()
	if c1Msgs != 1 || c1Typing != 1 {
		t.Fatalf("c1 subscriptions not torn down: msgs=%d typing=%d", c1Msgs, c1Typing)
	}

	// Opening each thread consumed its unread slot, locally and upstream.
	for _, id := range []string{"c1", "c2"} {
		conv, err := h.cache.GetConversation(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if conv.UnreadCount != 0 {
			t.Fatalf("%s unread = %d after watch, want 0", id, conv.UnreadCount)
		}
	}
	if len(h.backend.unreadResets) != 2 {
		t.Fatalf("upstream resets = %v", h.backend.unreadResets)
	}

	// Messages for the watched conversation land in the cache and
	// advance the preview.
	h.feed.push(t, feed.Scope{Table: tableMessages, Key: "c2"}, feed.ChangeInsert, feed.RawRow{
		ID:        "m1",
		OwnerID:   "u-2",
		CreatedAt: 1700000000,
		Payload:   map[string]any{"sender_id": "u-2", "body": "hello", "sent_at": float64(1700000000)},
	})
	msgs, err := h.cache.ListMessages("c2", 0, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("message not cached: %+v", msgs)
	}
	conv, err := h.cache.GetConversation("c2")
	if err != nil {
		t.Fatalf("get c2: %v", err)
	}
	if conv.LastMessageText != "hello" {
		t.Fatalf("preview = %q, want %q", conv.LastMessageText, "hello")
	}
}

func TestEngineSendMessageQueuesOutbox(t *testing.T) {
	h := newHarness(t, "owner-1")
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	clientID, err := h.engine.SendMessage("c1", "on my way")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if clientID == "" {
		t.Fatal("empty client message id")
	}
	pending, err := h.cache.PendingOutbox()
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != clientID || pending[0].Body != "on my way" {
		t.Fatalf("outbox = %+v", pending)
	}
}

func TestEngineWatchSameConversationIsNoop(t *testing.T) {
	h := newHarness(t, "owner-1")
	h.backend.conversations = []cache.Conversation{{ID: "c1", UnreadCount: 2}}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if err := h.engine.WatchConversation("c1"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := h.engine.WatchConversation("c1"); err != nil {
		t.Fatalf("re-watch: %v", err)
	}

	h.feed.mu.Lock()
	cancels := h.feed.cancels[feed.Scope{Table: tableMessages, Key: "c1"}.String()]
	h.feed.mu.Unlock()
	if cancels != 0 {
		t.Fatalf("re-watching the open conversation replaced its subscriptions (%d cancels)", cancels)
	}
	if len(h.backend.unreadResets) != 1 {
		t.Fatalf("upstream resets = %v, want one", h.backend.unreadResets)
	}
}

func TestEngineConcurrentWatchLeavesOneListener(t *testing.T) {
	h := newHarness(t, "owner-1")
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		conv := "c1"
		if i%2 == 1 {
			conv = "c2"
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.engine.WatchConversation(conv)
		}()
		go func() {
			defer wg.Done()
			h.engine.UnwatchConversation()
		}()
	}
	wg.Wait()

	// Every replaced subscription must have been cancelled: after a
	// final unwatch only the two owner-scoped subscriptions survive.
	h.engine.UnwatchConversation()
	h.feed.mu.Lock()
	remaining := len(h.feed.handlers)
	h.feed.mu.Unlock()
	if remaining != 2 {
		t.Fatalf("%d live subscriptions after unwatch, want the 2 owner scopes", remaining)
	}
}
