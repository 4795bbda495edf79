package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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

// DefaultRefreshInterval is the periodic pull-based refresh cadence. The
// realtime transport can silently drop a connection without any error
// event; this timer bounds the resulting staleness.
const DefaultRefreshInterval = 45 * time.Second

// DefaultLoadLimit bounds the initial notification batch.
const DefaultLoadLimit = 50

const (
	tableNotifications = "notifications"
	tableConversations = "conversations"
	tableMessages      = "messages"
	tableTyping        = "typing"
)

// Backend is the slice of the backend client the engine consumes directly.
// The remaining surface reaches the backend through the read-state machine,
// the relation resolver, and the typing channel.
type Backend interface {
	ListNotifications(ctx context.Context, ownerID string, limit int) ([]feed.RawRow, error)
	ListConversations(ctx context.Context, ownerID string) ([]cache.Conversation, error)
	ResetConversationUnread(ctx context.Context, convID string) error
}

// Deps carries the engine's collaborators, all constructed for one session.
type Deps struct {
	Session   session.Context
	Bus       *bus.Bus
	Machine   *status.Machine
	Store     *store.Store
	Cache     *cache.DB
	Hydrator  *hydrate.Resolver
	Reads     *readstate.Machine
	Badges    *unread.Aggregator
	Typing    *typing.Channel
	Relations *relation.Resolver
	Backend   Backend
	Feed      feed.Source
	Logger    *zap.Logger
}

// Engine keeps local derived state consistent with the backend's realtime
// row-change feed and exposes the user-action entry points. It owns the
// feed subscriptions and the periodic refresh timer; both start on Start
// and are torn down on Stop, never left dangling after a session ends.
type Engine struct {
	sess      session.Context
	bus       *bus.Bus
	machine   *status.Machine
	store     *store.Store
	cache     *cache.DB
	hydrator  *hydrate.Resolver
	reads     *readstate.Machine
	badges    *unread.Aggregator
	typing    *typing.Channel
	relations *relation.Resolver
	backend   Backend
	feed      feed.Source
	logger    *zap.Logger

	refreshInterval time.Duration
	cancel          context.CancelFunc
	ownerUnsubs     []feed.CancelFunc

	// watchMu guards the single watched-conversation slot. Control
	// connections are served concurrently, so watch/unwatch must swap
	// the subscriptions atomically or a replaced listener could stay
	// live alongside its successor.
	watchMu     sync.Mutex
	convUnsubs  []feed.CancelFunc
	watchedConv string
}

// New creates an engine for the session carried in deps. The session
// identity is fixed at construction; the engine never reads ambient
// global auth state.
func New(d Deps) *Engine {
	return &Engine{
		sess:            d.Session,
		bus:             d.Bus,
		machine:         d.Machine,
		store:           d.Store,
		cache:           d.Cache,
		hydrator:        d.Hydrator,
		reads:           d.Reads,
		badges:          d.Badges,
		typing:          d.Typing,
		relations:       d.Relations,
		backend:         d.Backend,
		feed:            d.Feed,
		logger:          d.Logger,
		refreshInterval: DefaultRefreshInterval,
	}
}

// Start performs the initial batch load, opens the owner-scoped feed
// subscriptions, and starts the periodic refresh. Without an active
// session the engine stays inert: every operation degrades to a neutral
// result instead of failing.
func (e *Engine) Start(ctx context.Context) error {
	if !e.sess.Active() {
		e.logger.Info("no signed-in identity, engine idle")
		_ = e.machine.Transition(status.SignedOut)
		return nil
	}

	ctx, e.cancel = context.WithCancel(ctx)

	_ = e.machine.Transition(status.Connecting)
	_ = e.machine.Transition(status.Backfilling)
	if err := e.refresh(ctx); err != nil {
		// Start degraded; the periodic refresh keeps retrying.
		e.logger.Warn("initial load failed", zap.Error(err))
		_ = e.machine.Transition(status.Degraded)
	} else {
		_ = e.machine.Transition(status.Live)
	}

	owner := e.sess.OwnerID
	notifUnsub, err := e.feed.Subscribe(feed.Scope{Table: tableNotifications, Key: owner}, feed.Handlers{
		OnInsert: e.handleNotificationUpsert,
		OnUpdate: e.handleNotificationUpsert,
		OnDelete: e.handleNotificationDelete,
	})
	if err != nil {
		e.cancel()
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	e.ownerUnsubs = append(e.ownerUnsubs, notifUnsub)

	convUnsub, err := e.feed.Subscribe(feed.Scope{Table: tableConversations, Key: owner}, feed.Handlers{
		OnInsert: e.handleConversationUpsert,
		OnUpdate: e.handleConversationUpsert,
		OnDelete: e.handleConversationDelete,
	})
	if err != nil {
		e.teardownSubscriptions()
		e.cancel()
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	e.ownerUnsubs = append(e.ownerUnsubs, convUnsub)

	go e.refreshLoop(ctx)
	return nil
}

// Stop cancels the refresh timer, tears down feed subscriptions, and
// closes any open typing signals.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.teardownSubscriptions()
	e.typing.Stop()
}

func (e *Engine) teardownSubscriptions() {
	e.UnwatchConversation()
	for _, unsub := range e.ownerUnsubs {
		unsub()
	}
	e.ownerUnsubs = nil
}

func (e *Engine) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.refresh(ctx); err != nil {
				e.logger.Warn("periodic refresh failed", zap.Error(err))
				continue
			}
			// A successful pull repairs any silent connection drop.
			if cur := e.machine.Current(); cur == status.Degraded || cur == status.Reconnecting {
				_ = e.machine.Transition(status.Live)
			}
		case <-ctx.Done():
			return
		}
	}
}

// refresh pulls the authoritative server state and replaces local derived
// state wholesale. Server values win over optimistic local flags here:
// drift from a failed optimistic write is corrected, bounded by the
// refresh interval.
func (e *Engine) refresh(ctx context.Context) error {
	owner := e.sess.OwnerID

	rows, err := e.backend.ListNotifications(ctx, owner, DefaultLoadLimit)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	e.store.ReplaceAll(e.hydrator.Hydrate(ctx, rows))

	convs, err := e.backend.ListConversations(ctx, owner)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if err := e.cache.ReplaceConversations(convs); err != nil {
		return fmt.Errorf("replace conversation cache: %w", err)
	}

	e.afterMutation()
	return nil
}

// handleNotificationUpsert folds one realtime insert/update into the
// store. Updates for unknown ids are inserts; duplicates converge by the
// store's idempotent merge. Rows for foreign owners are dropped: the
// transport's server-side filter is advisory only.
func (e *Engine) handleNotificationUpsert(row feed.RawRow) {
	if row.OwnerID != e.sess.OwnerID {
		return
	}
	recs := e.hydrator.Hydrate(context.Background(), []feed.RawRow{row})
	e.store.ApplyInsertOrUpdate(recs[0])
	e.afterMutation()
}

func (e *Engine) handleNotificationDelete(row feed.RawRow) {
	e.store.ApplyDelete(row.ID)
	e.afterMutation()
}

func (e *Engine) handleConversationUpsert(row feed.RawRow) {
	if row.OwnerID != "" && row.OwnerID != e.sess.OwnerID {
		return
	}
	conv := conversationFromRow(row)
	if err := e.cache.UpsertConversation(&conv); err != nil {
		e.logger.Warn("conversation cache upsert failed", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}
	e.afterMutation()
}

func (e *Engine) handleConversationDelete(row feed.RawRow) {
	// Conversations are not deleted from the cache on a feed delete; the
	// periodic refresh drops rows the server no longer returns.
	e.afterMutation()
}

// afterMutation publishes the current sorted snapshot and recomputes
// badges. Called after every store or cache mutation and every read-state
// transition.
func (e *Engine) afterMutation() {
	if e.bus != nil {
		e.bus.Publish(bus.NewEvent(bus.KindStoreChanged, e.store.List()))
	}
	e.badges.Recompute(e.sess.OwnerID)
}

// ListForOwner returns the newest records for the session owner plus the
// owner id, for the initial UI render. Without a session it returns an
// empty list.
func (e *Engine) ListForOwner(limit int) ([]store.Record, string) {
	if !e.sess.Active() {
		return nil, ""
	}
	recs := e.store.List()
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, e.sess.OwnerID
}

// UnreadNotificationCount returns the notification badge value.
func (e *Engine) UnreadNotificationCount() int {
	return e.badges.NotificationCount(e.sess.OwnerID)
}

// UnreadConversationCount returns the conversation badge value.
func (e *Engine) UnreadConversationCount() int {
	return e.badges.ConversationCount(e.sess.OwnerID)
}

// MarkOne marks a single notification read, optimistically.
func (e *Engine) MarkOne(ctx context.Context, id string) error {
	if !e.sess.Active() {
		return nil
	}
	err := e.reads.MarkOne(ctx, id)
	e.afterMutation()
	return err
}

// MarkAll marks every unread notification read, optimistically. A
// concurrent in-flight mark-all makes this a no-op success.
func (e *Engine) MarkAll(ctx context.Context) error {
	if !e.sess.Active() {
		return nil
	}
	err := e.reads.MarkAll(ctx, e.sess.OwnerID)
	if errors.Is(err, readstate.ErrMarkAllInFlight) {
		err = nil
	}
	e.afterMutation()
	return err
}

// AcceptRequest accepts a pending relationship request from requestorID.
func (e *Engine) AcceptRequest(ctx context.Context, requestorID string) error {
	err := e.relations.Accept(ctx, requestorID)
	e.afterMutation()
	return err
}

// DeclineRequest declines a pending relationship request from requestorID.
func (e *Engine) DeclineRequest(ctx context.Context, requestorID string) error {
	err := e.relations.Decline(ctx, requestorID)
	e.afterMutation()
	return err
}

// SendMessage queues a message for the outbox sender and returns the
// client message id. The message appears locally before the backend
// acknowledges it.
func (e *Engine) SendMessage(convID, body string) (string, error) {
	if !e.sess.Active() {
		return "", backend.ErrNoSession
	}
	clientMsgID := uuid.New().String()
	if err := e.cache.QueueOutbox(clientMsgID, convID, body); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	return clientMsgID, nil
}

// SetTyping updates the local typing signal for a conversation.
func (e *Engine) SetTyping(convID string, active bool) {
	if !e.sess.Active() {
		return
	}
	e.typing.SetTyping(convID, active)
}

// RemoteTyping reports whether another participant is typing in the
// conversation.
func (e *Engine) RemoteTyping(convID string) bool {
	return e.typing.RemoteTyping(convID)
}

// WatchConversation opens the message and typing subscriptions for one
// conversation and resets its unread slot. Any previously watched
// conversation is unsubscribed first so two live listeners never write
// into the same store concurrently; re-watching the current conversation
// is a no-op.
func (e *Engine) WatchConversation(convID string) error {
	if !e.sess.Active() {
		return nil
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	if e.watchedConv == convID {
		return nil
	}
	e.unwatchLocked()

	msgUnsub, err := e.feed.Subscribe(feed.Scope{Table: tableMessages, Key: convID}, feed.Handlers{
		OnInsert: func(row feed.RawRow) { e.handleMessage(convID, row) },
		OnUpdate: func(row feed.RawRow) { e.handleMessage(convID, row) },
	})
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}

	typingUnsub, err := e.feed.Subscribe(feed.Scope{Table: tableTyping, Key: convID}, feed.Handlers{
		OnInsert: func(row feed.RawRow) { e.typing.HandleRemote(convID, typingUserID(row), true) },
		OnUpdate: func(row feed.RawRow) { e.typing.HandleRemote(convID, typingUserID(row), true) },
		OnDelete: func(row feed.RawRow) { e.typing.HandleRemote(convID, typingUserID(row), false) },
	})
	if err != nil {
		msgUnsub()
		return fmt.Errorf("subscribe typing: %w", err)
	}

	e.convUnsubs = []feed.CancelFunc{msgUnsub, typingUnsub}
	e.watchedConv = convID

	// Opening the thread consumes its unread slot.
	if err := e.cache.ResetUnread(convID); err != nil {
		e.logger.Warn("unread slot reset failed locally", zap.String("conversation", convID), zap.Error(err))
	}
	if err := e.backend.ResetConversationUnread(context.Background(), convID); err != nil {
		e.logger.Warn("unread slot reset failed upstream", zap.String("conversation", convID), zap.Error(err))
	}
	e.afterMutation()
	return nil
}

// UnwatchConversation tears down the current conversation subscriptions.
func (e *Engine) UnwatchConversation() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	e.unwatchLocked()
}

func (e *Engine) unwatchLocked() {
	for _, unsub := range e.convUnsubs {
		unsub()
	}
	e.convUnsubs = nil
	e.watchedConv = ""
}

func (e *Engine) handleMessage(convID string, row feed.RawRow) {
	msg := messageFromRow(convID, row)
	if msg.MsgID == "" {
		return
	}
	if err := e.cache.UpsertMessage(&msg); err != nil {
		e.logger.Warn("message cache upsert failed", zap.String("msg_id", msg.MsgID), zap.Error(err))
		return
	}
	_ = e.cache.TouchConversationPreview(convID, msg.Body, msg.SentAt)
	if e.bus != nil {
		e.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, map[string]string{
			"conversation_id": convID,
			"msg_id":          msg.MsgID,
		}))
	}
	e.badges.Recompute(e.sess.OwnerID)
}
