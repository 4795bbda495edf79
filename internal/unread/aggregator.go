package unread

import (
	"sync"

	"github.com/locus-chat/locus/internal/bus"
	"github.com/locus-chat/locus/internal/cache"
	"github.com/locus-chat/locus/internal/store"
	"go.uber.org/zap"
)

// Badges carries the two scalar badge counts.
type Badges struct {
	Notifications int `json:"notifications"`
	Conversations int `json:"conversations"`
}

// Aggregator derives badge counts by folding over current state: the
// notification count from the store's local read flags (so optimistic flips
// show immediately), the conversation count from the cached server-held
// unread slots. Counts are recomputed, never cached across mutations.
type Aggregator struct {
	store  *store.Store
	cache  *cache.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	last Badges
	seen bool
}

// NewAggregator creates an aggregator over the given state sources.
func NewAggregator(st *store.Store, db *cache.DB, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, cache: db, bus: b, logger: logger}
}

// NotificationCount returns the unread notification count for the owner.
// An empty owner (no active session) yields zero.
func (a *Aggregator) NotificationCount(ownerID string) int {
	if ownerID == "" {
		return 0
	}
	return a.store.UnreadCount(ownerID)
}

// ConversationCount returns the number of conversations needing attention.
// Each conversation contributes at most one regardless of message volume.
func (a *Aggregator) ConversationCount(ownerID string) int {
	if ownerID == "" {
		return 0
	}
	n, err := a.cache.UnreadConversationCount()
	if err != nil {
		a.logger.Warn("conversation unread count failed", zap.Error(err))
		return 0
	}
	return n
}

// Recompute folds current state into fresh badge counts and publishes a
// badge.updated event when they changed since the last recompute.
func (a *Aggregator) Recompute(ownerID string) Badges {
	b := Badges{
		Notifications: a.NotificationCount(ownerID),
		Conversations: a.ConversationCount(ownerID),
	}

	a.mu.Lock()
	changed := !a.seen || b != a.last
	a.last = b
	a.seen = true
	a.mu.Unlock()

	if changed && a.bus != nil {
		a.bus.Publish(bus.NewEvent(bus.KindBadgeUpdated, b))
	}
	return b
}
