package typing

import (
	"context"
	"sync"
	"time"

	"github.com/locus-chat/locus/internal/bus"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long the local typing signal stays open with no
// further input before auto-closing.
const DefaultIdleTimeout = 3 * time.Second

// Sender opens and clears the ephemeral typing row for (conversation, user).
type Sender interface {
	SendTyping(ctx context.Context, convID, userID string) error
	ClearTyping(ctx context.Context, convID, userID string) error
}

// Change is the payload for typing.changed events.
type Change struct {
	ConversationID string
	UserID         string
	Active         bool
}

// Channel manages typing signals in both directions. Outgoing signals are
// debounced locally: the first keystroke opens the signal, each further one
// resets a 3 s inactivity timer, and expiry (or an explicit stop) closes
// it. Incoming signals are applied as-is, filtered to exclude the session's
// own id — the sender already debounced. Sends are best-effort: a typing
// indicator must never block or fail message sending.
type Channel struct {
	sender Sender
	selfID string
	bus    *bus.Bus
	logger *zap.Logger
	idle   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer       // conversations with an open local signal
	remote map[string]map[string]struct{} // convID -> user ids currently typing
}

// NewChannel creates a typing channel for the session identified by selfID.
func NewChannel(sender Sender, selfID string, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		sender: sender,
		selfID: selfID,
		bus:    b,
		logger: logger,
		idle:   DefaultIdleTimeout,
		timers: make(map[string]*time.Timer),
		remote: make(map[string]map[string]struct{}),
	}
}

// SetTyping updates the local typing signal for a conversation. active=true
// corresponds to non-empty input: it opens the signal if closed, otherwise
// just resets the inactivity timer. active=false closes it immediately
// (typically on send).
func (c *Channel) SetTyping(convID string, active bool) {
	c.mu.Lock()
	timer, open := c.timers[convID]

	if !active {
		if !open {
			c.mu.Unlock()
			return
		}
		timer.Stop()
		delete(c.timers, convID)
		c.mu.Unlock()
		go c.clear(convID)
		return
	}

	if open {
		timer.Reset(c.idle)
		c.mu.Unlock()
		return
	}
	c.timers[convID] = time.AfterFunc(c.idle, func() { c.expire(convID) })
	c.mu.Unlock()
	go c.send(convID)
}

// expire closes the signal after the inactivity timeout.
func (c *Channel) expire(convID string) {
	c.mu.Lock()
	if _, open := c.timers[convID]; !open {
		c.mu.Unlock()
		return
	}
	delete(c.timers, convID)
	c.mu.Unlock()
	c.clear(convID)
}

func (c *Channel) send(convID string) {
	if err := c.sender.SendTyping(context.Background(), convID, c.selfID); err != nil {
		// Best-effort UI signal; swallow.
		c.logger.Debug("typing open failed", zap.String("conversation", convID), zap.Error(err))
	}
}

func (c *Channel) clear(convID string) {
	if err := c.sender.ClearTyping(context.Background(), convID, c.selfID); err != nil {
		c.logger.Debug("typing clear failed", zap.String("conversation", convID), zap.Error(err))
	}
}

// HandleRemote applies a typing event from the feed. Events for the
// session's own id are ignored; everything else flips the per-conversation
// flag and publishes typing.changed with no further debouncing.
func (c *Channel) HandleRemote(convID, userID string, active bool) {
	if userID == "" || userID == c.selfID {
		return
	}

	c.mu.Lock()
	users, ok := c.remote[convID]
	if !ok {
		users = make(map[string]struct{})
		c.remote[convID] = users
	}
	_, was := users[userID]
	if active {
		users[userID] = struct{}{}
	} else {
		delete(users, userID)
		if len(users) == 0 {
			delete(c.remote, convID)
		}
	}
	c.mu.Unlock()

	if was == active {
		return
	}
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(bus.KindTypingChanged, Change{
			ConversationID: convID,
			UserID:         userID,
			Active:         active,
		}))
	}
}

// RemoteTyping reports whether any other participant is typing in the
// conversation.
func (c *Channel) RemoteTyping(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remote[convID]) > 0
}

// Stop cancels all local timers and closes any open signals. Called on
// engine teardown so no timer outlives the session.
func (c *Channel) Stop() {
	c.mu.Lock()
	open := make([]string, 0, len(c.timers))
	for convID, timer := range c.timers {
		timer.Stop()
		open = append(open, convID)
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, convID := range open {
		c.clear(convID)
	}
}
