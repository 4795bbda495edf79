package bus

import "time"

// Kind identifies an event topic. Kinds are dot-namespaced so subscribers
// can filter by prefix ("store.", "typing.", ...).
type Kind string

const (
	// Feed lifecycle.
	KindFeedConnected    Kind = "feed.connected"
	KindFeedDisconnected Kind = "feed.disconnected"

	// Reconciling store.
	KindStoreChanged Kind = "store.changed"

	// Badge counters.
	KindBadgeUpdated Kind = "badge.updated"

	// Typing signals from other participants.
	KindTypingChanged Kind = "typing.changed"

	// Message lifecycle (outbox + realtime).
	KindMessageUpserted   Kind = "message.upserted"
	KindMessageSendAck    Kind = "message.send_ack"
	KindMessageSendFailed Kind = "message.send_failed"

	// Session lifecycle.
	KindSessionStatusChanged Kind = "session.status_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
