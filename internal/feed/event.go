package feed

import "encoding/json"

// ChangeKind tags a row-level mutation delivered by the change-feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// RawRow is the backend-native row shape carried by change events.
// The engine treats it as read-only input; Payload is a free-form map that
// may embed foreign participant ids under ad-hoc keys.
type RawRow struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	Read      bool           `json:"read"`
	CreatedAt int64          `json:"created_at"`
	Payload   map[string]any `json:"payload"`
}

// ChangeEvent is one row-level mutation. Delete events may carry only the
// row id. Events are transient: they are never stored beyond processing.
type ChangeEvent struct {
	Kind  ChangeKind `json:"kind"`
	Table string     `json:"table"`
	Row   RawRow     `json:"row"`
}

// Scope identifies a server-side subscription target: one table, optionally
// narrowed by a key (owner id for notifications, conversation id for typing
// and messages). The server filter is advisory; consumers must still filter
// rows for foreign owners.
type Scope struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

// String returns a stable identity for the scope, used to replace live
// subscriptions for the same target.
func (s Scope) String() string {
	return s.Table + ":" + s.Key
}

// Handlers receives decoded change events. Nil handlers are skipped.
type Handlers struct {
	OnInsert func(RawRow)
	OnUpdate func(RawRow)
	OnDelete func(RawRow)
}

func (h Handlers) dispatch(evt ChangeEvent) {
	switch evt.Kind {
	case ChangeInsert:
		if h.OnInsert != nil {
			h.OnInsert(evt.Row)
		}
	case ChangeUpdate:
		if h.OnUpdate != nil {
			h.OnUpdate(evt.Row)
		}
	case ChangeDelete:
		if h.OnDelete != nil {
			h.OnDelete(evt.Row)
		}
	}
	// Unknown kinds are dropped: the feed contract is insert/update/delete
	// and anything else fails closed.
}

// decodeEvent parses a single wire frame.
func decodeEvent(data []byte) (ChangeEvent, error) {
	var evt ChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ChangeEvent{}, err
	}
	return evt, nil
}

// CancelFunc tears down a subscription. Safe to call more than once.
type CancelFunc func()

// Source is the subscription surface the engine consumes. The websocket
// Client implements it; tests substitute an in-memory fake.
type Source interface {
	Subscribe(scope Scope, h Handlers) (CancelFunc, error)
}
