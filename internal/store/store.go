package store

import (
	"sort"
	"sync"

	"github.com/locus-chat/locus/internal/feed"
)

// MaxParticipants bounds the resolved participant list per record.
const MaxParticipants = 3

// ParticipantSummary is a display-ready resolved participant.
type ParticipantSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Record is a raw notification row enriched with resolved participants.
type Record struct {
	ID           string
	OwnerID      string
	Kind         string
	Read         bool
	CreatedAt    int64
	Payload      map[string]any
	Participants []ParticipantSummary
}

// FromRow builds an unenriched Record from a raw feed row.
func FromRow(row feed.RawRow) Record {
	return Record{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Kind:      row.Kind,
		Read:      row.Read,
		CreatedAt: row.CreatedAt,
		Payload:   row.Payload,
	}
}

// Store is the reconciling collection of enriched records. It is keyed by
// record id (no duplicates) and materialized to callers newest-first. All
// operations are idempotent: the upstream feed delivers at-least-once and
// may replay after a reconnect.
type Store struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// New creates an empty store.
func New() *Store {
	return &Store{recs: make(map[string]Record)}
}

// ApplyInsertOrUpdate merges an incoming record. An unknown id is added; a
// known id is replaced field-by-field, except that a non-empty participant
// list is never clobbered by an empty incoming one (enrichment is
// additive-only: a later partial payload must not drop resolved summaries).
func (s *Store) ApplyInsertOrUpdate(rec Record) {
	if len(rec.Participants) > MaxParticipants {
		rec.Participants = rec.Participants[:MaxParticipants]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.ID]; ok {
		if len(rec.Participants) == 0 && len(existing.Participants) > 0 {
			rec.Participants = existing.Participants
		}
	}
	s.recs[rec.ID] = rec
}

// ApplyDelete removes a record by id. Deleting an absent id is a no-op so
// duplicate delete delivery is harmless.
func (s *Store) ApplyDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
}

// ReplaceAll discards current state in favor of records. Used for the
// initial batch load and the periodic authoritative refresh.
func (s *Store) ReplaceAll(recs []Record) {
	next := make(map[string]Record, len(recs))
	for _, r := range recs {
		if len(r.Participants) > MaxParticipants {
			r.Participants = r.Participants[:MaxParticipants]
		}
		next[r.ID] = r
	}
	s.mu.Lock()
	s.recs = next
	s.mu.Unlock()
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	return rec, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// List returns all records sorted by creation time descending, ties broken
// by id ascending for determinism.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkRead flips the local read flag for id. Returns true if the flag
// changed (false when absent or already read).
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Read {
		return false
	}
	rec.Read = true
	s.recs[id] = rec
	return true
}

// MarkAllRead flips every unread record owned by ownerID. Returns the
// number of records flipped.
func (s *Store) MarkAllRead(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.recs {
		if rec.OwnerID == ownerID && !rec.Read {
			rec.Read = true
			s.recs[id] = rec
			n++
		}
	}
	return n
}

// UnreadCount returns the number of unread records owned by ownerID,
// counted from local flags so optimistic flips are reflected immediately.
func (s *Store) UnreadCount(ownerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.recs {
		if rec.OwnerID == ownerID && !rec.Read {
			n++
		}
	}
	return n
}
