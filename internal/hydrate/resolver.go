package hydrate

import (
	"context"

	"github.com/locus-chat/locus/internal/feed"
	"github.com/locus-chat/locus/internal/store"
	"go.uber.org/zap"
)

// SummaryResolver performs the batched participant lookup against the
// backend. Implementations return summaries for the ids they could
// resolve; unknown ids are simply absent from the result.
type SummaryResolver interface {
	ResolveSummaries(ctx context.Context, ids []string) ([]store.ParticipantSummary, error)
}

// Resolver turns raw feed rows into enriched records by resolving foreign
// participant ids embedded in row payloads. One Hydrate call issues at most
// one backend lookup, regardless of batch size.
type Resolver struct {
	lookup SummaryResolver
	logger *zap.Logger
}

// New creates a resolver backed by the given lookup.
func New(lookup SummaryResolver, logger *zap.Logger) *Resolver {
	return &Resolver{lookup: lookup, logger: logger}
}

// Hydrate enriches rows in place-order: the result has the same length and
// order as the input. A failed batch lookup degrades to empty enrichment
// for every row; it never returns an error, because the caller may be
// mid-merge for an unrelated realtime event.
func (r *Resolver) Hydrate(ctx context.Context, rows []feed.RawRow) []store.Record {
	recs := make([]store.Record, len(rows))
	perRow := make([][]string, len(rows))

	var all []string
	seen := make(map[string]struct{})
	for i, row := range rows {
		recs[i] = store.FromRow(row)
		refs := scanRefs(row.Payload)
		perRow[i] = refs
		for _, id := range refs {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				all = append(all, id)
			}
		}
	}

	if len(all) == 0 {
		return recs
	}

	summaries, err := r.lookup.ResolveSummaries(ctx, all)
	if err != nil {
		// Placeholder avatars beat a dropped event.
		r.logger.Warn("participant lookup failed, degrading to empty enrichment",
			zap.Int("ids", len(all)), zap.Error(err))
		return recs
	}

	byID := make(map[string]store.ParticipantSummary, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = s
	}

	for i := range recs {
		for _, id := range perRow[i] {
			if len(recs[i].Participants) == store.MaxParticipants {
				break
			}
			if s, ok := byID[id]; ok {
				recs[i].Participants = append(recs[i].Participants, s)
			}
		}
	}
	return recs
}

// scanRefs extracts foreign participant ids from a row payload, in
// discovery order, deduplicated. Only the enumerated shapes match:
// top-level "user_id"/"sender_id" string fields, and an "entries" list
// whose elements are either bare id strings or objects carrying an
// "id" or "user_id" string. Anything else fails closed (ignored).
func scanRefs(payload map[string]any) []string {
	if payload == nil {
		return nil
	}

	var refs []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}

	for _, key := range []string{"user_id", "sender_id"} {
		if id, ok := payload[key].(string); ok {
			add(id)
		}
	}

	entries, ok := payload["entries"].([]any)
	if !ok {
		return refs
	}
	for _, entry := range entries {
		switch e := entry.(type) {
		case string:
			add(e)
		case map[string]any:
			if id, ok := e["id"].(string); ok {
				add(id)
			} else if id, ok := e["user_id"].(string); ok {
				add(id)
			}
		}
	}
	return refs
}
