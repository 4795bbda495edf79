package relation

import (
	"context"
	"fmt"

	"github.com/locus-chat/locus/internal/readstate"
	"github.com/locus-chat/locus/internal/store"
	"go.uber.org/zap"
)

// KindFriend is the relation kind created by accepting a request.
const KindFriend = "friend"

// Backend issues the authoritative relation writes.
type Backend interface {
	UpsertRelation(ctx context.Context, subjectID, objectID, kind string) error
	ResolvePendingRequest(ctx context.Context, requestorID, ownerID, resolution string) error
}

// Resolver applies accept/decline transitions to pending relationship
// requests. The three writes (relation rows, pending-request resolution,
// notification read) are deliberately not transactional: a partial failure
// leaves at worst an active relation with a stale pending row, which
// self-heals because stale pending rows are filtered by the active-relation
// check on the next read.
type Resolver struct {
	backend Backend
	reads   *readstate.Machine
	store   *store.Store
	ownerID string
	logger  *zap.Logger
}

// NewResolver creates a resolver acting as ownerID.
func NewResolver(b Backend, reads *readstate.Machine, st *store.Store, ownerID string, logger *zap.Logger) *Resolver {
	return &Resolver{backend: b, reads: reads, store: st, ownerID: ownerID, logger: logger}
}

// Accept upserts the active relation in both directions, retires the
// pending request, and marks the announcing notification read. Idempotent
// under retry: the relation upsert is keyed on (subject, object, kind) and
// re-resolution of an already resolved request is accepted server-side.
func (r *Resolver) Accept(ctx context.Context, requestorID string) error {
	if r.ownerID == "" {
		return nil
	}

	if err := r.backend.UpsertRelation(ctx, r.ownerID, requestorID, KindFriend); err != nil {
		return fmt.Errorf("accept request: %w", err)
	}
	if err := r.backend.UpsertRelation(ctx, requestorID, r.ownerID, KindFriend); err != nil {
		// Forward row exists, reverse is missing. Surface it; the next
		// retry's upsert converges.
		r.logger.Warn("reverse relation upsert failed",
			zap.String("requestor", requestorID), zap.Error(err))
		return fmt.Errorf("accept request: %w", err)
	}

	if err := r.backend.ResolvePendingRequest(ctx, requestorID, r.ownerID, "accepted"); err != nil {
		// Relation is active; the stale pending row is harmless and
		// filtered out on next read. Report it anyway.
		r.logger.Warn("pending request resolution failed after accept",
			zap.String("requestor", requestorID), zap.Error(err))
		return fmt.Errorf("accept request: resolve pending: %w", err)
	}

	r.retireNotification(ctx, requestorID)
	return nil
}

// Decline retires the pending request without creating a relation, then
// marks the announcing notification read.
func (r *Resolver) Decline(ctx context.Context, requestorID string) error {
	if r.ownerID == "" {
		return nil
	}

	if err := r.backend.ResolvePendingRequest(ctx, requestorID, r.ownerID, "declined"); err != nil {
		return fmt.Errorf("decline request: %w", err)
	}

	r.retireNotification(ctx, requestorID)
	return nil
}

// retireNotification marks the notification that announced the request as
// read. Best-effort: the request transition already happened.
func (r *Resolver) retireNotification(ctx context.Context, requestorID string) {
	for _, rec := range r.store.List() {
		if rec.Kind != "relation_request" || rec.Read {
			continue
		}
		if id, ok := rec.Payload["user_id"].(string); !ok || id != requestorID {
			continue
		}
		if err := r.reads.MarkOne(ctx, rec.ID); err != nil {
			r.logger.Warn("failed to retire request notification",
				zap.String("notification", rec.ID), zap.Error(err))
		}
		return
	}
}
