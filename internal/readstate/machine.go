package readstate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/locus-chat/locus/internal/backend"
	"github.com/locus-chat/locus/internal/store"
	"go.uber.org/zap"
)

// ErrMarkAllInFlight is returned when a bulk mark-read is requested while a
// previous one has not finished. Callers treat it as a no-op, not a failure.
var ErrMarkAllInFlight = errors.New("mark-all already in flight")

// Writer issues the authoritative read-state writes.
type Writer interface {
	UpdateNotificationRead(ctx context.Context, id string, onlyIfUnread bool) error
	MarkAllNotificationsRead(ctx context.Context, ownerID string) error
}

// Machine drives the unread -> read transition per record. The flip is
// optimistic: local state changes first and is never reverted on write
// failure — re-showing something the user already dismissed visually is
// worse than rare drift, which the periodic refresh corrects anyway.
type Machine struct {
	store  *store.Store
	writer Writer
	logger *zap.Logger

	markAllBusy atomic.Bool
}

// NewMachine creates a read-state machine over the given store.
func NewMachine(st *store.Store, writer Writer, logger *zap.Logger) *Machine {
	return &Machine{store: st, writer: writer, logger: logger}
}

// MarkOne marks a single record read. Already-read and unknown records are
// no-ops. The authoritative write is conditional on the row still being
// unread; a conflict means a concurrent actor got there first and counts as
// success. Any other write failure is surfaced for user-facing reporting,
// with the local flag left flipped.
func (m *Machine) MarkOne(ctx context.Context, id string) error {
	rec, ok := m.store.Get(id)
	if !ok || rec.Read {
		return nil
	}

	m.store.MarkRead(id)

	err := m.writer.UpdateNotificationRead(ctx, id, true)
	if err == nil || backend.IsConflict(err) {
		return nil
	}
	m.logger.Warn("mark-read write failed, keeping optimistic flag",
		zap.String("id", id), zap.Error(err))
	return fmt.Errorf("mark read: %w", err)
}

// MarkAll marks every unread record for the owner. A second call while one
// is in flight returns ErrMarkAllInFlight instead of issuing a duplicate
// bulk write. Like MarkOne, a failed write is surfaced but the optimistic
// local flips stand.
func (m *Machine) MarkAll(ctx context.Context, ownerID string) error {
	if !m.markAllBusy.CompareAndSwap(false, true) {
		return ErrMarkAllInFlight
	}
	defer m.markAllBusy.Store(false)

	flipped := m.store.MarkAllRead(ownerID)
	if flipped == 0 {
		return nil
	}

	if err := m.writer.MarkAllNotificationsRead(ctx, ownerID); err != nil {
		m.logger.Warn("mark-all write failed, keeping optimistic flags",
			zap.Int("flipped", flipped), zap.Error(err))
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}
