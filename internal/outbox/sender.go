package outbox

import (
	"context"
	"time"

	"github.com/locus-chat/locus/internal/bus"
	"github.com/locus-chat/locus/internal/cache"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// MessageSender posts a message to the backend. The client message id makes
// retried sends idempotent server-side.
type MessageSender interface {
	SendMessage(ctx context.Context, convID, clientMsgID, body string) (serverMsgID string, err error)
}

// Sender drains the outbox and sends messages via the backend. Every send
// is optimistic: the message appears locally with status "sending" before
// the backend acknowledges, and a failed send flips it to "failed" rather
// than removing it.
type Sender struct {
	db     *cache.DB
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *cache.DB, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic insert: the message shows up immediately.
		now := time.Now().UnixMilli()
		_ = s.db.UpsertMessage(&cache.Message{
			ConvID: entry.ConvID,
			MsgID:  entry.ClientMsgID,
			Body:   entry.Body,
			FromMe: true,
			Status: "sending",
			SentAt: now,
		})
		s.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, map[string]string{
			"conversation_id": entry.ConvID,
			"msg_id":          entry.ClientMsgID,
		}))

		serverMsgID, err := s.sender.SendMessage(ctx, entry.ConvID, entry.ClientMsgID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			// The optimistic row stays, flipped to failed.
			_ = s.db.UpsertMessage(&cache.Message{
				ConvID: entry.ConvID, MsgID: entry.ClientMsgID,
				Body: entry.Body, FromMe: true,
				Status: "failed", SentAt: now,
			})
			s.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			}))
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		_ = s.db.UpsertMessage(&cache.Message{
			ConvID: entry.ConvID, MsgID: entry.ClientMsgID,
			Body: entry.Body, FromMe: true,
			Status: "sent", SentAt: now,
		})
		_ = s.db.TouchConversationPreview(entry.ConvID, entry.Body, now)

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))
		s.bus.Publish(bus.NewEvent(bus.KindMessageSendAck, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
		}))
	}
}
