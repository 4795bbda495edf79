package engine

import (
	"github.com/locus-chat/locus/internal/cache"
	"github.com/locus-chat/locus/internal/feed"
)

// Feed payloads arrive as decoded JSON objects, so numbers are float64
// and every field is optional. These helpers pull out the handful of
// fields the cache needs; anything absent or mistyped is zero-valued.

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt64(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func payloadBool(p map[string]any, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

func conversationFromRow(row feed.RawRow) cache.Conversation {
	p := row.Payload
	return cache.Conversation{
		ID:              row.ID,
		OtherUserID:     payloadString(p, "other_user_id"),
		DisplayName:     payloadString(p, "display_name"),
		AvatarURL:       payloadString(p, "avatar_url"),
		LastMessageText: payloadString(p, "last_message_text"),
		LastMessageAt:   payloadInt64(p, "last_message_at"),
		UnreadCount:     int(payloadInt64(p, "unread_count")),
		Online:          payloadBool(p, "online"),
	}
}

func messageFromRow(convID string, row feed.RawRow) cache.Message {
	p := row.Payload
	sentAt := payloadInt64(p, "sent_at")
	if sentAt == 0 {
		sentAt = row.CreatedAt
	}
	return cache.Message{
		ConvID:   convID,
		MsgID:    row.ID,
		SenderID: payloadString(p, "sender_id"),
		Body:     payloadString(p, "body"),
		Status:   "received",
		SentAt:   sentAt,
	}
}

func typingUserID(row feed.RawRow) string {
	if id := payloadString(row.Payload, "user_id"); id != "" {
		return id
	}
	return row.OwnerID
}
