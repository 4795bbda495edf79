package cache

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, other_user_id, display_name, avatar_url, last_message_text, last_message_at, unread_count, online, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			other_user_id = excluded.other_user_id,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			last_message_text = excluded.last_message_text,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			online = excluded.online,
			updated_at = excluded.updated_at`,
		c.ID, c.OtherUserID, c.DisplayName, c.AvatarURL, c.LastMessageText, c.LastMessageAt, c.UnreadCount, c.Online, now)
	return err
}

// TouchConversationPreview advances a conversation's last-message preview if
// the given message is newer than the cached one. Used when a live message
// event arrives before the next conversation summary refresh.
func (db *DB) TouchConversationPreview(convID, preview string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_text, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		convID, preview, at, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending, ties broken by id for determinism.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, other_user_id, display_name, avatar_url, last_message_text, last_message_at, unread_count, online
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OtherUserID, &c.DisplayName, &c.AvatarURL, &c.LastMessageText, &c.LastMessageAt, &c.UnreadCount, &c.Online); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, other_user_id, display_name, avatar_url, last_message_text, last_message_at, unread_count, online
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.OtherUserID, &c.DisplayName, &c.AvatarURL, &c.LastMessageText, &c.LastMessageAt, &c.UnreadCount, &c.Online)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UnreadConversationCount counts conversations whose unread slot is greater
// than zero. A conversation contributes at most one regardless of how many
// unread messages it holds.
func (db *DB) UnreadConversationCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE unread_count > 0`).Scan(&n)
	return n, err
}

// ResetUnread zeroes a conversation's cached unread slot.
func (db *DB) ResetUnread(convID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, convID)
	return err
}

// ReplaceConversations swaps the whole conversation set inside one
// transaction, used by the periodic refresh where the server is
// authoritative.
func (db *DB) ReplaceConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, other_user_id, display_name, avatar_url, last_message_text, last_message_at, unread_count, online, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.OtherUserID, c.DisplayName, c.AvatarURL, c.LastMessageText, c.LastMessageAt, c.UnreadCount, c.Online, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
