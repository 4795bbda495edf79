package cache

import "time"

// UpsertMessage inserts or updates a message (idempotent on conv_id + msg_id).
// The feed delivers at-least-once, so replays must converge on one row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conv_id, msg_id, sender_id, body, from_me, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.ConvID, m.MsgID, m.SenderID, m.Body, m.FromMe, m.Status, m.SentAt, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT row_id, conv_id, msg_id, sender_id, body, from_me, status, sent_at
		FROM messages
		WHERE conv_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConvID, &m.MsgID, &m.SenderID, &m.Body, &m.FromMe, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
