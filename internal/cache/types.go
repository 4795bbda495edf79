package cache

// Conversation is a cached conversation summary. UnreadCount mirrors the
// server-held unread slot for the session's own side of the conversation;
// it is never recomputed locally from message rows.
type Conversation struct {
	ID              string `json:"id"`
	OtherUserID     string `json:"other_user_id"`
	DisplayName     string `json:"display_name"`
	AvatarURL       string `json:"avatar_url"`
	LastMessageText string `json:"last_message_text"`
	LastMessageAt   int64  `json:"last_message_at"`
	UnreadCount     int    `json:"unread_count"`
	Online          bool   `json:"online"`
}

// Message is a cached message row.
type Message struct {
	RowID    int64
	ConvID   string
	MsgID    string
	SenderID string
	Body     string
	FromMe   bool
	Status   string // sending, sent, received, failed
	SentAt   int64
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ConvID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
