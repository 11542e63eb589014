package chat

// MessageEvent is published to rooms.<room_id>.message after a message has
// been persisted and broadcast.
type MessageEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
	HasEvent  bool   `json:"hasEvent,omitempty"`
	Ts        int64  `json:"ts"` // unix millis of createdAt
}

// MentionEvent is published to users.<user_id>.mention for each member
// mentioned in a message.
type MentionEvent struct {
	MessageID  string `json:"messageId"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// ReadReceiptEvent is published to rooms.<room_id>.read_receipt on every
// accepted read receipt, including repeats.
type ReadReceiptEvent struct {
	ReceiptID string `json:"receiptId"`
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Created   bool   `json:"created"`
	Ts        int64  `json:"ts"` // unix millis of readAt
}
