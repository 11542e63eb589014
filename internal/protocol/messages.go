// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
// Field names are camelCase.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom      = "join_room"
	TypeGetOnlineList = "get_online_list"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeReadReceipt   = "read_receipt"
	TypePing          = "ping"
)

// Server -> Client message types. message, typing and read_receipt are
// shared with the client direction.
const (
	TypeOnlineList  = "online_list"
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"
	TypeMention     = "mention"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeMessageCreate   = "MESSAGE_CREATE"
	CodeReadReceipt     = "READ_RECEIPT"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// FlexibleID is an identifier that clients may send either as a JSON string
// or as a JSON number. It always holds the string form; null and absent
// decode to "".
type FlexibleID string

// UnmarshalJSON accepts a string, a number or null.
func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: id must be a string or number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg subscribes the connection to a room's broadcasts.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// GetOnlineListMsg asks for the current presence snapshot.
type GetOnlineListMsg struct {
	Type string `json:"type"`
}

// SharedEvent is the calendar event payload that can be attached to a
// message. StartAt and EndAt are RFC 3339 timestamps.
type SharedEvent struct {
	Title       string `json:"title"`
	StartAt     string `json:"startAt"`
	EndAt       string `json:"endAt"`
	Description string `json:"description,omitempty"`
}

// SendMessageMsg posts a message into a room.
type SendMessageMsg struct {
	Type        string       `json:"type"`
	RoomID      string       `json:"roomId"`
	Content     string       `json:"content"`
	SharedEvent *SharedEvent `json:"sharedEvent,omitempty"`
	ReplyToID   FlexibleID   `json:"replyToId,omitempty"`
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptMsg marks a message as read by the client.
type ReadReceiptMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OnlineListMsg carries the IDs of all users with at least one open
// connection.
type OnlineListMsg struct {
	UserIDs []string `json:"userIds"`
}

// UserOnlineMsg announces a user's first connection.
type UserOnlineMsg struct {
	UserID string `json:"userId"`
}

// UserOfflineMsg announces that a user's last connection closed.
type UserOfflineMsg struct {
	UserID string `json:"userId"`
}

// UserPayload is the sender identity embedded in messages.
type UserPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ReplyPreviewPayload is the snapshot of a replied-to message.
type ReplyPreviewPayload struct {
	ID      string      `json:"id"`
	Content string      `json:"content"`
	Sender  UserPayload `json:"sender"`
}

// ServerChatMsg is the full message payload broadcast to a room. Reactions
// and Poll are always empty here.
type ServerChatMsg struct {
	ID               string               `json:"id"`
	RoomID           string               `json:"roomId"`
	SenderID         string               `json:"senderId"`
	Content          string               `json:"content"`
	EventTitle       *string              `json:"eventTitle"`
	EventStartAt     *string              `json:"eventStartAt"`
	EventEndAt       *string              `json:"eventEndAt"`
	EventDescription *string              `json:"eventDescription"`
	ReplyToID        *string              `json:"replyToId"`
	CreatedAt        string               `json:"createdAt"`
	Sender           UserPayload          `json:"sender"`
	ReplyTo          *ReplyPreviewPayload `json:"replyTo"`
	ReadCount        int                  `json:"readCount"`
	Reactions        []interface{}        `json:"reactions"`
	Poll             interface{}          `json:"poll"`
}

// MentionMsg is unicast to a member named in a message.
type MentionMsg struct {
	RoomID     string `json:"roomId"`
	MessageID  string `json:"messageId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// ServerTypingMsg relays another member's typing indicator.
type ServerTypingMsg struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ServerReadReceiptMsg is broadcast to a room when a member reads a message.
type ServerReadReceiptMsg struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	ReadAt    string `json:"readAt"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOnlineList:
		var m GetOnlineListMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadReceipt:
		var m ReadReceiptMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
