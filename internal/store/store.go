// Package store defines the durable record store behind the realtime
// gateway: rooms and their members, messages, mentions and read receipts.
// Implementations live in the postgres and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrReplyNotFound is returned by CreateMessage when the reply target
	// is missing or lives in another room.
	ErrReplyNotFound = errors.New("store: reply target not found in room")
)

// User is the identity shown next to a message.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Room is a membership-gated channel.
type Room struct {
	ID        string
	UpdatedAt time.Time
}

// Member is a user's membership in a room. LeftAt is nil while the member
// is active.
type Member struct {
	RoomID      string
	UserID      string
	DisplayName string
	JoinedAt    time.Time
	LeftAt      *time.Time
	LastReadAt  *time.Time
}

// Active reports whether the member has not left the room.
func (m Member) Active() bool { return m.LeftAt == nil }

// Message is a persisted room message. Sender and ReplyTo are resolved by
// the store on reads and on CreateMessage.
type Message struct {
	ID               string
	RoomID           string
	SenderID         string
	Content          string
	EventTitle       string
	EventStartAt     *time.Time
	EventEndAt       *time.Time
	EventDescription string
	ReplyToID        string
	DeletedAt        *time.Time
	CreatedAt        time.Time

	Sender  User
	ReplyTo *Message
}

// Deleted reports whether the message carries a soft-delete marker.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	RoomID           string
	SenderID         string
	Content          string
	EventTitle       string
	EventStartAt     *time.Time
	EventEndAt       *time.Time
	EventDescription string
	ReplyToID        string
	CreatedAt        time.Time

	// MentionUserIDs are the users to store a Mention for. Duplicates are
	// stored once.
	MentionUserIDs []string
}

// Mention links a message to a user referenced in it.
type Mention struct {
	MessageID string
	UserID    string
}

// ReadReceipt records that a user has read a message. At most one exists
// per (MessageID, UserID).
type ReadReceipt struct {
	ID        string
	MessageID string
	UserID    string
	RoomID    string
	ReadAt    time.Time
}

// MembershipOracle decides whether a user may act within a room.
type MembershipOracle interface {
	// IsMember reports whether userID is an active member of roomID.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Store is the record store used by the message pipeline.
type Store interface {
	MembershipOracle

	// RoomMembers returns the active members of roomID.
	RoomMembers(ctx context.Context, roomID string) ([]Member, error)

	// Message returns a message with its sender resolved, or ErrNotFound.
	Message(ctx context.Context, messageID string) (*Message, error)

	// CreateMessage persists msg as one unit: the message row, the room's
	// updatedAt and the sender's last-read timestamp (both set to
	// CreatedAt), and a Mention per MentionUserIDs entry. On error none of
	// it is stored. The room and the sender's membership row must exist or
	// ErrNotFound is returned. The message comes back with Sender and, when
	// ReplyToID is set, ReplyTo resolved.
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)

	// UpsertReadReceipt creates the receipt for (messageID, userID) if it
	// does not exist and returns the stored receipt either way. created
	// reports whether this call inserted it.
	UpsertReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (receipt *ReadReceipt, created bool, err error)
}
