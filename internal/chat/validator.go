package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/whisper/rooms/internal/store"
)

const (
	MaxContentBytes = 16 * 1024 // 16KB max message content
	MaxContentChars = 4000      // max character count

	// SharedEventPlaceholder is stored as content when a message carries
	// only a shared event.
	SharedEventPlaceholder = "[shared event]"
)

var (
	ErrMissingRoom   = errors.New("chat: missing room id")
	ErrMissingSender = errors.New("chat: unauthenticated sender")
	ErrEmptyMessage  = errors.New("chat: empty content and no valid shared event")
)

// SharedEvent is a calendar event attached to a message as sent by the
// client. Dates are RFC 3339 strings.
type SharedEvent struct {
	Title       string
	StartAt     string
	EndAt       string
	Description string
}

// SendInput is a client's request to post a message into a room.
type SendInput struct {
	RoomID      string
	SenderID    string
	Content     string
	SharedEvent *SharedEvent
	ReplyToID   string
}

// parsedEvent is a SharedEvent that passed validation.
type parsedEvent struct {
	title       string
	startAt     time.Time
	endAt       time.Time
	description string
}

// parseEvent returns the event's timestamps if title, startAt and endAt are
// all present and both dates parse. An invalid event is reported as nil.
func parseEvent(ev *SharedEvent) *parsedEvent {
	if ev == nil || ev.Title == "" || ev.StartAt == "" || ev.EndAt == "" {
		return nil
	}
	start, err := time.Parse(time.RFC3339, ev.StartAt)
	if err != nil {
		return nil
	}
	end, err := time.Parse(time.RFC3339, ev.EndAt)
	if err != nil {
		return nil
	}
	return &parsedEvent{
		title:       ev.Title,
		startAt:     start,
		endAt:       end,
		description: ev.Description,
	}
}

// ValidateContent checks the size and encoding of message text.
func ValidateContent(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxContentChars)
	}
	return nil
}

// BuildMessage validates in and turns it into the record to persist.
// Any error means the send must be dropped without a reply to the client.
func BuildMessage(in SendInput, now time.Time) (store.NewMessage, error) {
	if strings.TrimSpace(in.RoomID) == "" {
		return store.NewMessage{}, ErrMissingRoom
	}
	if in.SenderID == "" {
		return store.NewMessage{}, ErrMissingSender
	}
	if err := ValidateContent(in.Content); err != nil {
		return store.NewMessage{}, err
	}

	ev := parseEvent(in.SharedEvent)
	if in.Content == "" && ev == nil {
		return store.NewMessage{}, ErrEmptyMessage
	}

	nm := store.NewMessage{
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		ReplyToID: in.ReplyToID,
		CreatedAt: now,
	}
	if ev != nil {
		if nm.Content == "" {
			nm.Content = SharedEventPlaceholder
		}
		nm.EventTitle = ev.title
		nm.EventStartAt = &ev.startAt
		nm.EventEndAt = &ev.endAt
		nm.EventDescription = ev.description
	}
	return nm, nil
}
