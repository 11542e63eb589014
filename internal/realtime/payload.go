package realtime

import (
	"time"

	"github.com/whisper/rooms/internal/chat"
	"github.com/whisper/rooms/internal/protocol"
	"github.com/whisper/rooms/internal/store"
)

// timeLayout is RFC 3339 with millisecond precision in UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func userPayload(u store.User) protocol.UserPayload {
	return protocol.UserPayload{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// messagePayload renders a persisted message for the room broadcast.
func messagePayload(m *store.Message, preview *chat.ReplyPreview) protocol.ServerChatMsg {
	out := protocol.ServerChatMsg{
		ID:               m.ID,
		RoomID:           m.RoomID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		EventTitle:       optString(m.EventTitle),
		EventStartAt:     optTime(m.EventStartAt),
		EventEndAt:       optTime(m.EventEndAt),
		EventDescription: optString(m.EventDescription),
		ReplyToID:        optString(m.ReplyToID),
		CreatedAt:        formatTime(m.CreatedAt),
		Sender:           userPayload(m.Sender),
		ReadCount:        0,
		Reactions:        []interface{}{},
		Poll:             nil,
	}
	if preview != nil {
		out.ReplyTo = &protocol.ReplyPreviewPayload{
			ID:      preview.ID,
			Content: preview.Content,
			Sender:  userPayload(preview.Sender),
		}
	}
	return out
}

func receiptPayload(r *store.ReadReceipt) protocol.ServerReadReceiptMsg {
	return protocol.ServerReadReceiptMsg{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		RoomID:    r.RoomID,
		ReadAt:    formatTime(r.ReadAt),
	}
}
