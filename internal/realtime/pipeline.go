package realtime

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/whisper/rooms/internal/chat"
	"github.com/whisper/rooms/internal/metrics"
	"github.com/whisper/rooms/internal/protocol"
	"github.com/whisper/rooms/internal/store"
)

type pendingMention struct {
	userID string
	data   []byte
	event  chat.MentionEvent
}

func (g *Gateway) handleMessage(ctx context.Context, c Client, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	userID := c.Principal().UserID
	now := g.now()

	in := chat.SendInput{
		RoomID:    m.RoomID,
		SenderID:  userID,
		Content:   m.Content,
		ReplyToID: string(m.ReplyToID),
	}
	if ev := m.SharedEvent; ev != nil {
		in.SharedEvent = &chat.SharedEvent{
			Title:       ev.Title,
			StartAt:     ev.StartAt,
			EndAt:       ev.EndAt,
			Description: ev.Description,
		}
	}
	record, err := chat.BuildMessage(in, now)
	if err != nil {
		drop("invalid")
		return
	}

	if !g.isMember(ctx, record.RoomID, userID) {
		return
	}

	if g.throttle != nil {
		if ok, retryAfter := g.throttle.Allow(ctx, userID); !ok {
			drop("rate_limited")
			g.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retryAfter.Seconds())),
			})
			return
		}
	}

	start := time.Now()
	if err := g.createMessage(ctx, c, record); err != nil {
		log.Printf("[gateway] message pipeline room=%s user=%s: %v", record.RoomID, userID, err)
		g.sendError(c, protocol.CodeMessageCreate, err.Error())
		return
	}
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
}

// createMessage persists the message together with its mentions and then
// delivers the results. Nothing is sent to any socket unless the store
// accepted the whole send.
func (g *Gateway) createMessage(ctx context.Context, c Client, record store.NewMessage) error {
	members, err := g.store.RoomMembers(ctx, record.RoomID)
	if err != nil {
		return fmt.Errorf("room members: %w", err)
	}
	mentioned := chat.MatchMentions(record.Content, members)
	for _, m := range mentioned {
		record.MentionUserIDs = append(record.MentionUserIDs, m.UserID)
	}

	saved, err := g.store.CreateMessage(ctx, record)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	mentions, err := mentionDeliveries(saved, mentioned)
	if err != nil {
		return err
	}
	data, err := protocol.NewServerMessage(protocol.TypeMessage, messagePayload(saved, chat.Preview(saved.ReplyTo)))
	if err != nil {
		return err
	}

	for _, pm := range mentions {
		g.fanout(g.userClients(pm.userID, c.ID()), pm.data)
	}
	g.broadcastRoom(saved.RoomID, data, "")

	if g.publisher != nil {
		g.publisher.PublishMessage(chat.MessageEvent{
			MessageID: saved.ID,
			RoomID:    saved.RoomID,
			SenderID:  saved.SenderID,
			Content:   saved.Content,
			ReplyToID: saved.ReplyToID,
			HasEvent:  saved.EventTitle != "",
			Ts:        saved.CreatedAt.UnixMilli(),
		})
		for _, pm := range mentions {
			g.publisher.PublishMention(pm.event)
		}
	}
	return nil
}

// mentionDeliveries builds the mention unicast for every member named in
// the saved message.
func mentionDeliveries(saved *store.Message, mentioned []store.Member) ([]pendingMention, error) {
	out := make([]pendingMention, 0, len(mentioned))
	for _, member := range mentioned {
		payload := protocol.MentionMsg{
			RoomID:     saved.RoomID,
			MessageID:  saved.ID,
			SenderName: saved.Sender.DisplayName,
			Content:    saved.Content,
		}
		data, err := protocol.NewServerMessage(protocol.TypeMention, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, pendingMention{
			userID: member.UserID,
			data:   data,
			event: chat.MentionEvent{
				MessageID:  saved.ID,
				RoomID:     saved.RoomID,
				UserID:     member.UserID,
				SenderID:   saved.SenderID,
				SenderName: saved.Sender.DisplayName,
				Content:    saved.Content,
			},
		})
	}
	return out, nil
}
