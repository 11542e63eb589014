package realtime

import (
	"context"
	"errors"
	"log"

	"github.com/whisper/rooms/internal/chat"
	"github.com/whisper/rooms/internal/protocol"
	"github.com/whisper/rooms/internal/store"
)

// isMember asks the membership oracle. An oracle failure counts as "not a
// member" so the action is dropped.
func (g *Gateway) isMember(ctx context.Context, roomID, userID string) bool {
	if roomID == "" || userID == "" {
		drop("invalid")
		return false
	}
	ok, err := g.store.IsMember(ctx, roomID, userID)
	if err != nil {
		log.Printf("[gateway] membership check room=%s user=%s: %v", roomID, userID, err)
		drop("oracle_error")
		return false
	}
	if !ok {
		drop("not_member")
	}
	return ok
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c Client, msg interface{}) {
	m := msg.(protocol.JoinRoomMsg)
	if !g.isMember(ctx, m.RoomID, c.Principal().UserID) {
		return
	}
	if g.subscribe(c, m.RoomID) {
		log.Printf("[gateway] conn=%s joined room=%s", c.ID(), m.RoomID)
	}
}

func (g *Gateway) handleGetOnlineList(_ context.Context, c Client, _ interface{}) {
	g.send(c, protocol.TypeOnlineList, protocol.OnlineListMsg{UserIDs: g.presence.List()})
}

func (g *Gateway) handleTyping(ctx context.Context, c Client, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	userID := c.Principal().UserID
	if !g.isMember(ctx, m.RoomID, userID) {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   m.RoomID,
		UserID:   userID,
		IsTyping: m.IsTyping,
	})
	if err != nil {
		log.Printf("[gateway] build typing: %v", err)
		return
	}
	g.broadcastRoom(m.RoomID, data, c.ID())
}

func (g *Gateway) handleReadReceipt(ctx context.Context, c Client, msg interface{}) {
	m := msg.(protocol.ReadReceiptMsg)
	userID := c.Principal().UserID
	if m.MessageID == "" {
		drop("invalid")
		return
	}

	target, err := g.store.Message(ctx, m.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendError(c, protocol.CodeReadReceipt, "message not found")
		return
	}
	if err != nil {
		log.Printf("[gateway] read receipt lookup message=%s: %v", m.MessageID, err)
		g.sendError(c, protocol.CodeReadReceipt, err.Error())
		return
	}
	if !g.isMember(ctx, target.RoomID, userID) {
		return
	}

	receipt, created, err := g.store.UpsertReadReceipt(ctx, target.ID, userID, g.now())
	if err != nil {
		log.Printf("[gateway] upsert read receipt message=%s user=%s: %v", target.ID, userID, err)
		g.sendError(c, protocol.CodeReadReceipt, err.Error())
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeReadReceipt, receiptPayload(receipt))
	if err != nil {
		g.sendError(c, protocol.CodeReadReceipt, err.Error())
		return
	}
	g.broadcastRoom(receipt.RoomID, data, "")

	if g.publisher != nil {
		g.publisher.PublishReadReceipt(chat.ReadReceiptEvent{
			ReceiptID: receipt.ID,
			MessageID: receipt.MessageID,
			RoomID:    receipt.RoomID,
			UserID:    receipt.UserID,
			Created:   created,
			Ts:        receipt.ReadAt.UnixMilli(),
		})
	}
}
