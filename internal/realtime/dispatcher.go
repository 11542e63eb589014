package realtime

import (
	"context"
	"log"

	"github.com/whisper/rooms/internal/metrics"
	"github.com/whisper/rooms/internal/protocol"
)

// Handler is the callback signature for a parsed client message. The msg
// parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinRoomMsg, protocol.SendMessageMsg, etc.).
type Handler func(ctx context.Context, c Client, msg interface{})

// Register associates a Handler with a message type, replacing any handler
// already registered for it.
func (g *Gateway) Register(msgType string, h Handler) {
	g.handlers[msgType] = h
}

func (g *Gateway) registerHandlers() {
	g.Register(protocol.TypeJoinRoom, g.handleJoinRoom)
	g.Register(protocol.TypeGetOnlineList, g.handleGetOnlineList)
	g.Register(protocol.TypeMessage, g.handleMessage)
	g.Register(protocol.TypeTyping, g.handleTyping)
	g.Register(protocol.TypeReadReceipt, g.handleReadReceipt)
}

// Dispatch parses a raw frame from c and routes it to the registered
// handler. Ping is answered inline. Undecodable frames and unknown types get
// an error reply. The transport calls Dispatch for one frame of a given
// client at a time.
func (g *Gateway) Dispatch(c Client, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if msgType != "" {
			if _, known := g.handlers[msgType]; !known && msgType != protocol.TypePing {
				log.Printf("[gateway] unsupported message type=%q conn=%s", msgType, c.ID())
				g.send(c, protocol.TypeError, protocol.ErrorMsg{
					Code:    protocol.CodeUnsupportedType,
					Message: "unsupported message type",
				})
				return
			}
		}
		log.Printf("[gateway] dispatch parse error conn=%s: %v", c.ID(), err)
		g.send(c, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeParseError,
			Message: "invalid message format",
		})
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		g.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	h, ok := g.handlers[msgType]
	if !ok {
		log.Printf("[gateway] unsupported message type=%q conn=%s", msgType, c.ID())
		g.send(c, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeUnsupportedType,
			Message: "unsupported message type",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	h(ctx, c, msg)
}

func drop(reason string) {
	metrics.DroppedTotal.WithLabelValues(reason).Inc()
}
