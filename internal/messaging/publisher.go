package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/whisper/rooms/internal/chat"
)

// Conn is the subset of NATSClient used by Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards chat domain events to NATS as JSON. Publishing is best
// effort: failures are logged and never reach the caller.
type Publisher struct {
	conn Conn
}

// NewPublisher creates a Publisher writing to conn.
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// PublishMessage publishes ev on rooms.<roomId>.message.
func (p *Publisher) PublishMessage(ev chat.MessageEvent) {
	p.publish(RoomMessageSubject(ev.RoomID), ev)
}

// PublishMention publishes ev on users.<userId>.mention.
func (p *Publisher) PublishMention(ev chat.MentionEvent) {
	p.publish(UserMentionSubject(ev.UserID), ev)
}

// PublishReadReceipt publishes ev on rooms.<roomId>.read_receipt.
func (p *Publisher) PublishReadReceipt(ev chat.ReadReceiptEvent) {
	p.publish(RoomReadReceiptSubject(ev.RoomID), ev)
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

var errNoSessionID = errors.New("messaging: missing sessionId")

// DecodeSessionRevoked extracts the session id from a sessions.revoked
// payload.
func DecodeSessionRevoked(data []byte) (string, error) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("messaging: decode revocation: %w", err)
	}
	if payload.SessionID == "" {
		return "", errNoSessionID
	}
	return payload.SessionID, nil
}
