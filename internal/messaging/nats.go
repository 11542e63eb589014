// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the rooms server and its collaborators. It handles connection
// lifecycle, subject naming, and publishing of chat domain events.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the rooms server.
const (
	SubjectRoomPrefix     = "rooms"            // + .<room_id>.<event>
	SubjectUserPrefix     = "users"            // + .<user_id>.<event>
	SubjectSessionRevoked = "sessions.revoked" // payload {"sessionId": "..."}
)

// RoomMessageSubject is where new messages of roomID are published.
func RoomMessageSubject(roomID string) string {
	return SubjectRoomPrefix + "." + roomID + ".message"
}

// RoomReadReceiptSubject is where read receipts of roomID are published.
func RoomReadReceiptSubject(roomID string) string {
	return SubjectRoomPrefix + "." + roomID + ".read_receipt"
}

// UserMentionSubject is where mentions of userID are published.
func UserMentionSubject(userID string) string {
	return SubjectUserPrefix + "." + userID + ".mention"
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "rooms",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeSessionRevoked calls handler with the id of every session
// announced on sessions.revoked. Payloads without a session id are ignored.
func (c *NATSClient) SubscribeSessionRevoked(handler func(sessionID string)) error {
	return c.Subscribe(SubjectSessionRevoked, func(msg *nats.Msg) {
		sessionID, err := DecodeSessionRevoked(msg.Data)
		if err != nil {
			log.Printf("[nats] bad %s payload: %v", SubjectSessionRevoked, err)
			return
		}
		handler(sessionID)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
