// Package realtime routes authenticated client events to rooms. It owns the
// in-memory room graph of this process: which connections are open, which
// user each belongs to, and which rooms each has joined. The transport layer
// (package ws) feeds it lifecycle callbacks and raw frames.
package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/rooms/internal/auth"
	"github.com/whisper/rooms/internal/chat"
	"github.com/whisper/rooms/internal/metrics"
	"github.com/whisper/rooms/internal/presence"
	"github.com/whisper/rooms/internal/protocol"
	"github.com/whisper/rooms/internal/store"
)

// Client is an authenticated connection as seen by the router. Send must
// be safe for concurrent use.
type Client interface {
	ID() string
	Principal() auth.Principal
	Send(data []byte) error
	Close() error
}

// Publisher receives domain events after they have been delivered to
// sockets. Implementations must not block for long.
type Publisher interface {
	PublishMessage(ev chat.MessageEvent)
	PublishMention(ev chat.MentionEvent)
	PublishReadReceipt(ev chat.ReadReceiptEvent)
}

// Throttle limits how often a user may post messages. retryAfter is only
// meaningful when allowed is false.
type Throttle interface {
	Allow(ctx context.Context, userID string) (allowed bool, retryAfter time.Duration)
}

// DefaultStoreTimeout bounds the store calls made for a single client event.
const DefaultStoreTimeout = 5 * time.Second

type clientState struct {
	client Client
	rooms  map[string]struct{}
}

// Gateway is the realtime router. Create it with NewGateway.
type Gateway struct {
	store        store.Store
	presence     *presence.Tracker
	publisher    Publisher
	throttle     Throttle
	storeTimeout time.Duration
	now          func() time.Time
	handlers     map[string]Handler

	// presenceMu orders presence transitions with their broadcasts, so
	// every client sees user_online and user_offline for a user in the
	// order the tracker applied them.
	presenceMu sync.Mutex

	mu      sync.RWMutex
	clients map[string]*clientState      // conn id -> state
	byUser  map[string]map[string]Client // user id -> conn id -> client
	rooms   map[string]map[string]Client // room id -> conn id -> client
}

// NewGateway creates a Gateway backed by st, tracking presence in tracker.
func NewGateway(st store.Store, tracker *presence.Tracker) *Gateway {
	g := &Gateway{
		store:        st,
		presence:     tracker,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		handlers:     make(map[string]Handler),
		clients:      make(map[string]*clientState),
		byUser:       make(map[string]map[string]Client),
		rooms:        make(map[string]map[string]Client),
	}
	g.registerHandlers()
	return g
}

// SetPublisher installs the domain event sink. A nil publisher disables it.
func (g *Gateway) SetPublisher(p Publisher) { g.publisher = p }

// SetThrottle installs the per-user message throttle.
func (g *Gateway) SetThrottle(t Throttle) { g.throttle = t }

// SetStoreTimeout changes the per-event store deadline.
func (g *Gateway) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		g.storeTimeout = d
	}
}

// Connect registers an authenticated client. The client receives the
// current online list, and if this is the user's first connection every
// client is told the user came online. Connecting the same client twice is
// a no-op.
func (g *Gateway) Connect(c Client) {
	p := c.Principal()

	g.mu.Lock()
	if _, ok := g.clients[c.ID()]; ok {
		g.mu.Unlock()
		return
	}
	g.clients[c.ID()] = &clientState{client: c, rooms: make(map[string]struct{})}
	conns, ok := g.byUser[p.UserID]
	if !ok {
		conns = make(map[string]Client)
		g.byUser[p.UserID] = conns
	}
	conns[c.ID()] = c
	g.mu.Unlock()

	g.presenceMu.Lock()
	first := g.presence.Add(p.UserID)
	metrics.OnlineUsers.Set(float64(g.presence.Count()))
	g.send(c, protocol.TypeOnlineList, protocol.OnlineListMsg{UserIDs: g.presence.List()})
	if first {
		g.broadcastAll(protocol.TypeUserOnline, protocol.UserOnlineMsg{UserID: p.UserID}, "")
	}
	g.presenceMu.Unlock()

	log.Printf("[gateway] connected conn=%s user=%s first=%v", c.ID(), p.UserID, first)
}

// Disconnect drops every room subscription of c and deregisters its
// presence. If it was the user's last connection the remaining clients are
// told the user went offline. Calling Disconnect more than once, or for a
// client that never connected, is a no-op.
func (g *Gateway) Disconnect(c Client) {
	g.mu.Lock()
	st, ok := g.clients[c.ID()]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.ID())
	userID := st.client.Principal().UserID
	if conns := g.byUser[userID]; conns != nil {
		delete(conns, c.ID())
		if len(conns) == 0 {
			delete(g.byUser, userID)
		}
	}
	for roomID := range st.rooms {
		if members := g.rooms[roomID]; members != nil {
			delete(members, c.ID())
			if len(members) == 0 {
				delete(g.rooms, roomID)
			}
		}
	}
	g.mu.Unlock()

	g.presenceMu.Lock()
	last := g.presence.Remove(userID)
	metrics.OnlineUsers.Set(float64(g.presence.Count()))
	if last {
		g.broadcastAll(protocol.TypeUserOffline, protocol.UserOfflineMsg{UserID: userID}, "")
	}
	g.presenceMu.Unlock()

	log.Printf("[gateway] disconnected conn=%s user=%s last=%v", c.ID(), userID, last)
}

// DisconnectSession closes every connection authenticated with sessionID
// and returns how many were closed.
func (g *Gateway) DisconnectSession(sessionID string) int {
	g.mu.RLock()
	var victims []Client
	for _, st := range g.clients {
		if st.client.Principal().SessionID == sessionID {
			victims = append(victims, st.client)
		}
	}
	g.mu.RUnlock()

	for _, c := range victims {
		if err := c.Close(); err != nil {
			log.Printf("[gateway] close conn=%s: %v", c.ID(), err)
		}
		g.Disconnect(c)
	}
	return len(victims)
}

// ConnectionCount returns the number of registered clients.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// OnlineCount returns the number of users with at least one connection.
func (g *Gateway) OnlineCount() int {
	return g.presence.Count()
}

// subscribe adds c to roomID's broadcast set. It reports false if c has
// disconnected in the meantime.
func (g *Gateway) subscribe(c Client, roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.clients[c.ID()]
	if !ok {
		return false
	}
	st.rooms[roomID] = struct{}{}
	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[string]Client)
		g.rooms[roomID] = members
	}
	members[c.ID()] = c
	return true
}

// roomClients returns a snapshot of roomID's subscribers minus exceptID.
func (g *Gateway) roomClients(roomID, exceptID string) []Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Client, 0, len(g.rooms[roomID]))
	for id, c := range g.rooms[roomID] {
		if id != exceptID {
			out = append(out, c)
		}
	}
	return out
}

// userClients returns a snapshot of userID's connections minus exceptID.
func (g *Gateway) userClients(userID, exceptID string) []Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Client, 0, len(g.byUser[userID]))
	for id, c := range g.byUser[userID] {
		if id != exceptID {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) allClients(exceptID string) []Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Client, 0, len(g.clients))
	for id, st := range g.clients {
		if id != exceptID {
			out = append(out, st.client)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func (g *Gateway) send(c Client, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s conn=%s: %v", msgType, c.ID(), err)
		return
	}
	g.write(c, data)
}

func (g *Gateway) write(c Client, data []byte) {
	if err := c.Send(data); err != nil {
		log.Printf("[gateway] send failed conn=%s: %v", c.ID(), err)
	}
}

func (g *Gateway) fanout(clients []Client, data []byte) {
	for _, c := range clients {
		g.write(c, data)
	}
}

func (g *Gateway) broadcastAll(msgType string, payload interface{}, exceptID string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", msgType, err)
		return
	}
	g.fanout(g.allClients(exceptID), data)
}

func (g *Gateway) broadcastRoom(roomID string, data []byte, exceptID string) {
	g.fanout(g.roomClients(roomID, exceptID), data)
}

func (g *Gateway) sendError(c Client, code, message string) {
	metrics.PipelineErrors.WithLabelValues(code).Inc()
	g.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
