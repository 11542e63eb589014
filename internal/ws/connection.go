package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/rooms/internal/auth"
	"github.com/whisper/rooms/internal/realtime"
)

// Connection represents a single authenticated WebSocket client with its
// associated metadata and a write mutex for serializing outbound frames.
// It implements realtime.Client.
type Connection struct {
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll, -1 on the fallback
	CreatedAt time.Time // when the connection was established

	id           string
	principal    auth.Principal
	server       *Server
	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

var _ realtime.Client = (*Connection)(nil)

// ID returns the connection's UUID.
func (c *Connection) ID() string { return c.id }

// Principal returns the identity the connection authenticated as.
func (c *Connection) Principal() auth.Principal { return c.principal }

// Send writes a WebSocket text frame. The write mutex ensures that
// concurrent goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close tears the connection down through the server so that the router
// sees the disconnect. It is safe to call more than once.
func (c *Connection) Close() error {
	if c.server != nil {
		c.server.RemoveConnection(c)
		return nil
	}
	return c.Conn.Close()
}

// LastActive reports when the last frame was read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false
// if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Conn.Close()
	}
	return ok
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
