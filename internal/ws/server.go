// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, maintaining active connections, and feeding
// incoming frames to the realtime router.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/rooms/internal/auth"
	"github.com/whisper/rooms/internal/metrics"
	"github.com/whisper/rooms/internal/realtime"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // deadline for verifying the handshake token
	MaxFrameBytes  int64         // largest accepted client message
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    3 * time.Second,
		MaxFrameBytes:  64 * 1024,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator turns a handshake bearer token into a Principal. Errors
// wrapping auth.ErrUnauthenticated refuse the credential; any other error
// is treated as the verifier being unavailable.
type Authenticator interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// SessionToucher refreshes an active session when a connection opens.
type SessionToucher interface {
	Touch(ctx context.Context, sessionID string) error
}

// Router receives connection lifecycle events and data frames.
type Router interface {
	Connect(c realtime.Client)
	Dispatch(c realtime.Client, data []byte)
	Disconnect(c realtime.Client)
	OnlineCount() int
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	sessions   SessionToucher
	router     Router
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	prepOnce   sync.Once
	prepErr    error
	stopOnce   sync.Once
	startedAt  time.Time // server start time for uptime calculation

	readyEvents atomic.Int64 // readiness reports taken from the poller
}

// NewServer creates a Server. Connections are authenticated with authn and
// their events delivered to router.
func NewServer(config ServerConfig, authn Authenticator, router Router) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		auth:       authn,
		router:     router,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetSessionToucher registers the store whose sessions are refreshed on
// every successful handshake.
func (s *Server) SetSessionToucher(t SessionToucher) {
	s.sessions = t
}

// Handle mounts an additional HTTP handler (e.g. /metrics) on the server's
// mux. It must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// prepare creates the epoll instance and starts the event loop and the
// heartbeat monitor. It runs once.
func (s *Server) prepare() error {
	s.prepOnce.Do(func() {
		epoll, err := NewEpoll()
		if err != nil {
			s.prepErr = fmt.Errorf("ws: failed to create epoll: %w", err)
			return
		}
		s.epoll = epoll
		s.startedAt = time.Now()

		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
	})
	return s.prepErr
}

// Start begins accepting WebSocket connections on config.ListenAddr. It
// blocks until the server is shut down.
func (s *Server) Start() error {
	if err := s.prepare(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade verifies the token query parameter and, on success,
// upgrades the request using the gobwas/ws zero-copy upgrader. Refused
// requests never reach the upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.AuthTimeout)
	defer cancel()

	principal, err := s.auth.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			metrics.AuthFailures.WithLabelValues("unauthenticated").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		log.Printf("ws: token verification failed: %v", err)
		metrics.AuthFailures.WithLabelValues("unavailable").Inc()
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	if s.sessions != nil {
		if err := s.sessions.Touch(ctx, principal.SessionID); err != nil {
			log.Printf("ws: session touch failed session=%s: %v", principal.SessionID, err)
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		id:           uuid.New().String(),
		principal:    principal,
		server:       s,
		writeTimeout: s.config.WriteTimeout,
	}
	c.touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	s.router.Connect(c)

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.id, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)",
		c.id, principal.UserID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection and online user counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		OnlineUsers: s.router.OnlineCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			s.readyEvents.Add(1)
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket message from a ready connection and
// hands it to the router. The processing flag keeps two workers from
// reading the same connection, so one connection's frames are handled in
// order and never concurrently.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// The poller reports a connection once per Rearm; the flag keeps a
	// second worker off it regardless.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		// Ping/pong: discard the payload, the connection is alive.
		if header.Length > 0 {
			_, _ = io.CopyN(io.Discard, reader, header.Length)
		}
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	limit := s.config.MaxFrameBytes
	if limit <= 0 {
		limit = DefaultServerConfig().MaxFrameBytes
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if int64(len(data)) > limit {
		log.Printf("ws: frame too large conn=%s (>%d bytes)", c.id, limit)
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	s.router.Dispatch(c, data)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and tells the router.
// Concurrent and repeated calls for the same connection are safe; only the
// first one has an effect.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	s.router.Disconnect(c)

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)",
		c.id, c.principal.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				log.Printf("ws: http shutdown error: %v", herr)
				err = herr
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return err
}
