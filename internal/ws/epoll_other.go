//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux
// platforms so that the server also runs on macOS and Windows. Each
// connection is read through a bufio.Reader; a monitor goroutine peeks one
// byte to detect readiness and then waits for Rearm before peeking again,
// so the monitor and the frame reader never touch the buffer at once.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{br: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.br.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read path sees the same error and removes conn.
			return
		}
		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection. Its monitor exits once the connection
// is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading and
// returns all connections ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns the buffered reader that frames of conn must be read from.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.conns[conn]; ok {
		return w.br
	}
	return conn
}

// Rearm lets conn's monitor look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the goroutine-based fallback.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool { return false }
