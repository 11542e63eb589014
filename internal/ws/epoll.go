//go:build linux

package ws

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 200

// readEvents is the interest set of every registered socket. EPOLLONESHOT
// disarms the fd after one report; Rearm enables it again once the frame
// has been handled, so a slow handler never makes epoll_wait spin.
const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a goroutine per connection, we register file descriptors
// with the kernel and get notified only when data is ready to read.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	mu          sync.RWMutex      // protects connections map
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a network connection with epoll for a single read
// readiness notification. See Rearm.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters a network connection from epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	if fd < 0 {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until one or more registered connections are ready for
// reading, or the wait timeout elapses (returning an empty slice).
// Connections removed between epoll_wait returning and the lookup are
// silently skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Reader returns the reader frames of conn are read from. With real epoll
// that is the socket itself; buffering would hide pending bytes from the
// kernel's readiness tracking.
func (e *Epoll) Reader(conn net.Conn) io.Reader { return conn }

// Rearm re-enables readiness reporting for conn after its event has been
// handled. Data that arrived in the meantime is reported on the next Wait.
// Connections that were removed, or whose socket is closed, are skipped.
func (e *Epoll) Rearm(conn net.Conn) {
	fd := socketFD(conn)
	if fd < 0 {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.connections[fd] != conn {
		return
	}
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	})
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		log.Printf("ws: epoll rearm fd=%d: %v", fd, err)
	}
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]net.Conn)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	}); err != nil {
		return -1
	}
	return fd
}

// isEINTR reports whether err is an interrupted system call, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
