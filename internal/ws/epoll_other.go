//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll emulates readiness notification with one watcher goroutine per
// connection. Each watcher peeks a byte through a buffered reader, reports
// the connection ready, then waits for Resume before peeking again, so the
// watcher and the frame reader never touch the buffer at the same time.
type Epoll struct {
	mu      sync.Mutex
	watched map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// peekConn reads through a bufio.Reader so readiness can be detected
// without consuming frame bytes.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 256),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the connection the server must read from.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts watching a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}
	e.mu.Lock()
	e.watched[conn] = w
	e.mu.Unlock()
	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	for {
		_, err := pc.r.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The reader will observe the error and remove the connection.
			return
		}
		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watched[conn]
	delete(e.watched, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Resume lets the watcher of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.watched[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and drains any others
// already queued.
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

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
