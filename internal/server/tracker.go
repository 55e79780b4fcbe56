package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// connTracker records open sockets so Stop can close them.
// Once closed it refuses new connections, closing them on add.
type connTracker struct {
	mu          sync.Mutex
	connections map[net.Conn]struct{}
	closed      bool
	count       atomic.Int64
}

func newConnTracker() *connTracker {
	return &connTracker{
		connections: make(map[net.Conn]struct{}),
	}
}

// add registers conn. It returns false, after closing conn, if the tracker
// has already been shut down.
func (t *connTracker) add(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return false
	}
	t.connections[conn] = struct{}{}
	t.count.Add(1)
	return true
}

// remove unregisters conn. Safe to call more than once.
func (t *connTracker) remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[conn]; ok {
		delete(t.connections, conn)
		t.count.Add(-1)
	}
}

func (t *connTracker) len() int64 {
	return t.count.Load()
}

// closeAll closes every tracked connection and rejects future adds.
func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[net.Conn]struct{})
	t.count.Store(0)
}
