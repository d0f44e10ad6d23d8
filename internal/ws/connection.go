package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client. Writes are serialised by writeMu.
type Connection struct {
	ID        string   // session id (UUID)
	UserID    string   // identity asserted at upgrade
	RemoteIP  string
	Conn      net.Conn // connection frames are read from and written to
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the latest inbound frame
	processing atomic.Bool  // set while a worker reads a frame
	writeMu    sync.Mutex
}

func newConnection(id, userID, ip string, conn net.Conn, now time.Time) *Connection {
	c := &Connection{ID: id, UserID: userID, RemoteIP: ip, Conn: conn, CreatedAt: now}
	c.Touch(now)
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the time of the latest inbound activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame, bounded by timeout when positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session id, by the
// net.Conn the poller reports, and by user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers c.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	set := cm.byUser[c.UserID]
	if set == nil {
		set = make(map[string]*Connection)
		cm.byUser[c.UserID] = set
	}
	set[c.ID] = c
}

// Remove unregisters and closes the connection with id. It reports whether
// the connection was still registered, so only one caller cleans up.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		if set := cm.byUser[c.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byUser, c.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection with id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[conn]
}

// ForUser returns the live connections of userID.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, c := range cm.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	return out
}
