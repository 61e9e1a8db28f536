package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// A user may hold several connections at once (multiple tabs or devices);
// UserID ties them back to the durable identity.
type Connection struct {
	ID         string       // connection ID (UUID), unique per transport session
	UserID     string       // authenticated durable user identity
	Conn       net.Conn     // underlying TCP connection
	Fd         int          // file descriptor for epoll lookups
	CreatedAt  time.Time    // when the connection was established
	lastPing   atomic.Int64 // unix nanos of the last inbound frame
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records inbound activity. Read workers and the heartbeat goroutine
// access the timestamp concurrently, hence the atomic.
func (c *Connection) Touch() {
	c.lastPing.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent recorded inbound activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// connTable is a thread-safe map of live connections keyed by both
// connection ID and file descriptor, supporting O(1) lookups from either
// direction. The per-user view lives in the registry package; this table
// only serves the transport layer.
type connTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

func newConnTable() *connTable {
	return &connTable{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (t *connTable) Add(conn *Connection) {
	t.mu.Lock()
	t.byID[conn.ID] = conn
	t.byFd[conn.Fd] = conn
	t.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (t *connTable) Remove(id string) bool {
	t.mu.Lock()
	conn, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byFd, conn.Fd)
	}
	t.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (t *connTable) Get(id string) *Connection {
	t.mu.RLock()
	conn := t.byID[id]
	t.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (t *connTable) GetByFd(fd int) *Connection {
	t.mu.RLock()
	conn := t.byFd[fd]
	t.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (t *connTable) GetByConn(c net.Conn) *Connection {
	return t.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (t *connTable) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (t *connTable) All() []*Connection {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.byID))
	for _, conn := range t.byID {
		conns = append(conns, conn)
	}
	t.mu.RUnlock()
	return conns
}
