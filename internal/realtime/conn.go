package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/sync/internal/rbac"
)

type connState int

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// permSnapshot caches a resolved permission level with its freshness
// timestamp. No update-applying operation runs on a snapshot older than
// the configured refresh interval.
type permSnapshot struct {
	level     rbac.Level
	checkedAt time.Time
}

// Conn is the server-side record of one live transport. Exactly one Conn
// exists per WebSocket; it is created on a successful handshake and
// destroyed once, through Hub.teardown, however the transport ends.
type Conn struct {
	ID          string
	UserID      string
	DisplayName string
	Color       string
	SessionID   string
	Addr        string

	ws   *websocket.Conn
	send chan envelope
	done chan struct{} // closed by teardown; unblocks the write pump

	// releaseSlots returns this connection's concurrency slots to the
	// guard. Idempotent; teardown may race an error-path close.
	releaseSlots func()

	mu         sync.Mutex
	state      connState
	docs       map[string]string // document id -> workspace id
	workspaces map[string]struct{}
	userFeed   bool
	perms      map[string]permSnapshot // workspace id -> cached level

	teardownOnce sync.Once
}

func newConn(ws *websocket.Conn, id, userID, displayName, color, sessionID, addr string) *Conn {
	return &Conn{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		Color:       color,
		SessionID:   sessionID,
		Addr:        addr,
		ws:          ws,
		send:        make(chan envelope, 64),
		done:        make(chan struct{}),
		state:       stateConnecting,
		docs:        make(map[string]string),
		workspaces:  make(map[string]struct{}),
		perms:       make(map[string]permSnapshot),
	}
}

func (c *Conn) authenticated() {
	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateAuthenticated
	}
	c.mu.Unlock()
}

func (c *Conn) canSendMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

func (c *Conn) markClosing() {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateClosing
	}
	c.mu.Unlock()
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// trySend queues an outbound event without blocking. A full send buffer
// means the consumer is too slow to keep up; the caller decides whether
// that tears the connection down.
func (c *Conn) trySend(env envelope) bool {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return true // silently dropped, teardown already in flight
	}
	c.mu.Unlock()

	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Conn) sendError(code, message, target string) {
	c.trySend(envelope{Event: EventError, Data: errorData{Code: code, Message: message, Target: target}})
}

func (c *Conn) subscribeDoc(docID, workspaceID string) {
	c.mu.Lock()
	c.docs[docID] = workspaceID
	c.mu.Unlock()
}

func (c *Conn) unsubscribeDoc(docID string) {
	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()
}

func (c *Conn) subscribedToDoc(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[docID]
	return ok
}

// docWorkspace returns the workspace a subscribed document belongs to.
func (c *Conn) docWorkspace(docID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wsID, ok := c.docs[docID]
	return wsID, ok
}

func (c *Conn) enableUserFeed() {
	c.mu.Lock()
	c.userFeed = true
	c.mu.Unlock()
}

func (c *Conn) subscribeWorkspace(workspaceID string) {
	c.mu.Lock()
	c.workspaces[workspaceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) unsubscribeWorkspace(workspaceID string) {
	c.mu.Lock()
	delete(c.workspaces, workspaceID)
	c.mu.Unlock()
}

// docsInWorkspace returns the document subscriptions belonging to one
// workspace, used by eviction and kick sweeps.
func (c *Conn) docsInWorkspace(workspaceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for docID, wsID := range c.docs {
		if wsID == workspaceID {
			out = append(out, docID)
		}
	}
	return out
}

func (c *Conn) snapshotDocs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.docs))
	for k, v := range c.docs {
		out[k] = v
	}
	return out
}

// hasSubscriptions reports whether the connection is still interested in
// anything. Fully-orphaned transports after a kick get closed to force a
// reconnect with fresh credentials.
func (c *Conn) hasSubscriptions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs) > 0 || len(c.workspaces) > 0 || c.userFeed
}

func (c *Conn) cachedPerm(workspaceID string, maxAge time.Duration) (rbac.Level, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.perms[workspaceID]
	if !ok || time.Since(snap.checkedAt) > maxAge {
		return rbac.None, false
	}
	return snap.level, true
}

func (c *Conn) storePerm(workspaceID string, level rbac.Level) {
	c.mu.Lock()
	c.perms[workspaceID] = permSnapshot{level: level, checkedAt: time.Now()}
	c.mu.Unlock()
}

func (c *Conn) dropPerm(workspaceID string) {
	c.mu.Lock()
	delete(c.perms, workspaceID)
	c.mu.Unlock()
}
