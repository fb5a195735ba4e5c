package realtime

import "sync"

// Registry holds the four subscription indexes: by document, by
// workspace, by user, by login session. A connection may appear in any
// number of them; RemoveEverywhere takes it out of all four exactly once,
// which is the invariant that prevents ghost broadcasts.
type Registry struct {
	mu        sync.RWMutex
	byDoc     map[string]map[*Conn]struct{}
	byWs      map[string]map[*Conn]struct{}
	byUser    map[string]map[*Conn]struct{}
	bySession map[string]map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byDoc:     make(map[string]map[*Conn]struct{}),
		byWs:      make(map[string]map[*Conn]struct{}),
		byUser:    make(map[string]map[*Conn]struct{}),
		bySession: make(map[string]map[*Conn]struct{}),
	}
}

func add(index map[string]map[*Conn]struct{}, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Conn]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func remove(index map[string]map[*Conn]struct{}, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (r *Registry) AddDoc(docID string, c *Conn) {
	r.mu.Lock()
	add(r.byDoc, docID, c)
	r.mu.Unlock()
}

func (r *Registry) RemoveDoc(docID string, c *Conn) {
	r.mu.Lock()
	remove(r.byDoc, docID, c)
	r.mu.Unlock()
}

func (r *Registry) AddWorkspace(wsID string, c *Conn) {
	r.mu.Lock()
	add(r.byWs, wsID, c)
	r.mu.Unlock()
}

func (r *Registry) RemoveWorkspace(wsID string, c *Conn) {
	r.mu.Lock()
	remove(r.byWs, wsID, c)
	r.mu.Unlock()
}

func (r *Registry) AddUser(userID string, c *Conn) {
	r.mu.Lock()
	add(r.byUser, userID, c)
	r.mu.Unlock()
}

func (r *Registry) AddSession(sessionID string, c *Conn) {
	r.mu.Lock()
	add(r.bySession, sessionID, c)
	r.mu.Unlock()
}

// RemoveEverywhere drops the connection from all four indexes. Idempotent,
// so overlapping close and error handlers are harmless.
func (r *Registry) RemoveEverywhere(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for docID := range r.byDoc {
		remove(r.byDoc, docID, c)
	}
	for wsID := range r.byWs {
		remove(r.byWs, wsID, c)
	}
	remove(r.byUser, c.UserID, c)
	remove(r.bySession, c.SessionID, c)
}

func snapshot(index map[string]map[*Conn]struct{}, key string) []*Conn {
	set := index[key]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnsForDoc(docID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byDoc, docID)
}

func (r *Registry) ConnsForWorkspace(wsID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byWs, wsID)
}

func (r *Registry) ConnsForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser, userID)
}

func (r *Registry) ConnsForSession(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.bySession, sessionID)
}

// DocSubscriberCount is used by idle eviction: replicas with live
// subscribers are never evicted.
func (r *Registry) DocSubscriberCount(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDoc[docID])
}
