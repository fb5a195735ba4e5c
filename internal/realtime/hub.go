package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"inkwell/sync/internal/auth"
	"inkwell/sync/internal/blob"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/crdt"
	"inkwell/sync/internal/rbac"
	"inkwell/sync/internal/session"
	"inkwell/sync/internal/store"
	"inkwell/sync/internal/util"
)

// Store is everything the engine needs from durable storage.
type Store interface {
	Backend
	RoleStore
}

// SessionStore resolves handshake tokens to identities and streams session
// invalidations published elsewhere in the platform.
type SessionStore interface {
	Lookup(ctx context.Context, tokenHash string) (session.Identity, error)
	SubscribeInvalidations(ctx context.Context) <-chan string
}

// Hub owns every live connection: the handshake, the per-connection read
// and write pumps, message dispatch, and the single teardown path.
type Hub struct {
	cfg      config.Config
	log      zerolog.Logger
	store    Store
	sessions SessionStore

	reg     *Registry
	guard   *Guard
	gate    *Gate
	router  *Router
	docs    *DocStore
	metrics *Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewHub(cfg config.Config, log zerolog.Logger, st Store, sessions SessionStore, engine crdt.Engine, blobs blob.Store, sanitize func(string) string, promReg prometheus.Registerer) *Hub {
	metrics := NewMetrics(promReg)
	reg := NewRegistry()
	router := NewRouter(reg, metrics, log)
	gate := NewGate(st, cfg.PermissionRefreshInterval, reg, router, metrics, log)
	docs := NewDocStore(st, engine, sanitize, blobs, metrics, log, DocStoreConfig{
		FlushDebounce: cfg.FlushDebounce,
		FlushMaxDelay: cfg.FlushMaxDelay,
		FlushMaxRetry: cfg.FlushMaxRetry,
		IdleTimeout:   cfg.IdleDocTimeout,
	})
	docs.subscriberCount = reg.DocSubscriberCount

	h := &Hub{
		cfg:      cfg,
		log:      log,
		store:    st,
		sessions: sessions,
		reg:      reg,
		guard: NewGuard(GuardConfig{
			HandshakeWindow:    cfg.HandshakeWindow,
			HandshakeBudget:    cfg.HandshakeBudget,
			MaxConnsPerAddress: cfg.MaxConnsPerAddress,
			MaxConnsPerSession: cfg.MaxConnsPerSession,
		}),
		gate:    gate,
		router:  router,
		docs:    docs,
		metrics: metrics,
		conns:   make(map[*Conn]struct{}),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	router.onSlow = func(c *Conn) { h.teardown(c, websocket.CloseTryAgainLater, "send buffer full") }
	gate.connsOfUser = h.connsOfUser
	gate.closeConn = h.teardown

	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS is the realtime handshake. Admission control runs first so an
// abusive address costs nothing beyond a rate-limiter lookup; only a fully
// authenticated, admitted request allocates connection state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)

	if !h.guard.AdmitHandshake(addr) {
		h.metrics.HandshakeRejections.WithLabelValues("rate").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	claims, err := auth.ParseToken([]byte(h.cfg.TokenSecret), token)
	if err != nil {
		h.metrics.HandshakeRejections.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := h.sessions.Lookup(r.Context(), auth.HashToken(token))
	if err != nil || identity.SessionID != claims.SID {
		h.metrics.HandshakeRejections.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	release, err := h.guard.AcquireSlots(addr, claims.SID)
	if err != nil {
		h.metrics.HandshakeRejections.WithLabelValues("slots").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		h.log.Debug().Err(err).Str("addr", addr).Msg("upgrade failed")
		return
	}

	c := newConn(ws, util.NewID("conn"), identity.UserID, identity.DisplayName, util.PickColor(), claims.SID, addr)
	c.releaseSlots = release

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.reg.AddSession(c.SessionID, c)
	h.metrics.Connections.Inc()

	c.authenticated()
	c.trySend(envelope{Event: EventConnected, Data: map[string]string{
		"connectionId": c.ID,
		"userId":       c.UserID,
		"color":        c.Color,
	}})

	h.log.Info().Str("conn", c.ID).Str("user", c.UserID).Str("addr", addr).Msg("connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *Conn) {
	defer h.teardown(c, websocket.CloseNormalClosure, "")

	pongWait := 2 * h.cfg.HeartbeatInterval
	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.teardown(c, ClosePayloadTooLarge, "message too large")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("conn", c.ID).Msg("read error")
			}
			return
		}
		if !c.canSendMessages() {
			return
		}

		msg, err := parseInbound(data)
		if err != nil {
			c.sendError(ErrCodeBadPayload, err.Error(), "")
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(env); err != nil {
				h.teardown(c, 0, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.teardown(c, 0, "heartbeat failed")
				return
			}
		}
	}
}

// dispatch handles one parsed client message. Per-message failures are
// reported on the error event and never close the transport.
func (h *Hub) dispatch(c *Conn, msg Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch m := msg.(type) {
	case *SubscribeDocument:
		h.handleSubscribeDocument(ctx, c, m.DocumentID)

	case *UnsubscribeDocument:
		if !c.subscribedToDoc(m.DocumentID) {
			return
		}
		h.reg.RemoveDoc(m.DocumentID, c)
		c.unsubscribeDoc(m.DocumentID)
		h.router.ToDocument(m.DocumentID, EventUserLeft, userEventData{
			DocumentID:  m.DocumentID,
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			Color:       c.Color,
		}, c.UserID)

	case *SubscribeWorkspace:
		level, err := h.gate.Fresh(ctx, c, m.WorkspaceID)
		if err != nil {
			c.sendError(ErrCodeForbidden, "permission check failed", m.WorkspaceID)
			return
		}
		if !level.AtLeast(rbac.Read) {
			c.sendError(ErrCodeForbidden, "no access to workspace", m.WorkspaceID)
			return
		}
		c.subscribeWorkspace(m.WorkspaceID)
		h.reg.AddWorkspace(m.WorkspaceID, c)

	case *UnsubscribeWorkspace:
		h.reg.RemoveWorkspace(m.WorkspaceID, c)
		c.unsubscribeWorkspace(m.WorkspaceID)

	case *SubscribeUser:
		c.enableUserFeed()
		h.reg.AddUser(c.UserID, c)

	case *DocumentUpdate:
		h.handleDocumentUpdate(ctx, c, m)

	case *PresenceUpdate:
		h.handlePresenceUpdate(ctx, c, m)
	}
}

func (h *Hub) handleSubscribeDocument(ctx context.Context, c *Conn, docID string) {
	meta, err := h.store.GetDocumentMeta(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		c.sendError(ErrCodeNotFound, "document not found", docID)
		return
	}
	if err != nil {
		c.sendError(ErrCodeNotFound, "document lookup failed", docID)
		return
	}

	// Private encrypted documents must not even confirm their existence
	// to anyone but their owner.
	if meta.Encrypted && !meta.ShareAllowed && meta.OwnerID != c.UserID {
		c.sendError(ErrCodeNotFound, "document not found", docID)
		return
	}

	level, err := h.gate.Fresh(ctx, c, meta.WorkspaceID)
	if err != nil {
		c.sendError(ErrCodeForbidden, "permission check failed", docID)
		return
	}
	if !level.AtLeast(rbac.Read) {
		c.sendError(ErrCodeForbidden, "no access to document", docID)
		return
	}

	if _, err := h.docs.LoadOrCreate(ctx, docID); err != nil {
		h.log.Error().Err(err).Str("doc", docID).Msg("replica load failed")
		c.sendError(ErrCodeNotFound, "document could not be loaded", docID)
		return
	}

	c.subscribeDoc(docID, meta.WorkspaceID)
	h.reg.AddDoc(docID, c)

	init := initData{
		DocumentID: docID,
		Color:      c.Color,
		Permission: level.String(),
	}
	if meta.Encrypted {
		// Ciphertext never transits the sync engine; the client fetches
		// and decrypts it out of band.
		init.Encrypted = true
	} else {
		snapshot, err := h.docs.Snapshot(docID)
		if err != nil {
			h.log.Error().Err(err).Str("doc", docID).Msg("snapshot failed")
			c.sendError(ErrCodeNotFound, "document could not be loaded", docID)
			h.reg.RemoveDoc(docID, c)
			c.unsubscribeDoc(docID)
			return
		}
		init.State = snapshot
	}
	c.trySend(envelope{Event: EventInit, Data: init})

	h.router.ToDocument(docID, EventUserJoined, userEventData{
		DocumentID:  docID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		Color:       c.Color,
	}, c.UserID)
}

func (h *Hub) handleDocumentUpdate(ctx context.Context, c *Conn, m *DocumentUpdate) {
	wsID, ok := c.docWorkspace(m.DocumentID)
	if !ok {
		c.sendError(ErrCodeNotSubscribed, "subscribe before sending updates", m.DocumentID)
		return
	}

	level, err := h.gate.Fresh(ctx, c, wsID)
	if err != nil {
		c.sendError(ErrCodeForbidden, "permission check failed", m.DocumentID)
		return
	}
	if level == rbac.None {
		h.gate.Evict(c, wsID, "access revoked")
		return
	}
	if !level.AtLeast(rbac.Edit) {
		c.sendError(ErrCodeForbidden, "read-only access", m.DocumentID)
		return
	}

	if err := h.docs.ApplyUpdate(m.DocumentID, m.Update); err != nil {
		if errors.Is(err, errEncryptedDoc) {
			c.sendError(ErrCodeEncrypted, "encrypted documents do not accept live updates", m.DocumentID)
			return
		}
		c.sendError(ErrCodeBadPayload, "update rejected", m.DocumentID)
		return
	}

	h.router.ToDocument(m.DocumentID, EventDocumentUpdate, map[string]any{
		"documentId": m.DocumentID,
		"update":     m.Update,
		"userId":     c.UserID,
	}, c.UserID)
}

func (h *Hub) handlePresenceUpdate(ctx context.Context, c *Conn, m *PresenceUpdate) {
	if len(m.Data) > h.cfg.MaxPresenceBytes {
		// Same contract as the transport-level read limit: payload
		// ceilings close the connection.
		h.teardown(c, ClosePayloadTooLarge, "presence payload too large")
		return
	}
	wsID, ok := c.docWorkspace(m.DocumentID)
	if !ok {
		c.sendError(ErrCodeNotSubscribed, "subscribe before sending presence", m.DocumentID)
		return
	}

	level, err := h.gate.Fresh(ctx, c, wsID)
	if err != nil {
		c.sendError(ErrCodeForbidden, "permission check failed", m.DocumentID)
		return
	}
	if level == rbac.None {
		h.gate.Evict(c, wsID, "access revoked")
		return
	}

	h.docs.Touch(m.DocumentID)
	h.router.ToDocument(m.DocumentID, EventPresenceUpdate, presenceData{
		DocumentID:  m.DocumentID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		Color:       c.Color,
		Data:        m.Data,
	}, c.UserID)
}

// teardown is the only way a connection dies, whatever triggered it: a
// normal close, a read or write error, a slow consumer, a session
// invalidation, a kick. It runs exactly once per connection.
func (h *Hub) teardown(c *Conn, code int, reason string) {
	c.teardownOnce.Do(func() {
		c.markClosing()

		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()

		docs := c.snapshotDocs()
		h.reg.RemoveEverywhere(c)
		for docID := range docs {
			h.router.ToDocument(docID, EventUserLeft, userEventData{
				DocumentID:  docID,
				UserID:      c.UserID,
				DisplayName: c.DisplayName,
				Color:       c.Color,
			}, c.UserID)
		}

		if c.releaseSlots != nil {
			c.releaseSlots()
		}

		if c.ws != nil {
			if code != 0 {
				deadline := time.Now().Add(time.Second)
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			}
			_ = c.ws.Close()
		}
		close(c.done)
		c.markClosed()

		h.metrics.Connections.Dec()
		h.log.Info().Str("conn", c.ID).Str("user", c.UserID).Int("code", code).Str("reason", reason).Msg("disconnected")
	})
}

// CloseSession tears down every transport opened with a login session.
func (h *Hub) CloseSession(sessionID string) {
	for _, c := range h.reg.ConnsForSession(sessionID) {
		h.teardown(c, CloseSessionInvalidated, "session invalidated")
	}
}

// KickUser sweeps a user out of a workspace on every live connection.
// Called when a share grant is deleted elsewhere in the platform.
func (h *Hub) KickUser(workspaceID, userID string) {
	h.gate.Kick(workspaceID, userID)
}

// NotifyWorkspace fans a platform-originated event out to workspace
// subscribers, applying visibility filtering when the event references
// documents.
func (h *Hub) NotifyWorkspace(workspaceID, event string, data map[string]any, excludeUserID string, vis *Visibility) {
	h.router.ToWorkspace(workspaceID, event, data, excludeUserID, vis)
}

// NotifyUser fans a platform-originated event out to a user's feed.
func (h *Hub) NotifyUser(userID, event string, data any, excludeSessionID string) {
	h.router.ToUser(userID, event, data, excludeSessionID)
}

func (h *Hub) connsOfUser(userID string) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Conn
	for c := range h.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown closes every connection and flushes every replica.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.teardown(c, websocket.CloseGoingAway, "server shutting down")
	}
	h.docs.Shutdown()
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
