package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inkwell/sync/internal/rbac"
)

// RoleStore resolves a viewer's authoritative role in a workspace.
type RoleStore interface {
	GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error)
}

// Gate resolves, caches and revalidates permissions, and evicts viewers
// whose access was revoked mid-session.
type Gate struct {
	roles        RoleStore
	refreshEvery time.Duration
	reg          *Registry
	router       *Router
	metrics      *Metrics
	log          zerolog.Logger

	// connsOfUser lists every live connection of a user, subscribed or
	// not. Supplied by the hub.
	connsOfUser func(userID string) []*Conn
	// closeConn hard-closes a transport through the hub's single teardown
	// path. Used only for fully-orphaned transports after a kick.
	closeConn func(c *Conn, code int, reason string)
}

func NewGate(roles RoleStore, refreshEvery time.Duration, reg *Registry, router *Router, metrics *Metrics, log zerolog.Logger) *Gate {
	return &Gate{
		roles:        roles,
		refreshEvery: refreshEvery,
		reg:          reg,
		router:       router,
		metrics:      metrics,
		log:          log,
		connsOfUser:  func(string) []*Conn { return nil },
		closeConn:    func(*Conn, int, string) {},
	}
}

// Resolve returns the authoritative permission level, bypassing any cache.
func (g *Gate) Resolve(ctx context.Context, workspaceID, userID string) (rbac.Level, error) {
	role, err := g.roles.GetWorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return rbac.None, fmt.Errorf("resolve permission: %w", err)
	}
	return rbac.Normalize(role), nil
}

// Fresh returns the connection's permission for a workspace, re-resolving
// only when the cached snapshot is older than the refresh interval. The
// hot path of a fast typist never touches the store twice within one
// interval.
func (g *Gate) Fresh(ctx context.Context, c *Conn, workspaceID string) (rbac.Level, error) {
	if level, ok := c.cachedPerm(workspaceID, g.refreshEvery); ok {
		return level, nil
	}
	level, err := g.Resolve(ctx, workspaceID, c.UserID)
	if err != nil {
		return rbac.None, err
	}
	c.storePerm(workspaceID, level)
	return level, nil
}

// Evict removes the connection's subscriptions under one workspace and
// tells the client why. The transport stays open: hard-closing would drop
// unrelated subscriptions on the same connection, and a well-behaved
// client simply resubscribes to what it still may see.
func (g *Gate) Evict(c *Conn, workspaceID, reason string) {
	for _, docID := range c.docsInWorkspace(workspaceID) {
		g.reg.RemoveDoc(docID, c)
		c.unsubscribeDoc(docID)
		g.router.ToDocument(docID, EventUserLeft, userEventData{
			DocumentID:  docID,
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			Color:       c.Color,
		}, c.UserID)
	}
	g.reg.RemoveWorkspace(workspaceID, c)
	c.unsubscribeWorkspace(workspaceID)
	c.dropPerm(workspaceID)

	c.trySend(envelope{Event: EventAccessRevoked, Data: revokedData{WorkspaceID: workspaceID, Reason: reason}})
	g.metrics.Evictions.WithLabelValues("revoked").Inc()
	g.log.Info().Str("conn", c.ID).Str("user", c.UserID).Str("workspace", workspaceID).Str("reason", reason).Msg("evicted")
}

// Kick synchronously sweeps every live connection of a user out of a
// workspace. Called when a share grant is deleted elsewhere in the
// system. Transports left with no subscriptions at all are closed to
// force a reconnect with fresh credentials.
func (g *Gate) Kick(workspaceID, targetUserID string) {
	for _, c := range g.connsOfUser(targetUserID) {
		subscribed := len(c.docsInWorkspace(workspaceID)) > 0
		c.mu.Lock()
		_, inWs := c.workspaces[workspaceID]
		c.mu.Unlock()
		if !subscribed && !inWs {
			c.dropPerm(workspaceID)
			continue
		}

		g.Evict(c, workspaceID, "share removed")
		if !c.hasSubscriptions() {
			g.closeConn(c, CloseUnauthorized, "access revoked")
		}
	}
	g.metrics.Evictions.WithLabelValues("kick").Inc()
}
