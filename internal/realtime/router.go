package realtime

import (
	"github.com/rs/zerolog"
)

// Visibility describes, for a workspace-level event that references a set
// of documents, which of those documents only their owner may know exist.
// Filtering is by existence, not permission level: an EDIT collaborator on
// the workspace still must not learn that a private encrypted document
// lives in it.
type Visibility struct {
	// DocumentIDs is every document the event describes.
	DocumentIDs []string
	// PrivateOwner maps a document id to its owner's user id for each
	// document that is encrypted and not share-allowed.
	PrivateOwner map[string]string
	// Field is the payload key carrying the document list. Defaults to
	// "documentIds".
	Field string
}

func (v *Visibility) filterFor(userID string) []string {
	out := make([]string, 0, len(v.DocumentIDs))
	for _, id := range v.DocumentIDs {
		if owner, private := v.PrivateOwner[id]; private && owner != userID {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Router fans events out to subscriber sets. Delivery is best-effort: a
// subscriber with a full send buffer is handed to onSlow and the rest of
// the fan-out proceeds.
type Router struct {
	reg     *Registry
	metrics *Metrics
	log     zerolog.Logger

	// onSlow tears down a connection that cannot keep up. Set by the hub;
	// never invoked while registry locks are held.
	onSlow func(*Conn)
}

func NewRouter(reg *Registry, metrics *Metrics, log zerolog.Logger) *Router {
	return &Router{reg: reg, metrics: metrics, log: log, onSlow: func(*Conn) {}}
}

func (rt *Router) deliver(conns []*Conn, env envelope, skip func(*Conn) bool) {
	var slow []*Conn
	for _, c := range conns {
		if skip != nil && skip(c) {
			continue
		}
		if !c.trySend(env) {
			slow = append(slow, c)
			continue
		}
		rt.metrics.Broadcasts.Inc()
	}
	for _, c := range slow {
		rt.log.Warn().Str("conn", c.ID).Str("user", c.UserID).Msg("send buffer full, dropping connection")
		rt.onSlow(c)
	}
}

// ToDocument sends an event to every subscriber of a document, optionally
// excluding the originating user.
func (rt *Router) ToDocument(docID, event string, data any, excludeUserID string) {
	rt.deliver(rt.reg.ConnsForDoc(docID), envelope{Event: event, Data: data}, func(c *Conn) bool {
		return excludeUserID != "" && c.UserID == excludeUserID
	})
}

// ToWorkspace sends an event to every workspace subscriber, applying
// per-recipient visibility filtering. If filtering empties the document
// list for a recipient, that recipient gets nothing at all: an empty event
// would still leak that something happened.
func (rt *Router) ToWorkspace(wsID, event string, data map[string]any, excludeUserID string, vis *Visibility) {
	conns := rt.reg.ConnsForWorkspace(wsID)

	if vis == nil {
		rt.deliver(conns, envelope{Event: event, Data: data}, func(c *Conn) bool {
			return excludeUserID != "" && c.UserID == excludeUserID
		})
		return
	}

	field := vis.Field
	if field == "" {
		field = "documentIds"
	}

	var slow []*Conn
	for _, c := range conns {
		if excludeUserID != "" && c.UserID == excludeUserID {
			continue
		}
		visible := vis.filterFor(c.UserID)
		if len(visible) == 0 {
			continue
		}
		payload := make(map[string]any, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload[field] = visible

		if !c.trySend(envelope{Event: event, Data: payload}) {
			slow = append(slow, c)
			continue
		}
		rt.metrics.Broadcasts.Inc()
	}
	for _, c := range slow {
		rt.log.Warn().Str("conn", c.ID).Str("user", c.UserID).Msg("send buffer full, dropping connection")
		rt.onSlow(c)
	}
}

// ToUser sends an event to every connection of a user, optionally
// excluding one login session (typically the originator's).
func (rt *Router) ToUser(userID, event string, data any, excludeSessionID string) {
	rt.deliver(rt.reg.ConnsForUser(userID), envelope{Event: event, Data: data}, func(c *Conn) bool {
		return excludeSessionID != "" && c.SessionID == excludeSessionID
	})
}
