package realtime

import (
	"encoding/json"
	"fmt"
)

// Outbound event names.
const (
	EventConnected      = "connected"
	EventInit           = "init"
	EventDocumentUpdate = "document-update"
	EventPresenceUpdate = "presence-update"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventAccessRevoked  = "access-revoked"
	EventError          = "error"
)

// envelope is the outbound wire shape.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// inboundEnvelope is the inbound wire shape.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is the closed set of messages a client may send. Dispatch
// switches over the concrete types, so adding a message kind means adding
// a type here, a case in parseInbound, and a case in Hub.dispatch.
type Inbound interface{ isInbound() }

type SubscribeDocument struct {
	DocumentID string `json:"documentId"`
}

type UnsubscribeDocument struct {
	DocumentID string `json:"documentId"`
}

type SubscribeWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

type UnsubscribeWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

// SubscribeUser opens the caller's own user feed (cross-workspace events
// addressed to the user, e.g. new shares).
type SubscribeUser struct{}

type DocumentUpdate struct {
	DocumentID string `json:"documentId"`
	// Update is an opaque encoded CRDT delta (base64 on the wire).
	Update []byte `json:"update"`
}

type PresenceUpdate struct {
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
}

func (SubscribeDocument) isInbound()    {}
func (UnsubscribeDocument) isInbound()  {}
func (SubscribeWorkspace) isInbound()   {}
func (UnsubscribeWorkspace) isInbound() {}
func (SubscribeUser) isInbound()        {}
func (DocumentUpdate) isInbound()       {}
func (PresenceUpdate) isInbound()       {}

func parseInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	unmarshal := func(v Inbound) (Inbound, error) {
		if len(env.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case "subscribe-document":
		return unmarshal(&SubscribeDocument{})
	case "unsubscribe-document":
		return unmarshal(&UnsubscribeDocument{})
	case "subscribe-workspace":
		return unmarshal(&SubscribeWorkspace{})
	case "unsubscribe-workspace":
		return unmarshal(&UnsubscribeWorkspace{})
	case "subscribe-user":
		return unmarshal(&SubscribeUser{})
	case "document-update":
		return unmarshal(&DocumentUpdate{})
	case "presence-update":
		return unmarshal(&PresenceUpdate{})
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// initData is the data of an outbound `init` event.
type initData struct {
	DocumentID string `json:"documentId"`
	State      []byte `json:"state,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	Color      string `json:"color"`
	Permission string `json:"permission"`
}

// presenceData relays one collaborator's ephemeral state to the others.
type presenceData struct {
	DocumentID  string          `json:"documentId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Data        json.RawMessage `json:"data"`
}

type userEventData struct {
	DocumentID  string `json:"documentId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type revokedData struct {
	WorkspaceID string `json:"workspaceId"`
	Reason      string `json:"reason"`
}
