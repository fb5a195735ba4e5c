package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row the engine asked for does not exist.
var ErrNotFound = errors.New("not found")

// DocumentMeta is the durable metadata a replica hydrates from when no
// binary state snapshot has been persisted yet. PlainContent is the
// last-known HTML mirror of the document body.
type DocumentMeta struct {
	ID           string
	WorkspaceID  string
	OwnerID      string
	Title        string
	Icon         string
	SortPos      float64
	ParentID     string
	Encrypted    bool
	ShareAllowed bool
	PlainContent string
	UpdatedAt    time.Time
}

// ShareGrant is an explicit workspace share. Role is one of read, edit,
// admin.
type ShareGrant struct {
	WorkspaceID string
	UserID      string
	Role        string
}
