package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetDocumentMeta(ctx context.Context, docID string) (DocumentMeta, error) {
	const query = `
		SELECT id, workspace_id, owner_id, title, COALESCE(icon, ''), sort_pos,
			COALESCE(parent_id, ''), encrypted, share_allowed,
			COALESCE(plain_content, ''), updated_at
		FROM documents
		WHERE id = $1
	`
	var meta DocumentMeta
	err := s.db.QueryRowContext(ctx, query, docID).Scan(
		&meta.ID, &meta.WorkspaceID, &meta.OwnerID, &meta.Title, &meta.Icon,
		&meta.SortPos, &meta.ParentID, &meta.Encrypted, &meta.ShareAllowed,
		&meta.PlainContent, &meta.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentMeta{}, ErrNotFound
	}
	if err != nil {
		return DocumentMeta{}, fmt.Errorf("get document meta: %w", err)
	}
	return meta, nil
}

// GetDocumentState returns the persisted binary CRDT snapshot, or nil when
// the document has never been flushed by the sync engine.
func (s *PostgresStore) GetDocumentState(ctx context.Context, docID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM document_states WHERE document_id = $1`, docID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document state: %w", err)
	}
	return state, nil
}

// SaveDocumentState upserts the binary snapshot and refreshes the
// plain-content mirror in one transaction.
func (s *PostgresStore) SaveDocumentState(ctx context.Context, docID string, state []byte, plainContent string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_states (document_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, docID, state); err != nil {
		return fmt.Errorf("save document state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET plain_content = $2, updated_at = NOW() WHERE id = $1
	`, docID, plainContent); err != nil {
		return fmt.Errorf("update plain content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save state: %w", err)
	}
	return nil
}

// GetWorkspaceRole resolves a user's role in a workspace: owners are
// admins, everyone else gets their explicit share grant or nothing.
func (s *PostgresStore) GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM workspaces WHERE id = $1`, workspaceID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup workspace: %w", err)
	}
	if ownerID == userID {
		return "admin", nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM share_grants WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup share grant: %w", err)
	}
	return role, nil
}

// ReplaceAttachmentRefs rewrites the attachment-reference index for a
// document, called at flush time.
func (s *PostgresStore) ReplaceAttachmentRefs(ctx context.Context, docID string, refs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refs tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachment_refs WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("clear attachment refs: %w", err)
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachment_refs (document_id, attachment_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, docID, ref); err != nil {
			return fmt.Errorf("insert attachment ref: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refs: %w", err)
	}
	return nil
}

// AttachmentReferencedElsewhere reports whether any other document still
// references the attachment. Only unreferenced attachments may be deleted.
func (s *PostgresStore) AttachmentReferencedElsewhere(ctx context.Context, attachmentID, excludingDocID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM attachment_refs
			WHERE attachment_id = $1 AND document_id <> $2
		)
	`, attachmentID, excludingDocID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attachment refs: %w", err)
	}
	return exists, nil
}
