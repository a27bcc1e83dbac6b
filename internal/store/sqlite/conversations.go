// Package sqlite provides the default standalone conversation store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	sender_identity TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// ConversationStore persists records in a sqlite database under the
// storage directory. Pure-Go driver, no cgo.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore opens (or creates) dir/conversations.db and
// ensures the schema exists.
func NewConversationStore(dir string) (*ConversationStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	path := filepath.Join(dir, "conversations.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; sqlite locks the file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func (s *ConversationStore) FindByIdentity(ctx context.Context, identity string) (*store.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_identity, display_name, conversation_id, created_at, updated_at
		FROM conversations WHERE sender_identity = ?`, identity)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return rec, nil
}

func (s *ConversationStore) Upsert(ctx context.Context, identity, displayName, conversationID string) (*store.ConversationRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, sender_identity, display_name, conversation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender_identity) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			updated_at = excluded.updated_at`,
		id.String(), identity, displayName, conversationID, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	return s.FindByIdentity(ctx, identity)
}

func (s *ConversationStore) Touch(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE sender_identity = ?`,
		time.Now().UTC(), identity)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) List(ctx context.Context) ([]store.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_identity, display_name, conversation_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.ConversationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *ConversationStore) Delete(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE sender_identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.ConversationRecord, error) {
	var rec store.ConversationRecord
	var id string
	if err := row.Scan(&id, &rec.SenderIdentity, &rec.DisplayName,
		&rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	rec.ID = parsed
	return &rec, nil
}
