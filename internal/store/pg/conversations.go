// Package pg provides the Postgres-backed conversation store for managed
// deployments. Schema is owned by migrations/ (golang-migrate).
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

// OpenDB connects to Postgres via the pgx stdlib driver and verifies the
// connection before returning.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ConversationStore persists records in the conversations table.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) FindByIdentity(ctx context.Context, identity string) (*store.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_identity, display_name, conversation_id, created_at, updated_at
		FROM conversations WHERE sender_identity = $1`, identity)

	var rec store.ConversationRecord
	err := row.Scan(&rec.ID, &rec.SenderIdentity, &rec.DisplayName,
		&rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &rec, nil
}

func (s *ConversationStore) Upsert(ctx context.Context, identity, displayName, conversationID string) (*store.ConversationRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, sender_identity, display_name, conversation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (sender_identity) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			display_name = CASE WHEN EXCLUDED.display_name != '' THEN EXCLUDED.display_name ELSE conversations.display_name END,
			updated_at = NOW()
		RETURNING id, sender_identity, display_name, conversation_id, created_at, updated_at`,
		id, identity, displayName, conversationID)

	var rec store.ConversationRecord
	if err := row.Scan(&rec.ID, &rec.SenderIdentity, &rec.DisplayName,
		&rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &rec, nil
}

func (s *ConversationStore) Touch(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE sender_identity = $1`, identity)
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
		var rec store.ConversationRecord
		if err := rows.Scan(&rec.ID, &rec.SenderIdentity, &rec.DisplayName,
			&rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ConversationStore) Delete(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE sender_identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) Close() error {
	return s.db.Close()
}
