// Package file provides a JSON-file backed conversation store for
// standalone deployments that do not want sqlite.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

// ConversationStore keeps all records in a single JSON file under the
// storage directory. Writes go through a temp file + rename so a crash
// mid-save never corrupts the store.
type ConversationStore struct {
	mu      sync.Mutex
	path    string
	records map[string]*store.ConversationRecord // keyed by sender identity
}

// NewConversationStore opens (or creates) the store at dir/conversations.json.
func NewConversationStore(dir string) (*ConversationStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &ConversationStore{
		path:    filepath.Join(dir, "conversations.json"),
		records: make(map[string]*store.ConversationRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConversationStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conversations file: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("parse conversations file: %w", err)
	}
	return nil
}

// save writes the whole map. Caller holds the lock.
func (s *ConversationStore) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write conversations file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace conversations file: %w", err)
	}
	return nil
}

func (s *ConversationStore) FindByIdentity(_ context.Context, identity string) (*store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *ConversationStore) Upsert(_ context.Context, identity, displayName, conversationID string) (*store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[identity]
	if ok {
		rec.ConversationID = conversationID
		if displayName != "" {
			rec.DisplayName = displayName
		}
		rec.UpdatedAt = now
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate record id: %w", err)
		}
		rec = &store.ConversationRecord{
			ID:             id,
			SenderIdentity: identity,
			DisplayName:    displayName,
			ConversationID: conversationID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.records[identity] = rec
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	copied := *rec
	return &copied, nil
}

func (s *ConversationStore) Touch(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil
	}
	rec.UpdatedAt = time.Now().UTC()
	return s.save()
}

func (s *ConversationStore) List(_ context.Context) ([]store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.ConversationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *ConversationStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[identity]; !ok {
		return nil
	}
	delete(s.records, identity)
	return s.save()
}

func (s *ConversationStore) Close() error {
	return nil
}
