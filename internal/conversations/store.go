// Package conversations keeps the append-only conversation index. The
// in-memory copy is authoritative for the process lifetime; each committed
// conversation is mirrored to durable storage as a pretty-printed JSON
// snapshot, and storage failures are logged rather than surfaced.
package conversations

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nick1udwig/spider/pkg/models"
)

// Store is the conversation index plus its snapshot directory.
type Store struct {
	mu     sync.Mutex
	order  []string
	byID   map[string]*models.Conversation
	dir    string
	logger *slog.Logger
}

// NewStore creates a conversation store snapshotting under dir. The
// directory is created lazily on first write.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:   make(map[string]*models.Conversation),
		dir:    dir,
		logger: logger.With("component", "conversations"),
	}
}

// Append commits a conversation: it enters the in-memory index and a JSON
// snapshot is written to durable storage. The write is best-effort; a
// failure logs a warning and the caller still succeeds.
func (s *Store) Append(conv models.Conversation) {
	s.mu.Lock()
	if _, exists := s.byID[conv.ID]; !exists {
		s.order = append(s.order, conv.ID)
	}
	stored := conv
	s.byID[conv.ID] = &stored
	s.mu.Unlock()

	if err := s.writeSnapshot(&conv); err != nil {
		s.logger.Warn("failed to save conversation snapshot",
			"conversation", conv.ID,
			"error", err)
	}
}

func (s *Store) writeSnapshot(conv *models.Conversation) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize conversation: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("20060102-150405"), conv.ID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}

	s.logger.Debug("conversation saved", "conversation", conv.ID, "path", path)
	return nil
}

// List pages the index in insertion order, optionally filtered by the
// client recorded in conversation metadata.
func (s *Store) List(client string, limit, offset int) []models.Conversation {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conversation, 0, limit)
	skipped := 0
	for _, id := range s.order {
		conv := s.byID[id]
		if client != "" && conv.Metadata.Client != client {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *conv)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Get retrieves a conversation by id, checking memory first and then
// scanning storage for a snapshot whose filename contains the id. The disk
// path is best-effort; only the in-memory index is authoritative.
func (s *Store) Get(id string) (models.Conversation, bool) {
	s.mu.Lock()
	if conv, ok := s.byID[id]; ok {
		out := *conv
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()

	return s.loadSnapshot(id)
}

func (s *Store) loadSnapshot(id string) (models.Conversation, bool) {
	if s.dir == "" {
		return models.Conversation{}, false
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return models.Conversation{}, false
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), id) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to read conversation snapshot",
				"file", entry.Name(),
				"error", err)
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			s.logger.Warn("failed to parse conversation snapshot",
				"file", entry.Name(),
				"error", err)
			continue
		}
		return conv, true
	}
	return models.Conversation{}, false
}

// Len returns the number of indexed conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
