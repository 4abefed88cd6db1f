package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// cursorRecord is the badgerhold row for one checkpoint key
type cursorRecord struct {
	Key       string `badgerhold:"key"`
	Cursor    string // JSON-encoded models.Cursor
	UpdatedAt time.Time
}

// BadgerStore keeps checkpoints in an embedded Badger database. Each key is a
// separate row, so updates for different endpoints never contend on one file.
type BadgerStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	mu     sync.Mutex // serializes read-modify-write per store
	closed bool
}

// NewBadgerStore opens (or creates) the database at dir
func NewBadgerStore(dir string, logger arbor.ILogger) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint database directory: %w", err)
	}

	logger.Debug().Str("path", dir).Msg("Opening Badger checkpoint database")

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger checkpoint database: %w", err)
	}

	return &BadgerStore{store: store, logger: logger}, nil
}

// Load returns the cursor stored under key. A missing or undecodable row
// yields an empty cursor.
func (s *BadgerStore) Load(ctx context.Context, key string) (models.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.load(key), nil
}

func (s *BadgerStore) load(key string) models.Cursor {
	var record cursorRecord
	err := s.store.Get(key, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		s.logger.Warn().Str("key", key).Msg("No checkpoint stored, harvesting from the beginning")
		return models.Cursor{}
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Checkpoint unreadable, harvesting from the beginning")
		return models.Cursor{}
	}

	cursor := models.Cursor{}
	if err := json.Unmarshal([]byte(record.Cursor), &cursor); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Checkpoint corrupt, harvesting from the beginning")
		return models.Cursor{}
	}
	return cursor
}

// Update merges partial into the cursor for key
func (s *BadgerStore) Update(ctx context.Context, key string, partial models.Cursor) error {
	if len(partial) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}

	merged := s.load(key).Merge(partial)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}

	record := cursorRecord{Key: key, Cursor: string(data), UpdatedAt: time.Now()}
	if err := s.store.Upsert(key, &record); err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}
	return nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}
