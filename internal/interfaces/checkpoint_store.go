package interfaces

import (
	"context"

	"github.com/ternarybob/adstash/internal/models"
)

// CheckpointStore persists per-source cursors
type CheckpointStore interface {
	// Load returns the cursor stored under key. A missing or unreadable
	// checkpoint yields an empty cursor and no error.
	Load(ctx context.Context, key string) (models.Cursor, error)

	// Update merges partial into the cursor stored under key
	Update(ctx context.Context, key string, partial models.Cursor) error

	// Close flushes pending writes and releases the store
	Close() error
}
