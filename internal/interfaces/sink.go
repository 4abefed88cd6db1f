package interfaces

import (
	"context"

	"github.com/ternarybob/adstash/internal/models"
)

// IDStrategy selects how document IDs are derived for a sink
type IDStrategy string

const (
	// IDStrategyContent hashes every non-volatile attribute
	IDStrategyContent IDStrategy = "content"
	// IDStrategyKey hashes the configured key attributes
	IDStrategyKey IDStrategy = "key"
)

// Sink publishes chunks of documents to a destination. Concrete sinks
// connect lazily and memoize the handle.
//
// Handle(ctx) is not part of the interface: each sink returns its own client
// type (*elasticsearch.Client, *pgxpool.Pool, *minio.Client, ...), so it lives
// on the concrete types. Callers that need the raw client assert to the
// concrete sink.
type Sink interface {
	// Name returns the registry name of the sink
	Name() string

	// SetupIndex ensures the destination schema exists; safe to call every cycle
	SetupIndex(ctx context.Context) error

	// PostAds upserts every document by ID. Per-document failures are counted
	// in the result; a non-nil error means the chunk was not posted.
	PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error)

	// Close releases the connection handle
	Close() error
}
