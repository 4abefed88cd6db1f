package interfaces

import (
	"context"

	"github.com/ternarybob/adstash/internal/models"
)

// Iterator is a pull-based lazy sequence. Next returns false when the
// sequence is exhausted or failed; Err distinguishes the two.
type Iterator[T any] interface {
	Next() bool
	Value() T
	Err() error
	Close() error
}

// AdIterator yields raw ads in source-native order
type AdIterator = Iterator[*models.RawAd]

// CommitFunc is invoked after each chunk is posted, with the cursor to merge
// into the checkpoint store. A nil cursor means the source is unchecked.
type CommitFunc func(ctx context.Context, cursor models.Cursor) error

// ProcessOptions controls chunk assembly in ProcessAds
type ProcessOptions struct {
	Endpoint   models.Endpoint
	ChunkSize  int
	RunID      string
	IDStrategy IDStrategy
	Commit     CommitFunc
	// OnMalformed is called once per record that failed conversion
	OnMalformed func(raw *models.RawAd, err error)
}

// AdSource produces ads from one kind of origin and drives their
// conversion and publication
type AdSource interface {
	// Name returns the registry name of the source
	Name() string

	// ListEndpoints enumerates the origins this source harvests
	ListEndpoints(ctx context.Context) ([]models.Endpoint, error)

	// CheckpointKey returns the checkpoint key for an endpoint, "" when the
	// source keeps no checkpoint
	CheckpointKey(endpoint models.Endpoint) string

	// FetchAds returns a lazy sequence of ads newer than cursor
	FetchAds(ctx context.Context, endpoint models.Endpoint, cursor models.Cursor) (AdIterator, error)

	// ProcessAds converts, chunks and posts ads, committing after each chunk
	ProcessAds(ctx context.Context, sink Sink, ads AdIterator, opts ProcessOptions) (models.ProcessStats, error)

	// Close releases resources held by the source
	Close() error
}
