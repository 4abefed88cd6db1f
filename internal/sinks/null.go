package sinks

import (
	"context"

	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const NullName = "null"

// NullSink counts and discards documents. Used for dry runs.
type NullSink struct {
	logger arbor.ILogger
}

func NewNullSink(logger arbor.ILogger) *NullSink {
	return &NullSink{logger: logger}
}

func (s *NullSink) Name() string { return NullName }

// Handle has no connection to make
func (s *NullSink) Handle(ctx context.Context) (struct{}, error) { return struct{}{}, nil }

func (s *NullSink) SetupIndex(ctx context.Context) error { return nil }

func (s *NullSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	s.logger.Trace().
		Str("endpoint", meta.Endpoint).
		Int("chunk", meta.Chunk).
		Int("documents", chunk.Len()).
		Msg("Discarding chunk")
	return models.PostResult{Success: chunk.Len()}, nil
}

func (s *NullSink) Close() error { return nil }
