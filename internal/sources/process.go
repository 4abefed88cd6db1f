package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// CursorFunc extracts the checkpoint cursor of one ad, nil when the ad
// carries no usable identifier
type CursorFunc func(ad models.Ad) models.Cursor

// Processor assembles converted documents into chunks and publishes them.
// A producer goroutine reads and converts ads while the caller's goroutine
// posts chunks and commits checkpoints, so at most one chunk is buffered
// ahead of the sink.
type Processor struct {
	source    string
	converter *Converter
	cursorOf  CursorFunc
	logger    arbor.ILogger
}

// NewProcessor creates a processor. cursorOf may be nil for unchecked sources.
func NewProcessor(source string, converter *Converter, cursorOf CursorFunc, logger arbor.ILogger) *Processor {
	return &Processor{
		source:    source,
		converter: converter,
		cursorOf:  cursorOf,
		logger:    logger,
	}
}

type produceStats struct {
	ads       int
	malformed int
}

// ProcessAds drains ads into chunks of opts.ChunkSize, posts each chunk and
// commits its cursor once the post succeeded. An iterator error ends the
// cycle without posting the partial chunk.
func (p *Processor) ProcessAds(ctx context.Context, sink interfaces.Sink, ads interfaces.AdIterator, opts interfaces.ProcessOptions) (models.ProcessStats, error) {
	var stats models.ProcessStats
	if opts.ChunkSize <= 0 {
		return stats, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	defer ads.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	meta := ConvertMeta{Source: p.source, Endpoint: opts.Endpoint.Name, RunTime: time.Now()}
	chunks := make(chan models.Chunk, 1)

	var produced produceStats
	var produceErr error
	go func() {
		defer close(chunks)
		produceErr = p.produce(ctx, ads, opts, meta, chunks, &produced)
	}()

	var postErr error
	for chunk := range chunks {
		if postErr != nil {
			continue // drain so the producer can exit
		}
		if err := p.publish(ctx, sink, chunk, opts, &stats); err != nil {
			postErr = err
			cancel()
		}
	}

	// Producer has exited once chunks is closed
	stats.Ads = produced.ads
	stats.Malformed = produced.malformed

	if postErr != nil {
		return stats, postErr
	}
	return stats, produceErr
}

func (p *Processor) produce(ctx context.Context, ads interfaces.AdIterator, opts interfaces.ProcessOptions, meta ConvertMeta, out chan<- models.Chunk, stats *produceStats) error {
	seq := 0
	chunk := models.Chunk{Seq: seq}

	emit := func() error {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
		chunk = models.Chunk{Seq: seq}
		return nil
	}

	for ads.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := ads.Value()
		stats.ads++

		doc, err := p.converter.Convert(raw, opts.IDStrategy, meta)
		if err != nil {
			stats.malformed++
			p.logger.Warn().
				Err(err).
				Str("source", p.source).
				Str("endpoint", opts.Endpoint.Name).
				Str("origin", raw.Origin).
				Msg("Skipping malformed ad")
			if opts.OnMalformed != nil {
				opts.OnMalformed(raw, err)
			}
			continue
		}

		chunk.Documents = append(chunk.Documents, doc)
		if p.cursorOf != nil {
			if ad, err := classad.Resolve(raw); err == nil {
				if cursor := p.cursorOf(ad); cursor != nil {
					chunk.Cursor = cursor
				}
			}
		}

		if len(chunk.Documents) >= opts.ChunkSize {
			if err := emit(); err != nil {
				return err
			}
		}
	}

	if err := ads.Err(); err != nil {
		return fmt.Errorf("read ads: %w", err)
	}
	if len(chunk.Documents) > 0 {
		return emit()
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, sink interfaces.Sink, chunk models.Chunk, opts interfaces.ProcessOptions, stats *models.ProcessStats) error {
	result, err := sink.PostAds(ctx, chunk, models.PostMetadata{
		RunID:    opts.RunID,
		Source:   p.source,
		Endpoint: opts.Endpoint.Name,
		Chunk:    chunk.Seq,
		PostedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("post chunk %d to %s: %w", chunk.Seq, sink.Name(), err)
	}

	stats.Chunks++
	stats.Posted += result.Success
	stats.Errors += result.Errors

	p.logger.Debug().
		Str("source", p.source).
		Str("endpoint", opts.Endpoint.Name).
		Int("chunk", chunk.Seq).
		Int("success", result.Success).
		Int("errors", result.Errors).
		Msg("Chunk posted")

	if opts.Commit != nil && chunk.Cursor != nil {
		if err := opts.Commit(ctx, chunk.Cursor); err != nil {
			return fmt.Errorf("commit chunk %d: %w", chunk.Seq, err)
		}
	}
	return nil
}
