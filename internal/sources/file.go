package sources

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// FileSource reads flat files of long-format records. Files are one-shot
// snapshots, so no checkpoint is kept.
type FileSource struct {
	*Processor
	paths  []string
	logger arbor.ILogger
}

// NewFileSource creates a source over the configured paths
func NewFileSource(config common.FileSourceConfig, documents common.DocumentsConfig, logger arbor.ILogger) *FileSource {
	return &FileSource{
		Processor: NewProcessor("file", NewConverter(documents, documents.KeyAttributes), nil, logger),
		paths:     config.Paths,
		logger:    logger,
	}
}

// Name returns the registry name of the source
func (s *FileSource) Name() string {
	return "file"
}

// ListEndpoints returns one endpoint per configured file
func (s *FileSource) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	if len(s.paths) == 0 {
		s.logger.Warn().Msg("File source selected but no file_source.paths configured")
	}
	endpoints := make([]models.Endpoint, 0, len(s.paths))
	for _, path := range s.paths {
		endpoints = append(endpoints, models.Endpoint{Name: path, Kind: models.EndpointFile, Address: path})
	}
	return endpoints, nil
}

// CheckpointKey is empty: file sources are not checkpointed
func (s *FileSource) CheckpointKey(endpoint models.Endpoint) string {
	return ""
}

// FetchAds reads the whole file before yielding anything, so an I/O error
// never leaves a half-read record behind. On error nothing is yielded.
func (s *FileSource) FetchAds(ctx context.Context, endpoint models.Endpoint, cursor models.Cursor) (interfaces.AdIterator, error) {
	path := endpoint.Address
	if path == "" {
		path = endpoint.Name
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to open ad file")
		return nil, fmt.Errorf("open ad file: %w", err)
	}
	defer f.Close()

	records, err := classad.SplitRecords(f)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to read ad file")
		return nil, fmt.Errorf("read ad file: %w", err)
	}

	ads := make([]*models.RawAd, 0, len(records))
	for _, text := range records {
		ads = append(ads, &models.RawAd{Origin: path, Text: text})
	}
	s.logger.Debug().Str("path", path).Int("records", len(ads)).Msg("Ad file read")

	return classad.NewSliceIterator(ads), nil
}

// Close releases the source
func (s *FileSource) Close() error {
	return nil
}
