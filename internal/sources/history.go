package sources

import (
	"context"
	"fmt"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/condor"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// GenericCheckpointKey is used when an endpoint has no name
const GenericCheckpointKey = "Generic"

// RecordIDFunc returns the unique identifier of a history record
type RecordIDFunc func(ad models.Ad) (string, bool)

// historyKind describes one history-query source variant
type historyKind struct {
	name         string
	history      interfaces.HistoryKind
	endpointKind models.EndpointKind
	keyPrefix    string
	cursorAttr   string
	recordID     RecordIDFunc
}

// HistorySource harvests a scheduler, execution-node or job-epoch history
// through an ad querier. Its cursor is the identifier of the last posted record.
type HistorySource struct {
	*Processor
	kind    historyKind
	querier condor.Querier
	logger  arbor.ILogger
}

func newHistorySource(kind historyKind, querier condor.Querier, converter *Converter, logger arbor.ILogger) *HistorySource {
	s := &HistorySource{
		kind:    kind,
		querier: querier,
		logger:  logger,
	}
	s.Processor = NewProcessor(kind.name, converter, s.cursorOf, logger)
	return s
}

// NewScheddHistory harvests completed-job history from schedulers
func NewScheddHistory(querier condor.Querier, config common.DocumentsConfig, logger arbor.ILogger) *HistorySource {
	return newHistorySource(historyKind{
		name:         "schedd_history",
		history:      interfaces.HistoryJobs,
		endpointKind: models.EndpointSchedd,
		cursorAttr:   "GlobalJobId",
		recordID:     globalJobID,
	}, querier, NewConverter(config, config.KeyAttributes), logger)
}

// NewStartdHistory harvests the job history kept by execution nodes
func NewStartdHistory(querier condor.Querier, config common.DocumentsConfig, logger arbor.ILogger) *HistorySource {
	return newHistorySource(historyKind{
		name:         "startd_history",
		history:      interfaces.HistoryStartd,
		endpointKind: models.EndpointStartd,
		keyPrefix:    "startd:",
		cursorAttr:   "GlobalJobId",
		recordID:     globalJobID,
	}, querier, NewConverter(config, config.KeyAttributes), logger)
}

// NewJobEpochHistory harvests per-execution-attempt records from schedulers.
// A job has one epoch per shadow start, so the record ID includes that count.
func NewJobEpochHistory(querier condor.Querier, config common.DocumentsConfig, logger arbor.ILogger) *HistorySource {
	return newHistorySource(historyKind{
		name:         "job_epoch_history",
		history:      interfaces.HistoryEpochs,
		endpointKind: models.EndpointSchedd,
		keyPrefix:    "epochs:",
		cursorAttr:   "EpochId",
		recordID:     epochID,
	}, querier, NewConverter(config, config.EpochKeyAttributes), logger)
}

func globalJobID(ad models.Ad) (string, bool) {
	id, ok := ad.GetString("GlobalJobId")
	return id, ok && id != ""
}

func epochID(ad models.Ad) (string, bool) {
	id, ok := globalJobID(ad)
	if !ok {
		return "", false
	}
	starts, ok := ad.GetString("NumShadowStarts")
	if !ok {
		return "", false
	}
	return id + "#" + starts, true
}

// Name returns the registry name of the source
func (s *HistorySource) Name() string {
	return s.kind.name
}

// ListEndpoints enumerates schedulers or execution nodes
func (s *HistorySource) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	return s.querier.ListEndpoints(ctx, s.kind.endpointKind)
}

// CheckpointKey returns the key under which the endpoint's cursor is stored
func (s *HistorySource) CheckpointKey(endpoint models.Endpoint) string {
	if endpoint.Name == "" {
		return s.kind.keyPrefix + GenericCheckpointKey
	}
	return s.kind.keyPrefix + endpoint.Name
}

// FetchAds queries the endpoint's history and resumes strictly after cursor
func (s *HistorySource) FetchAds(ctx context.Context, endpoint models.Endpoint, cursor models.Cursor) (interfaces.AdIterator, error) {
	since := cursor.String(s.kind.cursorAttr)

	ads, err := s.querier.Query(ctx, s.kind.history, endpoint, since)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.kind.name, err)
	}
	if since == "" {
		return ads, nil
	}
	if exclusive, ok := s.querier.(interfaces.ExclusiveSince); ok && exclusive.ExclusiveSince() {
		s.logger.Debug().
			Str("endpoint", endpoint.Name).
			Str("cursor", since).
			Msg("Querier starts after the cursor, no skip needed")
		return ads, nil
	}

	requery := func(ctx context.Context) (interfaces.AdIterator, error) {
		return s.querier.Query(ctx, s.kind.history, endpoint, "")
	}
	return NewResumeIterator(ctx, ads, since, s.kind.recordID, requery, s.logger), nil
}

// Close releases the source
func (s *HistorySource) Close() error {
	return nil
}

func (s *HistorySource) cursorOf(ad models.Ad) models.Cursor {
	id, ok := s.kind.recordID(ad)
	if !ok {
		return nil
	}
	return models.Cursor{s.kind.cursorAttr: id}
}

// ResumeIterator skips every record up to and including the one whose ID
// equals since. If since never appears, it logs a warning and yields the full
// history from a fresh query.
type ResumeIterator struct {
	ctx       context.Context
	inner     interfaces.AdIterator
	since     string
	recordID  RecordIDFunc
	requery   func(ctx context.Context) (interfaces.AdIterator, error)
	logger    arbor.ILogger
	resumed   bool
	restarted bool
	skipped   int
	cur       *models.RawAd
	err       error
}

// NewResumeIterator wraps inner; requery re-invokes the query from the beginning
func NewResumeIterator(ctx context.Context, inner interfaces.AdIterator, since string, recordID RecordIDFunc, requery func(ctx context.Context) (interfaces.AdIterator, error), logger arbor.ILogger) *ResumeIterator {
	return &ResumeIterator{
		ctx:      ctx,
		inner:    inner,
		since:    since,
		recordID: recordID,
		requery:  requery,
		logger:   logger,
	}
}

func (it *ResumeIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if !it.inner.Next() {
			if err := it.inner.Err(); err != nil {
				it.err = err
				return false
			}
			if it.resumed || it.restarted {
				it.cur = nil
				return false
			}

			it.logger.Warn().
				Str("cursor", it.since).
				Int("scanned", it.skipped).
				Msg("Checkpoint cursor not found in history (rotated, truncated, or the querier treats since as exclusive), harvesting from the beginning")
			it.inner.Close()
			inner, err := it.requery(it.ctx)
			if err != nil {
				it.err = err
				return false
			}
			it.inner = inner
			it.restarted = true
			continue
		}

		raw := it.inner.Value()
		if it.resumed || it.restarted {
			it.cur = raw
			return true
		}

		it.skipped++
		if ad, err := classad.Resolve(raw); err == nil {
			if id, ok := it.recordID(ad); ok && id == it.since {
				it.resumed = true
				it.logger.Debug().Str("cursor", it.since).Int("skipped", it.skipped).Msg("Resuming after checkpoint cursor")
			}
		}
	}
}

func (it *ResumeIterator) Value() *models.RawAd { return it.cur }

func (it *ResumeIterator) Err() error { return it.err }

func (it *ResumeIterator) Close() error { return it.inner.Close() }
