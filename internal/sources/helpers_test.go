package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
)

// memorySink keeps the last posted document per ID
type memorySink struct {
	mu     sync.Mutex
	docs   map[string]models.Document
	chunks []models.Chunk
	failOn map[int]bool // chunk seq -> fail
}

func newMemorySink() *memorySink {
	return &memorySink{docs: make(map[string]models.Document), failOn: make(map[int]bool)}
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) SetupIndex(ctx context.Context) error { return nil }

func (s *memorySink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[chunk.Seq] {
		return models.PostResult{}, errors.New("sink unavailable")
	}
	s.chunks = append(s.chunks, chunk)
	for _, doc := range chunk.Documents {
		s.docs[doc.ID] = doc
	}
	return models.PostResult{Success: chunk.Len()}, nil
}

func (s *memorySink) Close() error { return nil }

// fakeQuerier serves a fixed history per origin
type fakeQuerier struct {
	mu      sync.Mutex
	records map[string][]string // origin -> long-format records
	queries []string            // since values seen
	failAt  int                 // iterator fails after this many records when > 0
}

func (q *fakeQuerier) Query(ctx context.Context, kind interfaces.HistoryKind, origin models.Endpoint, since string) (interfaces.AdIterator, error) {
	q.mu.Lock()
	q.queries = append(q.queries, since)
	q.mu.Unlock()

	var ads []*models.RawAd
	for _, text := range q.records[origin.Name] {
		ads = append(ads, &models.RawAd{Origin: origin.Name, Text: text})
	}
	if q.failAt > 0 {
		return &failingIterator{SliceIterator: classad.NewSliceIterator(ads), remaining: q.failAt}, nil
	}
	return classad.NewSliceIterator(ads), nil
}

func (q *fakeQuerier) ListEndpoints(ctx context.Context, kind models.EndpointKind) ([]models.Endpoint, error) {
	var endpoints []models.Endpoint
	for name := range q.records {
		endpoints = append(endpoints, models.Endpoint{Name: name, Kind: kind})
	}
	return endpoints, nil
}

type failingIterator struct {
	*classad.SliceIterator
	remaining int
	err       error
}

func (it *failingIterator) Next() bool {
	if it.remaining == 0 {
		it.err = errors.New("connection reset")
		return false
	}
	it.remaining--
	return it.SliceIterator.Next()
}

func (it *failingIterator) Err() error { return it.err }

func jobRecord(n int) string {
	return fmt.Sprintf("GlobalJobId = \"schedd#%d.0#1700000000\"\nClusterId = %d\nProcId = 0\nJobStatus = 4\nCompletionDate = %d\n", n, n, 1700000000+n)
}

func jobRecords(n int) []string {
	records := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, jobRecord(i))
	}
	return records
}

func testDocuments() common.DocumentsConfig {
	return common.NewDefaultConfig().Documents
}

func testConfig() *common.Config {
	return common.NewDefaultConfig()
}
