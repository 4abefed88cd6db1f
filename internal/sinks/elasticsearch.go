package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/httpclient"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const ElasticsearchName = "elasticsearch"

// ElasticsearchSink bulk-upserts documents into an index, one bulk indexer
// per chunk. The document ID is the upsert key.
type ElasticsearchSink struct {
	config    common.ElasticsearchConfig
	handle    *lazyHandle[*elasticsearch.Client]
	transport *http.Transport
	logger    arbor.ILogger
}

func NewElasticsearchSink(config common.ElasticsearchConfig, logger arbor.ILogger) *ElasticsearchSink {
	s := &ElasticsearchSink{config: config, logger: logger}
	s.handle = newLazyHandle(s.connect)
	return s
}

func (s *ElasticsearchSink) connect(ctx context.Context) (*elasticsearch.Client, error) {
	if s.config.URL == "" {
		return nil, fmt.Errorf("elasticsearch url is required")
	}
	if _, err := url.Parse(s.config.URL); err != nil {
		return nil, fmt.Errorf("invalid elasticsearch url: %w", err)
	}
	if s.config.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}

	s.logger.Debug().Str("url", s.config.URL).Str("index", s.config.Index).Msg("Creating elasticsearch client")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = common.ParseDurationOr(s.config.Timeout, 2*time.Minute)
	s.transport = transport

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{s.config.URL},
		Username:      s.config.Username,
		Password:      s.config.Password,
		APIKey:        s.config.APIKey,
		Transport:     httpclient.NewRateLimitedTransport(transport, s.config.RateLimit, 1),
		MaxRetries:    s.config.MaxRetries,
		DisableRetry:  s.config.MaxRetries == 0,
		RetryOnStatus: []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		RetryBackoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

func (s *ElasticsearchSink) Name() string { return ElasticsearchName }

// Handle returns the client, creating it on first use
func (s *ElasticsearchSink) Handle(ctx context.Context) (*elasticsearch.Client, error) {
	return s.handle.Get(ctx)
}

// indexSettings stores strings as keywords and the run timestamp as a date
var indexSettings = map[string]any{
	"mappings": map[string]any{
		"dynamic_templates": []any{
			map[string]any{
				"strings_as_keywords": map[string]any{
					"match_mapping_type": "string",
					"mapping":            map[string]any{"type": "keyword", "ignore_above": 1024},
				},
			},
		},
		"properties": map[string]any{
			"adstash_runtime": map[string]any{"type": "date"},
		},
	},
}

// SetupIndex creates the index; an existing index is left alone
func (s *ElasticsearchSink) SetupIndex(ctx context.Context) error {
	client, err := s.Handle(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(indexSettings)
	if err != nil {
		return fmt.Errorf("encode index settings: %w", err)
	}

	res, err := client.Indices.Create(
		s.config.Index,
		client.Indices.Create.WithBody(bytes.NewReader(body)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.config.Index, err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		s.logger.Info().Str("index", s.config.Index).Msg("Created elasticsearch index")
		return nil
	}

	payload, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusBadRequest && bytes.Contains(payload, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("create index %s: %s: %s", s.config.Index, res.Status(), payload)
}

// PostAds indexes the chunk through a bulk indexer. Items the server rejects
// are counted as errors; a failed bulk request fails the chunk.
func (s *ElasticsearchSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	var result models.PostResult
	if chunk.Len() == 0 {
		return result, nil
	}

	client, err := s.Handle(ctx)
	if err != nil {
		return result, err
	}

	var (
		mu       sync.Mutex
		flushErr error
		queued   int
	)
	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     client,
		Index:      s.config.Index,
		NumWorkers: 1,
		OnError: func(ctx context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			if flushErr == nil {
				flushErr = err
			}
		},
	})
	if err != nil {
		return result, fmt.Errorf("create bulk indexer: %w", err)
	}

	for _, doc := range chunk.Documents {
		source, err := json.Marshal(doc.Source)
		if err != nil {
			result.Errors++
			logDocumentFailure(s.logger, ElasticsearchName, doc, "document is not JSON encodable")
			continue
		}

		err = indexer.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(source),
			OnSuccess: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem) {
				mu.Lock()
				result.Success++
				mu.Unlock()
			},
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					// request level, reported through OnError
					return
				}
				mu.Lock()
				result.Errors++
				mu.Unlock()
				logDocumentFailure(s.logger, ElasticsearchName, doc, res.Error.Type+": "+res.Error.Reason)
			},
		})
		if err != nil {
			_ = indexer.Close(ctx)
			return models.PostResult{}, fmt.Errorf("queue document %s: %w", doc.ID, err)
		}
		queued++
	}

	if err := indexer.Close(ctx); err != nil {
		return models.PostResult{}, fmt.Errorf("bulk request: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if flushErr != nil {
		return models.PostResult{}, fmt.Errorf("bulk request: %w", flushErr)
	}
	if answered := result.Success + result.Errors - (chunk.Len() - queued); answered < queued {
		return models.PostResult{}, fmt.Errorf("bulk request: %d of %d documents unanswered", queued-answered, queued)
	}

	s.logger.Debug().
		Str("index", s.config.Index).
		Str("endpoint", meta.Endpoint).
		Int("chunk", meta.Chunk).
		Int("success", result.Success).
		Int("errors", result.Errors).
		Msg("Bulk request completed")

	return result, nil
}

func (s *ElasticsearchSink) Close() error {
	if _, ok := s.handle.Release(); ok && s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}
