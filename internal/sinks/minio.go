package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const MinIOName = "minio"

// MinIOSink stores one JSON object per document under <prefix>/<source>/<id>.json.
// Overwriting an object with the same key is the upsert.
type MinIOSink struct {
	config common.MinIOConfig
	handle *lazyHandle[*minio.Client]
	logger arbor.ILogger
}

func NewMinIOSink(config common.MinIOConfig, logger arbor.ILogger) *MinIOSink {
	s := &MinIOSink{config: config, logger: logger}
	s.handle = newLazyHandle(s.connect)
	return s
}

func (s *MinIOSink) connect(ctx context.Context) (*minio.Client, error) {
	if s.config.EndpointURL == "" {
		return nil, fmt.Errorf("minio endpoint_url is required")
	}
	if s.config.AccessKeyID == "" || s.config.SecretAccessKey == "" {
		return nil, fmt.Errorf("minio credentials are required")
	}

	u, err := url.Parse(s.config.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid minio endpoint url: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = s.config.EndpointURL
	}
	useSSL := s.config.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.config.AccessKeyID, s.config.SecretAccessKey, ""),
		Secure: useSSL,
		Region: s.config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

func (s *MinIOSink) Name() string { return MinIOName }

// Handle returns the client, creating it on first use
func (s *MinIOSink) Handle(ctx context.Context) (*minio.Client, error) {
	return s.handle.Get(ctx)
}

// SetupIndex ensures the bucket exists
func (s *MinIOSink) SetupIndex(ctx context.Context) error {
	if s.config.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	client, err := s.Handle(ctx)
	if err != nil {
		return err
	}

	exists, err := client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.config.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{Region: s.config.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.config.Bucket, err)
	}
	s.logger.Info().Str("bucket", s.config.Bucket).Msg("Created bucket")
	return nil
}

// ObjectKey returns the object key for a document
func (s *MinIOSink) ObjectKey(source string, doc models.Document) string {
	if source == "" {
		source = "unknown"
	}
	return path.Join(s.config.Prefix, source, doc.ID+".json")
}

// PostAds uploads each document. The chunk fails as a whole only when no
// document could be stored.
func (s *MinIOSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	var result models.PostResult
	if chunk.Len() == 0 {
		return result, nil
	}

	client, err := s.Handle(ctx)
	if err != nil {
		return result, err
	}

	var lastErr error
	for _, doc := range chunk.Documents {
		data, err := json.Marshal(doc.Source)
		if err != nil {
			result.Errors++
			logDocumentFailure(s.logger, MinIOName, doc, err.Error())
			continue
		}

		_, err = client.PutObject(ctx, s.config.Bucket, s.ObjectKey(meta.Source, doc), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		if err != nil {
			lastErr = err
			result.Errors++
			logDocumentFailure(s.logger, MinIOName, doc, err.Error())
			continue
		}
		result.Success++
	}

	if result.Success == 0 && lastErr != nil {
		return models.PostResult{}, fmt.Errorf("put objects: %w", lastErr)
	}
	return result, nil
}

func (s *MinIOSink) Close() error {
	s.handle.Release()
	return nil
}
