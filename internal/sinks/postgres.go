package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const PostgresName = "postgres"

// PostgresSink upserts documents into a table keyed by document ID
type PostgresSink struct {
	config common.PostgresConfig
	handle *lazyHandle[*pgxpool.Pool]
	logger arbor.ILogger
}

func NewPostgresSink(config common.PostgresConfig, logger arbor.ILogger) *PostgresSink {
	s := &PostgresSink{config: config, logger: logger}
	s.handle = newLazyHandle(s.connect)
	return s
}

func (s *PostgresSink) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if s.config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(s.config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if s.config.MaxConns > 0 {
		cfg.MaxConns = s.config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func (s *PostgresSink) Name() string { return PostgresName }

// Handle returns the connection pool, creating it on first use
func (s *PostgresSink) Handle(ctx context.Context) (*pgxpool.Pool, error) {
	return s.handle.Get(ctx)
}

func (s *PostgresSink) table() string {
	name := s.config.Table
	if name == "" {
		name = "adstash_documents"
	}
	return pgx.Identifier{name}.Sanitize()
}

// CreateTableSQL returns the idempotent DDL for the document table
func (s *PostgresSink) CreateTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
	doc_id     TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	run_id     TEXT,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

// UpsertSQL returns the statement queued once per document
func (s *PostgresSink) UpsertSQL() string {
	return `INSERT INTO ` + s.table() + ` (doc_id, source, endpoint, run_id, document, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (doc_id) DO UPDATE SET
	source = EXCLUDED.source,
	endpoint = EXCLUDED.endpoint,
	run_id = EXCLUDED.run_id,
	document = EXCLUDED.document,
	updated_at = EXCLUDED.updated_at`
}

// SetupIndex creates the table if it does not exist
func (s *PostgresSink) SetupIndex(ctx context.Context) error {
	pool, err := s.Handle(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, s.CreateTableSQL()); err != nil {
		return fmt.Errorf("create table %s: %w", s.table(), err)
	}
	return nil
}

// PostAds sends the chunk as one batch. The batch runs in an implicit
// transaction, so when the database rejects a row the chunk is replayed one
// statement at a time and only the rejected documents are counted as errors.
func (s *PostgresSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	var result models.PostResult
	if chunk.Len() == 0 {
		return result, nil
	}

	pool, err := s.Handle(ctx)
	if err != nil {
		return result, err
	}

	rows := make([]pgRow, 0, chunk.Len())
	for _, doc := range chunk.Documents {
		data, err := json.Marshal(doc.Source)
		if err != nil {
			result.Errors++
			logDocumentFailure(s.logger, PostgresName, doc, err.Error())
			continue
		}
		rows = append(rows, pgRow{doc: doc, data: data})
	}
	return s.upsert(ctx, pool, rows, meta, result)
}

// upserter is the part of *pgxpool.Pool the sink writes through
type upserter interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type pgRow struct {
	doc  models.Document
	data []byte
}

func (s *PostgresSink) upsert(ctx context.Context, db upserter, rows []pgRow, meta models.PostMetadata, result models.PostResult) (models.PostResult, error) {
	if len(rows) == 0 {
		return result, nil
	}

	query := s.UpsertSQL()
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, row.doc.ID, meta.Source, meta.Endpoint, meta.RunID, row.data)
	}

	err := execBatch(db.SendBatch(ctx, batch), len(rows))
	if err == nil {
		result.Success += len(rows)
		return result, nil
	}
	if !rowRejected(err) {
		return models.PostResult{}, fmt.Errorf("upsert documents: %w", err)
	}

	s.logger.Warn().
		Err(err).
		Str("endpoint", meta.Endpoint).
		Int("documents", len(rows)).
		Msg("Batch upsert rejected, retrying documents one at a time")

	for _, row := range rows {
		if _, err := db.Exec(ctx, query, row.doc.ID, meta.Source, meta.Endpoint, meta.RunID, row.data); err != nil {
			if !rowRejected(err) {
				return models.PostResult{}, fmt.Errorf("upsert document %s: %w", row.doc.ID, err)
			}
			result.Errors++
			logDocumentFailure(s.logger, PostgresName, row.doc, err.Error())
			continue
		}
		result.Success++
	}
	return result, nil
}

func execBatch(br pgx.BatchResults, queued int) error {
	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// rowRejected reports a data exception (class 22) or integrity violation
// (class 23). Anything else, such as a missing table or a dropped
// connection, affects every row and fails the chunk.
func rowRejected(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

func (s *PostgresSink) Close() error {
	if pool, ok := s.handle.Release(); ok {
		pool.Close()
	}
	return nil
}
