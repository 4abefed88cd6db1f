package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const JSONFileName = "jsonfile"

// JSONFileSink appends one {"_id", "_source"} line per document. Re-posting a
// document appends a newer line; readers keep the last line per ID.
type JSONFileSink struct {
	path   string
	handle *lazyHandle[*os.File]
	logger arbor.ILogger
}

// pathLocks serializes writers appending to the same file, since every
// endpoint worker owns its own sink instance
var pathLocks sync.Map

func lockPath(path string) func() {
	v, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func NewJSONFileSink(config common.JSONFileConfig, logger arbor.ILogger) *JSONFileSink {
	s := &JSONFileSink{path: config.Path, logger: logger}
	s.handle = newLazyHandle(s.open)
	return s
}

func (s *JSONFileSink) open(ctx context.Context) (*os.File, error) {
	if s.path == "" {
		return nil, fmt.Errorf("jsonfile path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create jsonfile directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonfile: %w", err)
	}
	return f, nil
}

func (s *JSONFileSink) Name() string { return JSONFileName }

// Handle returns the open file, opening it on first use
func (s *JSONFileSink) Handle(ctx context.Context) (*os.File, error) {
	return s.handle.Get(ctx)
}

func (s *JSONFileSink) SetupIndex(ctx context.Context) error {
	_, err := s.Handle(ctx)
	return err
}

// PostAds writes the chunk and syncs the file before reporting success
func (s *JSONFileSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	f, err := s.Handle(ctx)
	if err != nil {
		return models.PostResult{}, err
	}

	unlock := lockPath(s.path)
	defer unlock()

	var result models.PostResult
	w := bufio.NewWriter(f)
	for _, doc := range chunk.Documents {
		line, err := json.Marshal(doc)
		if err != nil {
			result.Errors++
			logDocumentFailure(s.logger, JSONFileName, doc, err.Error())
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
		result.Success++
	}
	if err := w.Flush(); err != nil {
		return models.PostResult{}, fmt.Errorf("write jsonfile: %w", err)
	}
	if err := f.Sync(); err != nil {
		return models.PostResult{}, fmt.Errorf("sync jsonfile: %w", err)
	}
	return result, nil
}

func (s *JSONFileSink) Close() error {
	f, ok := s.handle.Release()
	if !ok {
		return nil
	}
	return f.Close()
}

// ReadJSONFile returns the documents of an NDJSON sink file, keeping the
// last line written for each ID
func ReadJSONFile(path string) (map[string]models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	docs := make(map[string]models.Document)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var doc models.Document
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs[doc.ID] = doc
	}
	return docs, scanner.Err()
}
