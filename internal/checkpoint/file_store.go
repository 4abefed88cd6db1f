// Package checkpoint persists per-source harvest cursors.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("checkpoint store closed")

type opKind int

const (
	opLoad opKind = iota
	opUpdate
)

type request struct {
	ctx     context.Context
	op      opKind
	key     string
	partial models.Cursor
	reply   chan response
}

type response struct {
	cursor models.Cursor
	err    error
}

// FileStore keeps every key in one JSON file. All reads and merge-writes are
// serialized through a single writer goroutine that owns the in-memory state.
type FileStore struct {
	path     string
	logger   arbor.ILogger
	state    map[string]models.Cursor
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewFileStore loads path (if present) and starts the writer goroutine.
// A missing or corrupt file starts from an empty checkpoint.
func NewFileStore(path string, logger arbor.ILogger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	s := &FileStore{
		path:     path,
		logger:   logger,
		state:    readState(path, logger),
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	common.SafeGo(logger, "checkpoint-writer", s.run)
	return s, nil
}

func readState(path string, logger arbor.ILogger) map[string]models.Cursor {
	state := make(map[string]models.Cursor)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", path).Msg("Checkpoint file not found, harvesting from the beginning")
		} else {
			logger.Warn().Err(err).Str("path", path).Msg("Checkpoint file unreadable, harvesting from the beginning")
		}
		return state
	}

	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Checkpoint file corrupt, harvesting from the beginning")
		return make(map[string]models.Cursor)
	}
	return state
}

func (s *FileStore) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			req.reply <- s.handle(req)
		case <-s.quit:
			return
		}
	}
}

func (s *FileStore) handle(req request) response {
	// A caller cancelled after sending must not land a stale cursor
	if err := req.ctx.Err(); err != nil {
		return response{err: err}
	}

	switch req.op {
	case opLoad:
		cursor, ok := s.state[req.key]
		if !ok {
			return response{cursor: models.Cursor{}}
		}
		return response{cursor: cursor.Clone()}
	case opUpdate:
		next := make(map[string]models.Cursor, len(s.state)+1)
		for k, v := range s.state {
			next[k] = v
		}
		next[req.key] = s.state[req.key].Merge(req.partial)

		if err := writeAtomic(s.path, next); err != nil {
			return response{err: err}
		}
		s.state = next
		s.logger.Trace().Str("key", req.key).Msg("Checkpoint updated")
		return response{}
	}
	return response{err: fmt.Errorf("unknown checkpoint operation %d", req.op)}
}

func (s *FileStore) do(ctx context.Context, req request) response {
	if err := ctx.Err(); err != nil {
		return response{err: err}
	}

	req.ctx = ctx
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-s.quit:
		return response{err: ErrClosed}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	return <-req.reply
}

// Load returns the cursor stored under key, empty when none
func (s *FileStore) Load(ctx context.Context, key string) (models.Cursor, error) {
	resp := s.do(ctx, request{op: opLoad, key: key})
	return resp.cursor, resp.err
}

// Update merges partial into the cursor for key and rewrites the file atomically
func (s *FileStore) Update(ctx context.Context, key string, partial models.Cursor) error {
	if len(partial) == 0 {
		return nil
	}
	resp := s.do(ctx, request{op: opUpdate, key: key, partial: partial})
	if resp.err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", key, resp.err)
	}
	return nil
}

// Close stops the writer goroutine. Every Update that returned has been written.
func (s *FileStore) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// writeAtomic writes to path+".tmp", syncs, renames over path, then syncs the directory
func writeAtomic(path string, state map[string]models.Cursor) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	_ = fsyncDir(filepath.Dir(path))
	return nil
}

// fsyncDir makes the rename durable; unsupported on windows, ENOTSUP on some filesystems
func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return err
	}
	return nil
}
