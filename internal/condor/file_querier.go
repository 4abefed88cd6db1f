package condor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// FileQuerier reads history from local files. Rotated siblings
// ("history.<suffix>") are read first in name order, then the live file.
// The since hint is ignored; callers skip to their cursor themselves.
type FileQuerier struct {
	files  map[interfaces.HistoryKind]map[string]string
	static map[models.EndpointKind][]string
	logger arbor.ILogger
}

// NewFileQuerier creates a querier over the history maps of config
func NewFileQuerier(config common.CondorConfig, logger arbor.ILogger) *FileQuerier {
	return &FileQuerier{
		files: map[interfaces.HistoryKind]map[string]string{
			interfaces.HistoryJobs:   config.ScheddHistory,
			interfaces.HistoryStartd: config.StartdHistory,
			interfaces.HistoryEpochs: config.EpochHistory,
		},
		static: staticEndpoints(config),
		logger: logger,
	}
}

// Query returns the records of origin's history files in chronological order.
// An origin with no file configured for kind yields nothing.
func (q *FileQuerier) Query(ctx context.Context, kind interfaces.HistoryKind, origin models.Endpoint, since string) (interfaces.AdIterator, error) {
	path := q.files[kind][origin.Name]
	if path == "" {
		q.logger.Debug().Str("kind", string(kind)).Str("origin", origin.Name).Msg("No history file configured")
		return classad.NewSliceIterator(nil), nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history file %s: %w", path, err)
	}

	files, err := HistoryFiles(path)
	if err != nil {
		return nil, err
	}
	q.logger.Debug().Str("origin", origin.Name).Strs("files", files).Msg("Reading history files")

	return &fileChainIterator{ctx: ctx, origin: origin.Name, files: files}, nil
}

// ListEndpoints returns the static list for kind merged with every origin that
// has a history file
func (q *FileQuerier) ListEndpoints(ctx context.Context, kind models.EndpointKind) ([]models.Endpoint, error) {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, name := range q.static[kind] {
		add(name)
	}

	var kinds []interfaces.HistoryKind
	switch kind {
	case models.EndpointSchedd:
		kinds = []interfaces.HistoryKind{interfaces.HistoryJobs, interfaces.HistoryEpochs}
	case models.EndpointStartd:
		kinds = []interfaces.HistoryKind{interfaces.HistoryStartd}
	}
	for _, k := range kinds {
		var fromFiles []string
		for name := range q.files[k] {
			fromFiles = append(fromFiles, name)
		}
		sort.Strings(fromFiles)
		for _, name := range fromFiles {
			add(name)
		}
	}

	return namedEndpoints(kind, names), nil
}

// HistoryFiles returns the rotated siblings of path in name order followed by path
func HistoryFiles(path string) ([]string, error) {
	rotated, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, fmt.Errorf("list rotated history of %s: %w", path, err)
	}
	sort.Strings(rotated)

	files := make([]string, 0, len(rotated)+1)
	for _, f := range rotated {
		if filepath.Ext(f) == ".tmp" {
			continue
		}
		files = append(files, f)
	}
	return append(files, path), nil
}

// fileChainIterator opens each file lazily and yields its records
type fileChainIterator struct {
	ctx    context.Context
	origin string
	files  []string
	cur    *classad.RecordIterator
	value  *models.RawAd
	err    error
}

func (it *fileChainIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}

		if it.cur == nil {
			if len(it.files) == 0 {
				it.value = nil
				return false
			}
			f, err := os.Open(it.files[0])
			if err != nil {
				// A rotated file may be pruned between listing and opening
				if errors.Is(err, os.ErrNotExist) && len(it.files) > 1 {
					it.files = it.files[1:]
					continue
				}
				it.err = fmt.Errorf("open history file: %w", err)
				return false
			}
			it.files = it.files[1:]
			it.cur = classad.NewRecordIterator(it.origin, f)
		}

		if it.cur.Next() {
			it.value = it.cur.Value()
			return true
		}
		if err := it.cur.Err(); err != nil {
			it.err = fmt.Errorf("read history file: %w", err)
		}
		it.cur.Close()
		it.cur = nil
	}
}

func (it *fileChainIterator) Value() *models.RawAd { return it.value }

func (it *fileChainIterator) Err() error { return it.err }

func (it *fileChainIterator) Close() error {
	if it.cur != nil {
		err := it.cur.Close()
		it.cur = nil
		return err
	}
	return nil
}
