package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

const PrintName = "print"

// PrintSink writes a human-readable form of every document
type PrintSink struct {
	output string
	handle *lazyHandle[io.Writer]
	file   *os.File
	logger arbor.ILogger
}

// NewPrintSink writes to config.Output: "stdout", "stderr" or a file path
func NewPrintSink(config common.PrintConfig, logger arbor.ILogger) *PrintSink {
	s := &PrintSink{output: config.Output, logger: logger}
	s.handle = newLazyHandle(s.open)
	return s
}

func (s *PrintSink) open(ctx context.Context) (io.Writer, error) {
	switch s.output {
	case "", "stdout", "-":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(s.output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open print output: %w", err)
	}
	s.file = f
	return f, nil
}

func (s *PrintSink) Name() string { return PrintName }

// Handle returns the output writer, opening it on first use
func (s *PrintSink) Handle(ctx context.Context) (io.Writer, error) {
	return s.handle.Get(ctx)
}

func (s *PrintSink) SetupIndex(ctx context.Context) error {
	_, err := s.Handle(ctx)
	return err
}

func (s *PrintSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	w, err := s.Handle(ctx)
	if err != nil {
		return models.PostResult{}, err
	}

	unlock := lockPath(s.output)
	defer unlock()

	var result models.PostResult
	buf := bufio.NewWriter(w)
	fmt.Fprintf(buf, "=== %s %s chunk %d (%d documents)\n", meta.Source, meta.Endpoint, meta.Chunk, chunk.Len())
	for _, doc := range chunk.Documents {
		data, err := json.MarshalIndent(doc.Source, "", "  ")
		if err != nil {
			result.Errors++
			logDocumentFailure(s.logger, PrintName, doc, err.Error())
			continue
		}
		fmt.Fprintf(buf, "--- %s\n%s\n", doc.ID, data)
		result.Success++
	}
	if err := buf.Flush(); err != nil {
		return models.PostResult{}, fmt.Errorf("write print output: %w", err)
	}
	return result, nil
}

func (s *PrintSink) Close() error {
	s.handle.Release()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
