// Package sinks publishes chunks of documents to their destinations: a
// search index, an NDJSON file, an object store, a relational table, the
// console or nowhere at all.
package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/adstash/internal/registry"
	"github.com/ternarybob/arbor"
)

// Deps are the collaborators handed to sink factories
type Deps struct {
	Config *common.Config
	Logger arbor.ILogger
}

// NewRegistry returns a registry holding every sink. The descriptor type is
// the ID strategy documents must be built with for that sink.
func NewRegistry(deps Deps) *registry.Registry[interfaces.Sink] {
	reg := registry.New[interfaces.Sink]("interface")
	Register(reg, deps)
	return reg
}

// Register adds every sink to reg
func Register(reg *registry.Registry[interfaces.Sink], deps Deps) {
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: NullName,
		Type: string(interfaces.IDStrategyContent),
		Factory: func() (interfaces.Sink, error) {
			return NewNullSink(deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: PrintName,
		Type: string(interfaces.IDStrategyContent),
		Factory: func() (interfaces.Sink, error) {
			return NewPrintSink(deps.Config.Print, deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: ElasticsearchName,
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			return NewElasticsearchSink(deps.Config.Elasticsearch, deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: JSONFileName,
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			return NewJSONFileSink(deps.Config.JSONFile, deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: MinIOName,
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			return NewMinIOSink(deps.Config.MinIO, deps.Logger), nil
		},
	})
	reg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: PostgresName,
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			return NewPostgresSink(deps.Config.Postgres, deps.Logger), nil
		},
	})
}

// lazyHandle connects on first use and memoizes the connection. A failed
// connect is not cached, so the next call tries again.
type lazyHandle[T any] struct {
	mu        sync.Mutex
	value     T
	connected bool
	connect   func(ctx context.Context) (T, error)
}

func newLazyHandle[T any](connect func(ctx context.Context) (T, error)) *lazyHandle[T] {
	return &lazyHandle[T]{connect: connect}
}

// Get returns the memoized connection, connecting if needed
func (h *lazyHandle[T]) Get(ctx context.Context) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connected {
		return h.value, nil
	}
	value, err := h.connect(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	h.value = value
	h.connected = true
	return value, nil
}

// Release forgets the connection and returns it for closing
func (h *lazyHandle[T]) Release() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, ok := h.value, h.connected
	var zero T
	h.value = zero
	h.connected = false
	return value, ok
}

// diagnosticAttributes are logged alongside a document that failed to publish
var diagnosticAttributes = []string{"GlobalJobId", "ClusterId", "ProcId", "Owner", "NumShadowStarts"}

// logDocumentFailure logs a rejected document with its ID and a few identifying attributes
func logDocumentFailure(logger arbor.ILogger, sink string, doc models.Document, reason string) {
	event := logger.Warn().
		Str("sink", sink).
		Str("doc_id", doc.ID).
		Str("reason", reason)
	for _, name := range diagnosticAttributes {
		if v, ok := doc.Source[name]; ok && v != nil {
			event.Str(name, fmt.Sprint(v))
		}
	}
	event.Msg("Failed to publish document")
}
