package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/adstash/internal/checkpoint"
	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/condor"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/adstash/internal/registry"
	"github.com/ternarybob/adstash/internal/sinks"
	"github.com/ternarybob/adstash/internal/sources"
	"github.com/ternarybob/arbor"
)

// scriptedQuerier serves a fixed history per schedd. Endpoint behaviour is
// driven by the maps below.
type scriptedQuerier struct {
	mu       sync.Mutex
	records  map[string][]string
	broken   map[string]bool
	panics   map[string]bool
	hang     map[string]bool
	failures map[string]int // remaining failing queries per endpoint
	hangList bool
	release  chan struct{}
}

func newScriptedQuerier() *scriptedQuerier {
	return &scriptedQuerier{
		records:  make(map[string][]string),
		broken:   make(map[string]bool),
		panics:   make(map[string]bool),
		hang:     make(map[string]bool),
		failures: make(map[string]int),
		release:  make(chan struct{}),
	}
}

func (q *scriptedQuerier) addSchedd(name string, jobs int) {
	for i := 1; i <= jobs; i++ {
		q.records[name] = append(q.records[name], fmt.Sprintf(
			"GlobalJobId = \"%s#%d.0#170000%04d\"\nClusterId = %d\nProcId = 0\nOwner = \"alice\"\nJobStatus = 4\n",
			name, i, i, i))
	}
}

func (q *scriptedQuerier) Query(ctx context.Context, kind interfaces.HistoryKind, origin models.Endpoint, since string) (interfaces.AdIterator, error) {
	q.mu.Lock()
	broken := q.broken[origin.Name]
	panics := q.panics[origin.Name]
	hang := q.hang[origin.Name]
	failing := q.failures[origin.Name] > 0
	if failing {
		q.failures[origin.Name]--
	}
	q.mu.Unlock()

	switch {
	case broken, failing:
		return nil, errors.New("connection refused")
	case panics:
		panic("corrupt history index")
	case hang:
		<-q.release
		return nil, errors.New("released")
	}

	var ads []*models.RawAd
	for _, text := range q.records[origin.Name] {
		ads = append(ads, &models.RawAd{Origin: origin.Name, Text: text})
	}
	return classad.NewSliceIterator(ads), nil
}

func (q *scriptedQuerier) ListEndpoints(ctx context.Context, kind models.EndpointKind) ([]models.Endpoint, error) {
	if q.hangList {
		<-q.release
		return nil, errors.New("released")
	}

	names := make([]string, 0, len(q.records))
	for name := range q.records {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]models.Endpoint, 0, len(names))
	for _, name := range names {
		endpoints = append(endpoints, models.Endpoint{Name: name, Kind: kind})
	}
	return endpoints, nil
}

// memorySink keeps the last posted document per ID across every instance
type memorySink struct {
	mu   sync.Mutex
	docs map[string]models.Document
}

func (s *memorySink) Name() string                         { return "memory" }
func (s *memorySink) SetupIndex(ctx context.Context) error { return nil }
func (s *memorySink) Close() error                         { return nil }

func (s *memorySink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range chunk.Documents {
		s.docs[doc.ID] = doc
	}
	return models.PostResult{Success: chunk.Len()}, nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// stallingSink blocks its first PostAds until stall is closed, ignoring ctx
type stallingSink struct {
	*memorySink
	stall  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *stallingSink) PostAds(ctx context.Context, chunk models.Chunk, meta models.PostMetadata) (models.PostResult, error) {
	if s.stall != nil {
		<-s.stall
		s.stall = nil
	}
	return s.memorySink.PostAds(ctx, chunk, meta)
}

func (s *stallingSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// useStallingSink makes the first sink instance of the run stall and returns it
func (h *harness) useStallingSink(stall chan struct{}) *stallingSink {
	first := &stallingSink{memorySink: h.sink, stall: stall, closed: make(chan struct{})}
	var made int32
	h.sinksReg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: "stalling",
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			if atomic.AddInt32(&made, 1) == 1 {
				return first, nil
			}
			return &stallingSink{memorySink: h.sink, closed: make(chan struct{})}, nil
		},
	})
	h.config.Harvest.Interface = "stalling"
	return first
}

type harness struct {
	config      *common.Config
	querier     *scriptedQuerier
	querierMade int32
	sink        *memorySink
	store       interfaces.CheckpointStore
	checkpoint  string
	sourcesReg  *registry.Registry[interfaces.AdSource]
	sinksReg    *registry.Registry[interfaces.Sink]
	logger      arbor.ILogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		config:  common.NewDefaultConfig(),
		querier: newScriptedQuerier(),
		sink:    &memorySink{docs: make(map[string]models.Document)},
		logger:  arbor.NewLogger(),
	}
	t.Cleanup(func() { close(h.querier.release) })

	h.config.Harvest.Sources = []string{"schedd_history"}
	h.config.Harvest.Interface = "memory"
	h.config.Harvest.ChunkSize = 2
	h.config.Harvest.Workers = 2
	h.config.Harvest.EndpointTimeout = "5s"

	h.checkpoint = filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := checkpoint.NewFileStore(h.checkpoint, h.logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.sourcesReg = sources.NewRegistry(sources.Deps{
		Config: h.config,
		Logger: h.logger,
		NewQuerier: func() (condor.Querier, error) {
			atomic.AddInt32(&h.querierMade, 1)
			return h.querier, nil
		},
	})
	h.sinksReg = sinks.NewRegistry(sinks.Deps{Config: h.config, Logger: h.logger})
	h.sinksReg.MustRegister(registry.Descriptor[interfaces.Sink]{
		Name: "memory",
		Type: string(interfaces.IDStrategyKey),
		Factory: func() (interfaces.Sink, error) {
			return h.sink, nil
		},
	})
	return h
}

func (h *harness) run(t *testing.T) *models.HarvestSummary {
	t.Helper()
	driver := NewDriver(h.config, h.sourcesReg, h.sinksReg, h.store, h.logger)
	summary, err := driver.Run(context.Background())
	require.NoError(t, err)
	return summary
}

func resultFor(summary *models.HarvestSummary, endpoint string) models.EndpointResult {
	for _, r := range summary.Endpoints {
		if r.Endpoint == endpoint {
			return r
		}
	}
	return models.EndpointResult{}
}

func TestDriver_HarvestsEveryEndpointAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 3)
	h.querier.addSchedd("schedd-b", 4)

	summary := h.run(t)

	assert.True(t, summary.OK())
	assert.Equal(t, "memory", summary.Sink)
	assert.Len(t, summary.Endpoints, 2)
	assert.Equal(t, 7, summary.Totals.Ads)
	assert.Equal(t, 7, summary.Totals.Posted)
	assert.Equal(t, 7, h.sink.count())

	cursor, err := h.store.Load(context.Background(), "schedd-b")
	require.NoError(t, err)
	assert.Equal(t, "schedd-b#4.0#1700000004", cursor.String("GlobalJobId"))
}

func TestDriver_SecondRunResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 5)

	first := h.run(t)
	require.True(t, first.OK())
	assert.Equal(t, 5, first.Totals.Posted)

	second := h.run(t)
	require.True(t, second.OK())
	assert.Equal(t, 0, second.Totals.Posted)
	assert.Equal(t, 5, h.sink.count())
}

func TestDriver_EndpointFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 2)
	h.querier.addSchedd("schedd-b", 2)
	h.querier.addSchedd("schedd-down", 2)
	h.querier.broken["schedd-down"] = true

	summary := h.run(t)

	assert.False(t, summary.OK())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, models.StateDone, resultFor(summary, "schedd-a").State)
	assert.Equal(t, models.StateDone, resultFor(summary, "schedd-b").State)

	down := resultFor(summary, "schedd-down")
	assert.Equal(t, models.StateFailed, down.State)
	assert.Contains(t, down.Error, "connection refused")

	cursor, err := h.store.Load(context.Background(), "schedd-down")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	assert.Equal(t, 4, h.sink.count())
}

func TestDriver_UnknownInterfaceFailsBeforeAnySource(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 2)
	h.config.Harvest.Interface = "solr"

	driver := NewDriver(h.config, h.sourcesReg, h.sinksReg, h.store, h.logger)
	summary, err := driver.Run(context.Background())

	assert.ErrorIs(t, err, registry.ErrUnknownComponent)
	assert.Nil(t, summary)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.querierMade))
	_, statErr := os.Stat(h.checkpoint)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDriver_UnknownSourceFailsBeforeAnySource(t *testing.T) {
	h := newHarness(t)
	h.config.Harvest.Sources = []string{"schedd_history", "collector_history"}

	driver := NewDriver(h.config, h.sourcesReg, h.sinksReg, h.store, h.logger)
	_, err := driver.Run(context.Background())

	assert.ErrorIs(t, err, registry.ErrUnknownComponent)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.querierMade))
}

func TestDriver_TimeoutMarksEndpointFailed(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 2)
	h.querier.addSchedd("schedd-stuck", 2)
	h.querier.hang["schedd-stuck"] = true
	h.config.Harvest.EndpointTimeout = "100ms"

	start := time.Now()
	summary := h.run(t)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.StateDone, resultFor(summary, "schedd-a").State)
	stuck := resultFor(summary, "schedd-stuck")
	assert.Equal(t, models.StateFailed, stuck.State)
	assert.Contains(t, stuck.Error, context.DeadlineExceeded.Error())
}

func TestDriver_PanicMarksEndpointFailed(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 2)
	h.querier.addSchedd("schedd-bad", 2)
	h.querier.panics["schedd-bad"] = true

	summary := h.run(t)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, models.StateDone, resultFor(summary, "schedd-a").State)
	bad := resultFor(summary, "schedd-bad")
	assert.Equal(t, models.StateFailed, bad.State)
	assert.Contains(t, bad.Error, "corrupt history index")
}

func TestDriver_RetriesFailedEndpoint(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-flaky", 3)
	h.querier.failures["schedd-flaky"] = 1
	h.config.Harvest.EndpointRetries = 2
	h.config.Harvest.RetryBackoff = "1ms"

	summary := h.run(t)

	flaky := resultFor(summary, "schedd-flaky")
	assert.Equal(t, models.StateDone, flaky.State)
	assert.Equal(t, 2, flaky.Attempts)
	assert.Equal(t, 3, h.sink.count())
}

func TestDriver_DryRunUsesNullSink(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 3)
	h.config.Harvest.Interface = "elasticsearch"
	h.config.Harvest.DryRun = true

	summary := h.run(t)

	assert.True(t, summary.OK())
	assert.Equal(t, sinks.NullName, summary.Sink)
	assert.Equal(t, 3, summary.Totals.Posted)
	assert.Equal(t, 0, h.sink.count())
}

func TestDriver_ResolveIDStrategy(t *testing.T) {
	h := newHarness(t)
	driver := NewDriver(h.config, h.sourcesReg, h.sinksReg, h.store, h.logger)

	h.config.Harvest.Interface = "null"
	plan, err := driver.Resolve()
	require.NoError(t, err)
	assert.Equal(t, interfaces.IDStrategyContent, plan.IDStrategy)

	h.config.Harvest.Interface = "jsonfile"
	plan, err = driver.Resolve()
	require.NoError(t, err)
	assert.Equal(t, interfaces.IDStrategyKey, plan.IDStrategy)

	h.config.Documents.IDStrategy = "content"
	plan, err = driver.Resolve()
	require.NoError(t, err)
	assert.Equal(t, interfaces.IDStrategyContent, plan.IDStrategy)
}

func TestDriver_TimedOutCycleNeverRegressesCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 4)
	h.config.Harvest.EndpointTimeout = "100ms"
	h.config.Harvest.EndpointRetries = 1
	h.config.Harvest.RetryBackoff = "1ms"

	stall := make(chan struct{})
	first := h.useStallingSink(stall)
	time.AfterFunc(300*time.Millisecond, func() { close(stall) })

	summary := h.run(t)

	result := resultFor(summary, "schedd-a")
	assert.Equal(t, models.StateDone, result.State)
	assert.Equal(t, 2, result.Attempts)

	// The first body unwound before the retry started
	select {
	case <-first.closed:
	default:
		t.Fatal("timed-out cycle still running after the retry")
	}

	cursor, err := h.store.Load(context.Background(), "schedd-a")
	require.NoError(t, err)
	assert.Equal(t, "schedd-a#4.0#1700000004", cursor.String("GlobalJobId"))
	assert.Equal(t, 4, h.sink.count())
}

func TestDriver_StuckCycleIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 4)
	h.config.Harvest.EndpointTimeout = "100ms"
	h.config.Harvest.EndpointRetries = 1
	h.config.Harvest.RetryBackoff = "1ms"

	stall := make(chan struct{})
	first := h.useStallingSink(stall)

	driver := NewDriver(h.config, h.sourcesReg, h.sinksReg, h.store, h.logger)
	driver.stopGrace = 50 * time.Millisecond
	summary, err := driver.Run(context.Background())
	require.NoError(t, err)

	result := resultFor(summary, "schedd-a")
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, 1, result.Attempts)

	// Let the abandoned body finish; its commit must not land
	close(stall)
	select {
	case <-first.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned cycle never finished")
	}

	cursor, err := h.store.Load(context.Background(), "schedd-a")
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestDriver_ZeroTimeoutIsUnbounded(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 3)
	h.config.Harvest.EndpointTimeout = "0s"

	summary := h.run(t)

	result := resultFor(summary, "schedd-a")
	assert.Equal(t, models.StateDone, result.State)
	assert.Empty(t, result.Error)
	assert.Equal(t, 3, summary.Totals.Posted)
}

func TestDriver_StuckEnumerationFailsSource(t *testing.T) {
	h := newHarness(t)
	h.querier.addSchedd("schedd-a", 2)
	h.querier.hangList = true
	h.config.Harvest.EndpointTimeout = "100ms"

	start := time.Now()
	summary := h.run(t)

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, summary.Endpoints, 1)
	failed := summary.Endpoints[0]
	assert.Equal(t, "schedd_history", failed.Source)
	assert.Equal(t, models.StateFailed, failed.State)
	assert.Contains(t, failed.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 0, h.sink.count())
}
