// Package harvest runs one harvest pass: every endpoint of every selected
// source goes through its own fetch and publish cycle on a bounded worker
// pool, and the outcomes are folded into a run summary.
package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/adstash/internal/registry"
	"github.com/ternarybob/adstash/internal/sinks"
	"github.com/ternarybob/adstash/internal/worker"
	"github.com/ternarybob/arbor"
)

// Plan is the resolved selection for a run
type Plan struct {
	Sources    []registry.Descriptor[interfaces.AdSource]
	Sink       registry.Descriptor[interfaces.Sink]
	IDStrategy interfaces.IDStrategy
}

// stopGrace bounds how long a timed-out cycle body may take to unwind
// before the endpoint is given up without retrying
const stopGrace = 30 * time.Second

// Driver runs harvest passes
type Driver struct {
	config    *common.Config
	sources   *registry.Registry[interfaces.AdSource]
	sinks     *registry.Registry[interfaces.Sink]
	store     interfaces.CheckpointStore
	logger    arbor.ILogger
	stopGrace time.Duration
}

func NewDriver(
	config *common.Config,
	sources *registry.Registry[interfaces.AdSource],
	sinkRegistry *registry.Registry[interfaces.Sink],
	store interfaces.CheckpointStore,
	logger arbor.ILogger,
) *Driver {
	return &Driver{
		config:    config,
		sources:   sources,
		sinks:     sinkRegistry,
		store:     store,
		logger:    logger,
		stopGrace: stopGrace,
	}
}

// Resolve validates the configured selection against the registries without
// creating any component. Errors are configuration errors.
func (d *Driver) Resolve() (*Plan, error) {
	harvest := d.config.Harvest
	if len(harvest.Sources) == 0 {
		return nil, fmt.Errorf("no sources selected")
	}

	sourceDescs, err := d.sources.ResolveAll(harvest.Sources)
	if err != nil {
		return nil, err
	}

	sinkName := harvest.Interface
	if harvest.DryRun {
		sinkName = sinks.NullName
	}
	sinkDesc, err := d.sinks.Resolve(sinkName)
	if err != nil {
		return nil, err
	}

	strategy := interfaces.IDStrategy(sinkDesc.Type)
	if d.config.Documents.IDStrategy != "" {
		strategy = interfaces.IDStrategy(d.config.Documents.IDStrategy)
	}

	return &Plan{Sources: sourceDescs, Sink: sinkDesc, IDStrategy: strategy}, nil
}

type endpointJob struct {
	source   registry.Descriptor[interfaces.AdSource]
	endpoint models.Endpoint
}

// Run resolves the plan and harvests every endpoint once. A non-nil error is
// a configuration error raised before any endpoint was touched; endpoint
// failures are reported in the summary.
func (d *Driver) Run(ctx context.Context) (*models.HarvestSummary, error) {
	plan, err := d.Resolve()
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	summary := &models.HarvestSummary{
		RunID:     common.NewRunID(),
		Sink:      plan.Sink.Name,
		StartedAt: startedAt,
	}

	d.logger.Info().
		Str("run_id", summary.RunID).
		Strs("sources", d.config.Harvest.Sources).
		Str("interface", plan.Sink.Name).
		Str("id_strategy", string(plan.IDStrategy)).
		Bool("dry_run", d.config.Harvest.DryRun).
		Msg("Starting harvest")

	jobs, listFailures := d.enumerate(ctx, plan)
	results := d.runJobs(ctx, plan, summary.RunID, jobs)

	summary.Endpoints = append(listFailures, results...)
	summary.Elapsed = time.Since(startedAt)
	for _, r := range summary.Endpoints {
		summary.Totals.Ads += r.Stats.Ads
		summary.Totals.Malformed += r.Stats.Malformed
		summary.Totals.Chunks += r.Stats.Chunks
		summary.Totals.Posted += r.Stats.Posted
		summary.Totals.Errors += r.Stats.Errors
		if r.State != models.StateDone {
			summary.Failed++
		}
	}

	d.logSummary(summary)
	return summary, nil
}

// enumerate lists the endpoints of every selected source. A source whose
// endpoints cannot be listed is reported as one failed result.
func (d *Driver) enumerate(ctx context.Context, plan *Plan) ([]endpointJob, []models.EndpointResult) {
	var jobs []endpointJob
	var failures []models.EndpointResult

	for _, desc := range plan.Sources {
		endpoints, err := d.listEndpoints(ctx, desc)
		if err != nil {
			d.logger.Error().Err(err).Str("source", desc.Name).Msg("Failed to list endpoints")
			failures = append(failures, models.EndpointResult{
				Source: desc.Name,
				State:  models.StateFailed,
				Error:  err.Error(),
			})
			continue
		}
		if len(endpoints) == 0 {
			d.logger.Warn().Str("source", desc.Name).Msg("Source has no endpoints")
		}
		for _, endpoint := range endpoints {
			jobs = append(jobs, endpointJob{source: desc, endpoint: endpoint})
		}
	}
	return jobs, failures
}

// listEndpoints runs under the endpoint timeout so a stuck collector fails
// its source instead of stalling the run
func (d *Driver) listEndpoints(parent context.Context, desc registry.Descriptor[interfaces.AdSource]) ([]models.Endpoint, error) {
	ctx, cancel := d.endpointContext(parent)
	defer cancel()

	type listing struct {
		endpoints []models.Endpoint
		err       error
	}
	done := make(chan listing, 1)
	go func() {
		var endpoints []models.Endpoint
		err := common.RunSafe(d.logger, "list:"+desc.Name, func() error {
			source, err := desc.Factory()
			if err != nil {
				return fmt.Errorf("create source %s: %w", desc.Name, err)
			}
			defer source.Close()

			endpoints, err = source.ListEndpoints(ctx)
			return err
		})
		done <- listing{endpoints: endpoints, err: err}
	}()

	select {
	case out := <-done:
		return out.endpoints, out.err
	case <-ctx.Done():
		select {
		case out := <-done:
			return out.endpoints, out.err
		default:
			return nil, fmt.Errorf("list endpoints: %w", ctx.Err())
		}
	}
}

// endpointContext applies harvest.endpoint_timeout; zero or negative is unbounded
func (d *Driver) endpointContext(parent context.Context) (context.Context, context.CancelFunc) {
	if timeout := d.config.Harvest.EndpointTimeoutDuration(); timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

// runJobs harvests every endpoint on the worker pool. Results keep the
// enumeration order.
func (d *Driver) runJobs(ctx context.Context, plan *Plan, runID string, jobs []endpointJob) []models.EndpointResult {
	results := make([]models.EndpointResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	workers := d.config.Harvest.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	pool := worker.NewWorkerPool(ctx, d.logger, workers)
	pool.Start()

	submitted := 0
	for i, job := range jobs {
		err := pool.Submit(func(ctx context.Context, workerID int) {
			results[i] = d.harvestEndpoint(ctx, plan, runID, job)
		})
		if err != nil {
			break
		}
		submitted++
	}
	pool.Wait()

	for i := submitted; i < len(jobs); i++ {
		results[i] = models.EndpointResult{
			Source:   jobs[i].source.Name,
			Endpoint: jobs[i].endpoint.Name,
			State:    models.StateFailed,
			Error:    "harvest cancelled before endpoint started",
		}
	}
	return results
}

// harvestEndpoint runs the endpoint cycle, retrying a failed cycle with
// exponential backoff up to harvest.endpoint_retries times
func (d *Driver) harvestEndpoint(ctx context.Context, plan *Plan, runID string, job endpointJob) models.EndpointResult {
	logger := d.logger.WithCorrelationId(job.endpoint.Name)
	backoff := d.config.Harvest.RetryBackoffDuration()
	retries := d.config.Harvest.EndpointRetries

	var result models.EndpointResult
	for attempt := 0; attempt <= retries; attempt++ {
		var stopped bool
		result, stopped = d.runCycle(ctx, plan, runID, job, attempt < retries, logger)
		result.Attempts = attempt + 1
		if result.State == models.StateDone || attempt == retries {
			break
		}
		if !stopped {
			logger.Error().
				Str("source", job.source.Name).
				Str("endpoint", job.endpoint.Name).
				Dur("grace", d.stopGrace).
				Msg("Endpoint cycle still running after cancellation, not retrying")
			break
		}

		wait := backoff * time.Duration(1<<uint(attempt))
		logger.Warn().
			Str("source", job.source.Name).
			Str("endpoint", job.endpoint.Name).
			Str("error", result.Error).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("Endpoint cycle failed, retrying")

		select {
		case <-ctx.Done():
			return result
		case <-time.After(wait):
		}
	}
	return result
}

type cycleOutcome struct {
	stats models.ProcessStats
	err   error
}

// runCycle runs one endpoint state machine under the endpoint timeout. The
// cycle body runs in its own goroutine so a component that ignores
// cancellation cannot hold the worker past the deadline. When a retry may
// follow, a timed-out body is given stopGrace to unwind first; stopped
// reports whether it did.
func (d *Driver) runCycle(parent context.Context, plan *Plan, runID string, job endpointJob, retrying bool, logger arbor.ILogger) (result models.EndpointResult, stopped bool) {
	started := time.Now()
	ctx, cancel := d.endpointContext(parent)
	defer cancel()

	machine := newStateMachine(job.source.Name, job.endpoint.Name, logger)

	done := make(chan cycleOutcome, 1)
	go func() {
		var stats models.ProcessStats
		err := common.RunSafe(logger, job.source.Name+":"+job.endpoint.Name, func() error {
			var err error
			stats, err = d.cycle(ctx, plan, runID, job, machine, logger)
			return err
		})
		done <- cycleOutcome{stats: stats, err: err}
	}()

	var out cycleOutcome
	stopped = true
	select {
	case out = <-done:
	case <-ctx.Done():
		select {
		case out = <-done:
		default:
			out = cycleOutcome{err: fmt.Errorf("endpoint cycle: %w", ctx.Err())}
			if retrying {
				stopped = d.awaitStop(done)
			}
		}
	}

	if out.err != nil {
		machine.fail(out.err)
	} else {
		machine.transition(models.StateDone)
	}

	return models.EndpointResult{
		Source:   job.source.Name,
		Endpoint: job.endpoint.Name,
		State:    machine.current(),
		Stats:    out.stats,
		Error:    errorText(out.err),
		Duration: time.Since(started),
	}, stopped
}

// awaitStop waits up to stopGrace for a cancelled body to return
func (d *Driver) awaitStop(done <-chan cycleOutcome) bool {
	timer := time.NewTimer(d.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// cycle is the body of one endpoint cycle: each cycle owns fresh source and
// sink instances and the endpoint's checkpoint key
func (d *Driver) cycle(ctx context.Context, plan *Plan, runID string, job endpointJob, machine *stateMachine, logger arbor.ILogger) (models.ProcessStats, error) {
	var stats models.ProcessStats

	source, err := job.source.Factory()
	if err != nil {
		return stats, fmt.Errorf("create source %s: %w", job.source.Name, err)
	}
	defer source.Close()

	sink, err := plan.Sink.Factory()
	if err != nil {
		return stats, fmt.Errorf("create interface %s: %w", plan.Sink.Name, err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Str("interface", sink.Name()).Msg("Failed to close interface")
		}
	}()

	machine.transition(models.StateFetching)

	key := source.CheckpointKey(job.endpoint)
	var cursor models.Cursor
	if key != "" {
		cursor, err = d.store.Load(ctx, key)
		if err != nil {
			return stats, fmt.Errorf("load checkpoint %s: %w", key, err)
		}
	}

	if err := sink.SetupIndex(ctx); err != nil {
		return stats, fmt.Errorf("setup %s: %w", sink.Name(), err)
	}

	ads, err := source.FetchAds(ctx, job.endpoint, cursor)
	if err != nil {
		return stats, fmt.Errorf("fetch ads: %w", err)
	}

	machine.transition(models.StatePublishing)

	var commit interfaces.CommitFunc
	if key != "" {
		cycleCtx := ctx
		commit = func(ctx context.Context, cursor models.Cursor) error {
			// Once the cycle is cancelled a retry may own the key
			if err := cycleCtx.Err(); err != nil {
				return fmt.Errorf("commit checkpoint %s: %w", key, err)
			}
			return d.store.Update(ctx, key, cursor)
		}
	}

	return source.ProcessAds(ctx, sink, ads, interfaces.ProcessOptions{
		Endpoint:   job.endpoint,
		ChunkSize:  d.config.Harvest.ChunkSize,
		RunID:      runID,
		IDStrategy: plan.IDStrategy,
		Commit:     commit,
	})
}

func (d *Driver) logSummary(summary *models.HarvestSummary) {
	for _, r := range summary.Endpoints {
		var event arbor.ILogEvent
		if r.State == models.StateDone {
			event = d.logger.Info()
		} else {
			event = d.logger.Warn().Str("error", r.Error)
		}
		event.
			Str("source", r.Source).
			Str("endpoint", r.Endpoint).
			Str("state", string(r.State)).
			Int("attempts", r.Attempts).
			Int("ads", r.Stats.Ads).
			Int("posted", r.Stats.Posted).
			Int("errors", r.Stats.Errors).
			Int("malformed", r.Stats.Malformed).
			Dur("duration", r.Duration).
			Msg("Endpoint finished")
	}

	d.logger.Info().
		Str("run_id", summary.RunID).
		Str("interface", summary.Sink).
		Int("endpoints", len(summary.Endpoints)).
		Int("failed", summary.Failed).
		Int("ads", summary.Totals.Ads).
		Int("posted", summary.Totals.Posted).
		Int("errors", summary.Totals.Errors).
		Int("malformed", summary.Totals.Malformed).
		Dur("elapsed", summary.Elapsed).
		Msg("Harvest complete")
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
