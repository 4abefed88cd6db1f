package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/arbor"
)

// Task is one unit of work. workerID identifies the worker running it.
type Task func(ctx context.Context, workerID int)

// WorkerPool runs submitted tasks on a fixed number of workers
type WorkerPool struct {
	tasks      chan Task
	logger     arbor.ILogger
	numWorkers int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// NewWorkerPool creates a pool bound to ctx. numWorkers below 1 is treated as 1.
func NewWorkerPool(ctx context.Context, logger arbor.ILogger, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		tasks:      make(chan Task),
		logger:     logger,
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the workers
func (wp *WorkerPool) Start() {
	wp.logger.Debug().
		Int("num_workers", wp.numWorkers).
		Msg("Starting worker pool")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit hands a task to the next idle worker, blocking until one accepts it
func (wp *WorkerPool) Submit(task Task) error {
	select {
	case wp.tasks <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool stopped: %w", wp.ctx.Err())
	}
}

// Wait stops accepting tasks and blocks until every submitted task finished.
// Submit must not be called after Wait.
func (wp *WorkerPool) Wait() {
	wp.closeOnce.Do(func() { close(wp.tasks) })
	wp.wg.Wait()
	wp.cancel()
}

// Stop cancels running tasks and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
}

// worker is the main worker loop
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			wp.run(workerID, task)
		}
	}
}

// run executes one task; a panic is logged and the worker keeps serving
func (wp *WorkerPool) run(workerID int, task Task) {
	_ = common.RunSafe(wp.logger, fmt.Sprintf("worker-%d", workerID), func() error {
		task(wp.ctx, workerID)
		return nil
	})
}
