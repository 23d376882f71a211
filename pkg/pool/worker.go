package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func(ctx context.Context) error

// WorkerPool runs submitted tasks on a fixed number of workers. Task errors are
// counted, not collected: tasks report their own outcome.
type WorkerPool struct {
	workers     int
	tasks       chan Task
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	activeCount atomic.Int32
	totalTasks  atomic.Int64
	failedTasks atomic.Int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(ctx context.Context, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		workers: workers,
		tasks:   make(chan Task, workers*2),
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}

			wp.activeCount.Add(1)
			wp.totalTasks.Add(1)

			if err := task(wp.ctx); err != nil {
				wp.failedTasks.Add(1)
			}

			wp.activeCount.Add(-1)

		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit queues a task, blocking while the queue is full. It returns false
// once the pool has been shut down.
func (wp *WorkerPool) Submit(task Task) bool {
	if wp.ctx.Err() != nil {
		return false
	}
	select {
	case wp.tasks <- task:
		return true
	case <-wp.ctx.Done():
		return false
	}
}

// Wait stops accepting tasks, waits for queued ones to finish and returns the final stats
func (wp *WorkerPool) Wait() Stats {
	close(wp.tasks)
	wp.wg.Wait()
	wp.cancel()
	return wp.Stats()
}

// Shutdown cancels all workers immediately; queued tasks are dropped
func (wp *WorkerPool) Shutdown() {
	wp.cancel()
	wp.wg.Wait()
}

// Stats contains worker pool statistics
type Stats struct {
	TotalWorkers  int
	ActiveWorkers int32
	TotalTasks    int64
	FailedTasks   int64
	SuccessRate   float64
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() Stats {
	total := wp.totalTasks.Load()
	failed := wp.failedTasks.Load()

	successRate := 0.0
	if total > 0 {
		successRate = float64(total-failed) / float64(total) * 100
	}

	return Stats{
		TotalWorkers:  wp.workers,
		ActiveWorkers: wp.activeCount.Load(),
		TotalTasks:    total,
		FailedTasks:   failed,
		SuccessRate:   successRate,
	}
}
