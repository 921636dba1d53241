package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"themis/util/goroutine"
)

var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// WorkerPool runs submitted tasks on a fixed set of goroutines. Used for
// side work that must not block a pipeline stage, such as audit writes.
type WorkerPool struct {
	workers int
	taskCh  chan func()
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
	name    string
}

// NewWorkerPool creates a worker pool. Workers do not start until Start
// is called; cancelling parentCtx stops them.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, name string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers: workers,
		taskCh:  make(chan func(), queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		name:    name,
	}
}

// Start begins processing tasks. Calling Start on a running pool is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool", wp.name, "workers", wp.workers)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains queued tasks and waits for workers to exit, bounded by a
// 30 second deadline after which leaked workers are reported and abandoned.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}
	wp.running = false
	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool", wp.name)
	case <-time.After(30 * time.Second):
		wp.cancel()
		wp.logger.Errorw("Worker pool shutdown timed out",
			"pool", wp.name,
			"workers", wp.workers)
	}
}

// Submit enqueues a task without blocking. A full queue is an error so
// callers can decide whether to drop or fall back to inline execution.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool-"+wp.name, wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Errorw("Task panicked in worker",
							"pool", wp.name,
							"worker_id", id,
							"panic", r)
					}
				}()
				task()
			}()
		}
	}
}
