package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

var (
	ErrPoolStopped = errors.New("worker pool is shutting down")
	ErrPoolBusy    = errors.New("worker pool is busy")
)

// WorkerPool runs tool calls received over websocket connections on a
// bounded number of goroutines.
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func(ctx context.Context)
	wg         sync.WaitGroup
	logger     *utils.LogsManager
	stopOnce   sync.Once
}

func NewWorkerPool(ctx context.Context, numWorkers int, queueSize int, logger *utils.LogsManager) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize < numWorkers {
		queueSize = numWorkers
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(ctx context.Context), queueSize),
		logger:     logger,
	}
}

func (wp *WorkerPool) Start() {
	wp.logger.Info(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.workerChan:
			wp.run(id, task)
		case <-wp.ctx.Done():
			wp.logger.Debug(fmt.Sprintf("Worker %d stopping (context done)", id), "workers")
			return
		}
	}
}

// run isolates a panicking task so the worker survives it.
func (wp *WorkerPool) run(id int, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), "workers")
		}
	}()
	task(wp.ctx)
}

// Submit blocks until the task is queued or the pool stops.
func (wp *WorkerPool) Submit(task func(ctx context.Context)) error {
	select {
	case <-wp.ctx.Done():
		return ErrPoolStopped
	default:
	}
	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// TrySubmit queues the task only if there is room.
func (wp *WorkerPool) TrySubmit(task func(ctx context.Context)) error {
	select {
	case <-wp.ctx.Done():
		return ErrPoolStopped
	default:
	}
	select {
	case wp.workerChan <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Stop cancels the pool context and waits for running tasks to return.
// Queued tasks that have not started are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Info("Stopping worker pool", "workers")
		wp.cancel()
		wp.wg.Wait()
		wp.logger.Info("Worker pool stopped", "workers")
	})
}

func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
