package worker

import (
	"context"
	"sync"
)

// Task represents a unit of work for the worker pool.
type Task interface {
	Process() error
}

// WorkerPool runs submitted tasks on a fixed set of worker
// goroutines. Tasks are attempted exactly once; retry policy belongs
// to the task itself. With a single worker the pool executes tasks
// strictly in submission order, which the refresh scheduler relies on
// to stagger overdue refreshes instead of firing them in a burst.
type WorkerPool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	workers  int
	tasks    chan Task
	queueCap int
}

// PoolStats holds monitoring information about the worker pool.
type PoolStats struct {
	Workers     int
	QueueLength int
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	queueCap := 64
	return &WorkerPool{
		ctx:      ctx,
		cancel:   cancel,
		workers:  workers,
		tasks:    make(chan Task, queueCap),
		queueCap: queueCap,
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop signals all workers to exit and waits for them to finish.
func (p *WorkerPool) Stop() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}

// Submit adds a task to the queue, returns false if the queue is full.
func (p *WorkerPool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false // backpressure: queue is full
	}
}

// workerLoop is the main loop for each worker goroutine.
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			// Errors are the task's concern; the pool does not retry.
			_ = task.Process()
		}
	}
}

// Workers returns the number of worker goroutines.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		QueueLength: len(p.tasks),
	}
}
