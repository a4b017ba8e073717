// Package worker runs background jobs off the caller's control path.
package worker

import (
	"context"
	"errors"
	"sync"

	"otaupdater/internal/logging"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker queue stopped")

// Job is a unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue executes jobs on a fixed set of goroutines. With a single worker,
// jobs run strictly in submission order, which is what durable writes need.
type Queue struct {
	name       string
	jobQueue   chan Job
	workerWg   sync.WaitGroup
	pending    sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// New creates a queue with the given buffer size.
func New(name string, buffer int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:       name,
		jobQueue:   make(chan Job, buffer),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start begins processing jobs with the specified number of workers
func (q *Queue) Start(numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		q.workerWg.Add(1)
		go q.worker(i)
	}
}

// Submit enqueues a job, blocking while the buffer is full. Jobs are never
// dropped once accepted.
func (q *Queue) Submit(name string, run func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}

	q.pending.Add(1)
	select {
	case q.jobQueue <- Job{Name: name, Run: run}:
		return nil
	case <-q.ctx.Done():
		q.pending.Done()
		return ErrStopped
	}
}

// Flush waits until every job submitted so far has finished.
func (q *Queue) Flush() {
	q.pending.Wait()
}

// Stop drains the queue and waits for the workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobQueue)
	q.mu.Unlock()

	q.workerWg.Wait()
	q.cancelFunc()
}

func (q *Queue) worker(id int) {
	defer q.workerWg.Done()
	logging.Debug("%s worker %d started", q.name, id)

	for job := range q.jobQueue {
		q.process(job)
	}
	logging.Debug("%s worker %d stopping", q.name, id)
}

func (q *Queue) process(job Job) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("%s job %s panicked: %v", q.name, job.Name, r)
		}
	}()

	if err := job.Run(q.ctx); err != nil {
		logging.Error("%s job %s failed: %v", q.name, job.Name, err)
	}
}
