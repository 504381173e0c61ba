package tasks

import (
	"context"
	"log"
	"sync"
)

// Task is a unit of deferred work. Handlers must be idempotent: delivery
// is at-least-once and a failed run is handed back to the pool once.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	retried bool
}

// Dispatcher is a fixed-size worker pool with fire-and-forget submission.
// It stands in for an external task queue: same delivery contract,
// in-process transport.
type Dispatcher struct {
	queue   chan Task
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher starts workers goroutines draining the queue.
func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.queue {
		if err := task.Run(d.ctx); err != nil {
			log.Printf("task %s failed: %v", task.Name, err)
			if !task.retried {
				task.retried = true
				d.Submit(task)
			}
		}
	}
}

// Submit enqueues a task without waiting for it. Submission after Close,
// or against a full queue during shutdown, drops the task with a log
// line; handlers recompute from committed state so a dropped redelivery
// self-corrects on the next trigger.
func (d *Dispatcher) Submit(task Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		log.Printf("task %s dropped: dispatcher closed", task.Name)
		return
	}
	select {
	case d.queue <- task:
	default:
		log.Printf("task %s dropped: queue full", task.Name)
	}
}

// Close stops intake and waits for in-flight tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}
