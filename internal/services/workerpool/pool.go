// Package workerpool runs short analysis tasks on a fixed set of goroutines and
// hands results back through futures that can be awaited with a deadline.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolNotRunning = errors.New("pool not running")
	ErrQueueFull      = errors.New("task queue full, task dropped")
	ErrPoolStopping   = errors.New("pool shutting down")
)

// Pool manages a fixed number of worker goroutines that execute submitted tasks.
type Pool struct {
	workers    int
	taskQueue  chan Task
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
	running    bool
	dropOnFull bool
}

// Task is a unit of work. Execute receives the submitter's context.
type Task struct {
	ID      string
	Ctx     context.Context
	Execute func(ctx context.Context) error
}

// Config defines pool configuration options.
type Config struct {
	Workers    int
	QueueSize  int
	DropOnFull bool
}

// DefaultConfig sizes the pool for four components per in-flight request.
func DefaultConfig() Config {
	return Config{
		Workers:    16,
		QueueSize:  256,
		DropOnFull: true,
	}
}

// New creates a stopped pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    cfg.Workers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		dropOnFull: cfg.DropOnFull,
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pool already running")
	}
	if p.ctx.Err() != nil {
		return ErrPoolStopping
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.running = true
	return nil
}

// Stop cancels pending submissions and waits for running tasks to return.
func (p *Pool) Stop() error {
	p.cancel()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Submit enqueues a task. With DropOnFull the call never blocks.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolNotRunning
	}
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	if p.dropOnFull {
		select {
		case p.taskQueue <- task:
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-task.Ctx.Done():
		return task.Ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopping
	}
}

// IsRunning returns true if the pool is active.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats reports queue occupancy.
func (p *Pool) Stats() Stats {
	return Stats{
		Running:       p.IsRunning(),
		Workers:       p.workers,
		QueueDepth:    len(p.taskQueue),
		QueueCapacity: cap(p.taskQueue),
	}
}

// Stats contains runtime statistics for a pool.
type Stats struct {
	Running       bool `json:"running"`
	Workers       int  `json:"workers"`
	QueueDepth    int  `json:"queue_depth"`
	QueueCapacity int  `json:"queue_capacity"`
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		_ = recover()
	}()
	_ = task.Execute(task.Ctx)
}
