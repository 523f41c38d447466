package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts task invocations run by a WorkerPool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a task is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many claimed tasks a dispatcher executes at once and
// remembers which ones are in flight. The dispatcher claims at most
// Available() tasks per tick, so Submit rarely waits for a slot.
type WorkerPool struct {
	slots   chan struct{}
	stop    chan struct{}
	onPanic func(taskID int64, v any)

	mu      sync.Mutex
	closed  bool
	running map[int64]struct{}
	wg      sync.WaitGroup

	completed atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with size slots.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		stop:    make(chan struct{}),
		running: make(map[int64]struct{}),
	}
}

// OnPanic sets the hook called when an invocation panics. Set it before the
// first Submit.
func (p *WorkerPool) OnPanic(fn func(taskID int64, v any)) { p.onPanic = fn }

// Submit executes run for taskID on a free slot, blocking while the pool is
// full. It fails with ctx.Err() if ctx ends first and with ErrPoolShutdown
// once Shutdown started. A task already in flight is rejected.
func (p *WorkerPool) Submit(ctx context.Context, taskID int64, run func(ctx context.Context)) error {
	select {
	case <-p.stop:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	case p.inFlight(taskID):
		p.mu.Unlock()
		<-p.slots
		return fmt.Errorf("task %d is already running on this worker", taskID)
	}
	p.running[taskID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.execute(ctx, taskID, run)
	return nil
}

func (p *WorkerPool) execute(ctx context.Context, taskID int64, run func(ctx context.Context)) {
	defer func() {
		if v := recover(); v != nil {
			p.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(taskID, v)
			}
		} else {
			p.completed.Add(1)
		}
		p.mu.Lock()
		delete(p.running, taskID)
		p.mu.Unlock()
		<-p.slots
		p.wg.Done()
	}()
	run(ctx)
}

func (p *WorkerPool) inFlight(taskID int64) bool {
	_, ok := p.running[taskID]
	return ok
}

// Running returns the ids of the tasks in flight, ascending.
func (p *WorkerPool) Running() []int64 {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Wait blocks until every submitted invocation returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work and waits for running invocations.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Available returns the number of free slots.
func (p *WorkerPool) Available() int { return cap(p.slots) - len(p.slots) }

// Size returns the number of slots.
func (p *WorkerPool) Size() int { return cap(p.slots) }

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	active := int64(len(p.running))
	p.mu.Unlock()
	return PoolMetrics{Active: active, Completed: p.completed.Load(), Panics: p.panics.Load()}
}
