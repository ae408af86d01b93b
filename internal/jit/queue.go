package jit

import (
	"sync"

	"rvsim/internal/rv64"
)

// taskQueue is a bounded-growth FIFO of pending compile tasks, guarded by a
// mutex and a condition variable, with a sticky closed flag. Grounded on
// original_source/compiler/CompilerWorker.cpp's addTask/getTask/close: the
// producer (the simulation thread, inside Worker.DecrementHotness) never
// blocks; only the consumer (the worker goroutine) waits.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*rv64.BasicBlock
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// add enqueues block and wakes one waiter if the queue was empty. A push
// after close is a silent no-op: teardown has already committed to
// discarding further work.
func (q *taskQueue) add(block *rv64.BasicBlock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, block)
	if wasEmpty {
		q.cond.Signal()
	}
}

// get waits while the queue is empty and open, then returns the front task.
// Returns ok=false once the queue is closed and drained.
func (q *taskQueue) get() (*rv64.BasicBlock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	block := q.items[0]
	q.items = q.items[1:]
	return block, true
}

// close marks the queue closed and wakes one waiter; any task still
// queued is discarded without being compiled (spec §5 "Cancellation").
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Signal()
}
