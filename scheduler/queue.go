package scheduler

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-brokercore/internal/fifo"
	"github.com/joeycumines/go-brokercore/priority"
)

type task struct {
	fn     Task
	future *Future
}

// taskQueue backs a scheduler. Push may be called concurrently. Pop and
// drain are only called by the executor, and pop only while a pushed task is
// known to be outstanding.
type taskQueue interface {
	check(p int) error
	push(t *task, p int) error
	pop() (*task, bool)
	drain() []*task
	prioritized() bool
}

type fifoQueue struct {
	q *fifo.MPSC[*task]
}

func (x *fifoQueue) check(int) error { return nil }

func (x *fifoQueue) push(t *task, _ int) error {
	x.q.Push(t)
	return nil
}

func (x *fifoQueue) pop() (*task, bool) {
	return x.q.PopWait()
}

func (x *fifoQueue) drain() (tasks []*task) {
	for {
		t, ok := x.q.PopWait()
		if !ok {
			return
		}
		tasks = append(tasks, t)
	}
}

func (x *fifoQueue) prioritized() bool { return false }

type priorityQueue struct {
	q  *priority.Queue[*task]
	mu sync.Mutex
}

func (x *priorityQueue) check(p int) error {
	if p < 0 || p >= x.q.Bands() {
		return fmt.Errorf(`%w: %d not in [0, %d)`, priority.ErrPriorityOutOfRange, p, x.q.Bands())
	}
	return nil
}

func (x *priorityQueue) push(t *task, p int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.q.Push(t, p)
}

func (x *priorityQueue) pop() (*task, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.q.Poll()
}

func (x *priorityQueue) drain() (tasks []*task) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for {
		t, ok := x.q.Poll()
		if !ok {
			return
		}
		tasks = append(tasks, t)
	}
}

func (x *priorityQueue) prioritized() bool { return true }
