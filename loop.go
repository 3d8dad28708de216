// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"container/heap"
	"context"
	"sync"
)

// Task priorities, lower runs first.
const (
	PriorityHigh    = -100
	PriorityDefault = 0
	PriorityLow     = 300
)

// Loop runs posted tasks one at a time, highest priority first and in post
// order within a priority. Every handle attached to a loop has its
// registry, subscriptions and watches mutated only from loop tasks.
type Loop struct {
	mu      sync.Mutex
	queue   taskQueue
	seq     uint64
	stopped bool

	wake chan struct{}
	quit chan struct{}
}

// NewLoop creates a loop. Tasks queue up until Run or Drain is called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and may be called from any goroutine,
// including from inside a running task.
func (l *Loop) Post(priority int, fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.seq++
	heap.Push(&l.queue, &task{priority: priority, seq: l.seq, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Drain runs queued tasks on the calling goroutine until the queue is empty
// and returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.mu.Unlock()
			return n
		}
		t := heap.Pop(&l.queue).(*task)
		l.mu.Unlock()

		t.fn()
		n++
	}
}

// Run dispatches tasks until ctx is done or Quit is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			l.Drain()
			return nil
		case <-l.wake:
		}
	}
}

// Quit stops accepting tasks and makes Run return after draining.
func (l *Loop) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.quit)
}

type task struct {
	priority int
	seq      uint64
	fn       func()
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
