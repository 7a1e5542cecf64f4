// Package task implements the deferred-task set the node loop drains.
//
// Any goroutine may post a task. Only the loop goroutine dispatches, one
// task per pass, lowest id first.
package task

import (
	"fmt"
	"sync/atomic"
)

// ID identifies a deferred task. Lower ids run first.
type ID uint8

const (
	Render ID = iota
	Process

	count
)

func (id ID) String() string {
	switch id {
	case Render:
		return "render"
	case Process:
		return "process"
	default:
		return fmt.Sprintf("task(%d)", uint8(id))
	}
}

// Queue is a bitmask of pending task ids plus a wake-up signal for the loop.
type Queue struct {
	pending atomic.Uint32
	ready   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Post marks id pending and signals the loop. Safe from any goroutine.
// Posting an id that is already pending is a no-op beyond the signal.
func (q *Queue) Post(id ID) {
	if id >= count {
		return
	}
	bit := uint32(1) << id
	for {
		old := q.pending.Load()
		if q.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	q.signal()
}

// Ready is signalled whenever work may be pending.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Pending reports whether id is set.
func (q *Queue) Pending(id ID) bool {
	return q.pending.Load()&(uint32(1)<<id) != 0
}

// Empty reports whether no task is pending.
func (q *Queue) Empty() bool {
	return q.pending.Load() == 0
}

// Dispatch clears the lowest pending id and runs it. If ids remain after
// the handler returns the loop is signalled again. Reports whether a task
// ran.
func (q *Queue) Dispatch(run func(ID)) bool {
	var id ID
	for {
		old := q.pending.Load()
		if old == 0 {
			return false
		}
		id = lowest(old)
		if q.pending.CompareAndSwap(old, old&^(uint32(1)<<id)) {
			break
		}
	}

	run(id)

	if q.pending.Load() != 0 {
		q.signal()
	}
	return true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func lowest(set uint32) ID {
	for id := ID(0); id < count; id++ {
		if set&(uint32(1)<<id) != 0 {
			return id
		}
	}
	return count
}
