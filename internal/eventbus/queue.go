package eventbus

import (
	"sync"
	"sync/atomic"
)

// Queue decouples a slow consumer from Publish. Push never blocks: once the
// buffer is full the envelope is dropped and onOverflow fires a single time,
// so the owner can resync (a dashboard reconnects and gets a fresh snapshot).
type Queue struct {
	ch         chan Envelope
	onOverflow func()
	once       sync.Once
	dropped    atomic.Uint64
}

func NewQueue(size int, onOverflow func()) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Envelope, size), onOverflow: onOverflow}
}

// Push enqueues env and reports whether it was accepted.
func (q *Queue) Push(env Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		q.dropped.Add(1)
		if q.onOverflow != nil {
			q.once.Do(q.onOverflow)
		}
		return false
	}
}

// C is the consumer side. It is never closed; consumers stop on their own signal.
func (q *Queue) C() <-chan Envelope {
	return q.ch
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
