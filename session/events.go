package session

import (
	"sync"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/puzpuzpuz/xsync/v3"
)

// eventQueue is the bounded, single-consumer event channel of a session.
// Pushes are serialized by the session decode lock.
type eventQueue struct {
	ch     chan bluetooth.Event
	policy config.OverflowPolicy

	stop    chan struct{}
	stopped sync.Once
	closed  bool

	dropped *xsync.Counter
}

func newEventQueue(size int, policy config.OverflowPolicy) *eventQueue {
	if size < 1 {
		size = 1
	}

	return &eventQueue{
		ch:      make(chan bluetooth.Event, size),
		policy:  policy,
		stop:    make(chan struct{}),
		dropped: xsync.NewCounter(),
	}
}

func (q *eventQueue) push(ev bluetooth.Event) {
	if q.closed {
		return
	}

	if q.policy == config.OverflowBlock {
		select {
		case q.ch <- ev:
		case <-q.stop:
		}

		return
	}

	for {
		select {
		case q.ch <- ev:
			return
		default:
		}

		// Channel full, drop the oldest.
		select {
		case <-q.ch:
			q.dropped.Inc()
		default:
		}
	}
}

// unblock releases a producer blocked on a full channel.
func (q *eventQueue) unblock() {
	q.stopped.Do(func() { close(q.stop) })
}

// close must be called with the decode lock held, after unblock.
func (q *eventQueue) close() {
	if q.closed {
		return
	}

	q.closed = true
	close(q.ch)
}
