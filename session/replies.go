package session

import (
	"context"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
)

// replyWaiter waits for the inbound event that answers a request.
type replyWaiter struct {
	kind  bluetooth.EventKind
	reply chan bluetooth.Event
}

// replies couples transactions to inbound reply events. Waiters are armed by
// the queue worker at the start of a transaction, so events that arrived
// before the request was written never satisfy it.
type replies struct {
	waiters *xsync.MapOf[int64, replyWaiter]
	counter *xsync.Counter
}

func newReplies() *replies {
	return &replies{
		waiters: xsync.NewMapOf[int64, replyWaiter](),
		counter: xsync.NewCounter(),
	}
}

// arm registers a waiter for kind. Only one transaction executes at a time,
// so any waiter still present belongs to a finished transaction.
func (r *replies) arm(kind bluetooth.EventKind) int64 {
	r.waiters.Clear()

	r.counter.Inc()
	id := r.counter.Value()
	r.waiters.Store(id, replyWaiter{kind: kind, reply: make(chan bluetooth.Event, 1)})

	return id
}

// wait blocks until the armed waiter is satisfied or ctx ends.
func (r *replies) wait(ctx context.Context, id int64) error {
	w, ok := r.waiters.Load(id)
	if !ok {
		return errorkinds.ErrMethodCall
	}
	defer r.waiters.Delete(id)

	select {
	case ev := <-w.reply:
		if ev.Kind != bluetooth.EventError {
			return nil
		}

		msg := "Device rejected the request"
		if derr, ok := ev.Data.(bluetooth.DeviceError); ok && derr.Message != "" {
			msg += ": " + derr.Message
		}

		return fault.Wrap(errorkinds.ErrActionRejected,
			ftag.With(ftag.InvalidArgument),
			fmsg.With(msg),
		)

	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// satisfy hands ev to the oldest waiter expecting its kind. Device errors
// answer any waiter.
func (r *replies) satisfy(ev bluetooth.Event) bool {
	var (
		match  replyWaiter
		oldest int64 = -1
	)

	r.waiters.Range(func(id int64, w replyWaiter) bool {
		if w.kind != ev.Kind && ev.Kind != bluetooth.EventError {
			return true
		}
		if oldest < 0 || id < oldest {
			oldest, match = id, w
		}

		return true
	})

	if oldest < 0 {
		return false
	}

	select {
	case match.reply <- ev:
		return true
	default:
		return false
	}
}

func (r *replies) clear() {
	r.waiters.Clear()
}
