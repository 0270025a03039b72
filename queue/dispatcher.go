// Package queue implements the per-device command queue: actions grouped
// into transactions, executed one at a time in submission order by a single
// worker that owns the link.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// State describes the dispatcher lifecycle.
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateDraining:
		return "draining"
	}

	return "stopped"
}

const (
	DefaultActionTimeout = 5 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// Stats holds dispatcher counters.
type Stats struct {
	Executed int64
	Failed   int64
	Flushed  int64
}

// Option configures a Dispatcher.
type Option func(d *Dispatcher)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithActionTimeout sets the timeout of actions that do not carry their own.
func WithActionTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.actionTimeout = timeout
	}
}

// WithDrainTimeout sets how long Stop waits for the in-flight transaction
// before abandoning it.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.drainTimeout = timeout
	}
}

// Dispatcher executes transactions against a link in strict FIFO order.
// Enqueue is safe for concurrent use; only the worker touches the link.
type Dispatcher struct {
	link bluetooth.Link
	down atomic.Bool

	log           *zap.Logger
	actionTimeout time.Duration
	drainTimeout  time.Duration

	mu             sync.Mutex
	state          State
	pending        []*Transaction
	inflight       *Transaction
	cancelInflight context.CancelCauseFunc
	failure        error
	started        bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}
	exited chan struct{}

	executed *xsync.Counter
	failed   *xsync.Counter
	flushed  *xsync.Counter
}

// New returns a new dispatcher for the link. The worker is started by Start.
func New(link bluetooth.Link, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:           zap.NewNop(),
		actionTimeout: DefaultActionTimeout,
		drainTimeout:  DefaultDrainTimeout,
		wake:          make(chan struct{}, 1),
		exited:        make(chan struct{}),
		executed:      xsync.NewCounter(),
		failed:        xsync.NewCounter(),
		flushed:       xsync.NewCounter(),
	}
	d.link = &guardedLink{link: link, down: &d.down}
	d.ctx, d.cancel = context.WithCancelCause(context.Background())

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the worker. It has no effect after the first call.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.state == StateStopped {
		return
	}

	d.started = true
	go d.run()
}

// State returns the current dispatcher state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Len returns the number of queued transactions, excluding the in-flight one.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Executed: d.executed.Value(),
		Failed:   d.failed.Value(),
		Flushed:  d.flushed.Value(),
	}
}

// Enqueue appends a transaction to the tail of the queue. It never blocks on
// the link. Once the dispatcher is draining or stopped the transaction is
// resolved with errorkinds.ErrQueueClosed, which is also returned.
func (d *Dispatcher) Enqueue(tx *Transaction) error {
	tx.seal()

	d.mu.Lock()
	if d.state >= StateDraining {
		d.mu.Unlock()
		return d.reject(tx)
	}

	d.pending = append(d.pending, tx)
	if d.state == StateIdle {
		d.state = StateExecuting
	}
	d.mu.Unlock()

	d.signal()

	return nil
}

// Abort queues a compensating transaction ahead of every ordinary queued
// transaction, behind earlier compensating ones. If the in-flight
// transaction is abortable it is cancelled. Abort is accepted while the
// dispatcher drains, so the compensation is attempted during teardown.
func (d *Dispatcher) Abort(tx *Transaction) error {
	tx.compensating = true
	tx.seal()

	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return d.reject(tx)
	}

	pos := 0
	for pos < len(d.pending) && d.pending[pos].compensating {
		pos++
	}
	d.pending = append(d.pending, nil)
	copy(d.pending[pos+1:], d.pending[pos:])
	d.pending[pos] = tx

	if d.inflight != nil && d.inflight.abortable && !d.inflight.compensating {
		d.cancelInflight(errorkinds.ErrActionAborted)
	}
	if d.state == StateIdle {
		d.state = StateExecuting
	}
	d.mu.Unlock()

	d.signal()

	return nil
}

// Stop stops accepting transactions and resolves every queued ordinary
// transaction with errorkinds.ErrQueueClosed. The in-flight transaction and
// queued compensating transactions are allowed to finish until the drain
// timeout or ctx ends, after which they are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}

	d.state = StateDraining
	flushed := d.takePending(func(tx *Transaction) bool { return !tx.compensating })
	started := d.started
	if !started {
		flushed = append(flushed, d.takePending(nil)...)
		d.state = StateStopped
	}
	d.mu.Unlock()

	d.flush(flushed, errorkinds.ErrQueueClosed)
	if !started {
		d.cancel(errorkinds.ErrQueueClosed)
		return nil
	}

	d.signal()

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()

	select {
	case <-d.exited:
		d.cancel(errorkinds.ErrQueueClosed)
		return nil

	case <-timer.C:
	case <-ctx.Done():
	}

	d.abandon(errorkinds.ErrQueueClosed)
	d.log.Warn("abandoned in-flight transaction after drain timeout",
		zap.Duration("drain_timeout", d.drainTimeout),
	)

	return fault.Wrap(errorkinds.ErrActionTimeout,
		ftag.With(ftag.Internal),
		fmsg.With("Dispatcher did not drain in time"),
	)
}

// Fail tears the dispatcher down after a link failure: the in-flight
// transaction is cancelled with err, every queued transaction is resolved
// with err, and no further action reaches the link.
func (d *Dispatcher) Fail(err error) {
	if err == nil {
		err = errorkinds.ErrDisconnected
	}

	d.mu.Lock()
	if d.failure != nil {
		d.mu.Unlock()
		return
	}

	d.failure = err
	d.state = StateStopped
	d.down.Store(true)
	flushed := d.takePending(nil)
	d.mu.Unlock()

	d.cancel(err)
	d.flush(flushed, err)
	d.signal()

	d.log.Warn("dispatcher failed", zap.Error(err), zap.Int("flushed", len(flushed)))
}

// Err returns the link failure passed to Fail, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failure
}

// Done is closed once the worker has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.exited
}

func (d *Dispatcher) run() {
	defer close(d.exited)

	for {
		tx, ctx, ok := d.next()
		if !ok {
			return
		}

		d.execute(ctx, tx)
	}
}

func (d *Dispatcher) next() (*Transaction, context.Context, bool) {
	for {
		d.mu.Lock()
		if d.state == StateStopped {
			d.mu.Unlock()
			return nil, nil, false
		}

		if len(d.pending) > 0 {
			tx := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]

			ctx, cancel := context.WithCancelCause(d.ctx)
			d.inflight = tx
			d.cancelInflight = cancel
			d.mu.Unlock()

			return tx, ctx, true
		}

		if d.state == StateDraining {
			d.state = StateStopped
			d.mu.Unlock()

			return nil, nil, false
		}

		d.state = StateIdle
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.ctx.Done():
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, tx *Transaction) {
	outcome := tx.execute(ctx, d.link, d.actionTimeout)

	d.mu.Lock()
	d.cancelInflight(nil)
	d.inflight = nil
	d.cancelInflight = nil
	d.mu.Unlock()

	if !tx.resolve(outcome) {
		return
	}

	d.executed.Inc()
	if outcome.Err == nil {
		d.log.Debug("transaction complete",
			zap.String("name", tx.name),
			zap.Stringer("id", tx.id),
			zap.Duration("duration", outcome.Finished.Sub(outcome.Started)),
		)

		return
	}

	d.failed.Inc()
	d.log.Warn("transaction failed",
		zap.String("name", tx.name),
		zap.Stringer("id", tx.id),
		zap.Error(outcome.Err),
		zap.Objects("actions", outcome.Results),
	)

	if errors.Is(outcome.Err, errorkinds.ErrDisconnected) {
		d.Fail(errorkinds.ErrDisconnected)
	}
}

// abandon stops the worker without waiting for the in-flight transaction.
func (d *Dispatcher) abandon(cause error) {
	d.mu.Lock()
	d.state = StateStopped
	inflight := d.inflight
	flushed := d.takePending(nil)
	d.mu.Unlock()

	d.down.Store(true)
	d.cancel(cause)

	if inflight != nil {
		flushed = append(flushed, inflight)
	}
	d.flush(flushed, cause)
}

func (d *Dispatcher) takePending(match func(tx *Transaction) bool) []*Transaction {
	var taken, kept []*Transaction
	for _, tx := range d.pending {
		if match == nil || match(tx) {
			taken = append(taken, tx)
		} else {
			kept = append(kept, tx)
		}
	}
	d.pending = kept

	return taken
}

func (d *Dispatcher) flush(txs []*Transaction, err error) {
	for _, tx := range txs {
		if tx.resolve(Outcome{Err: wrapQueueError(err, tx)}) {
			d.flushed.Inc()
		}
	}
}

func (d *Dispatcher) reject(tx *Transaction) error {
	err := wrapQueueError(errorkinds.ErrQueueClosed, tx)
	if tx.resolve(Outcome{Err: err}) {
		d.flushed.Inc()
	}

	return err
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func wrapQueueError(err error, tx *Transaction) error {
	return fault.Wrap(err,
		ftag.With(ftag.Cancelled),
		fmsg.With("Transaction "+tx.name+" was not executed"),
	)
}

// guardedLink refuses every operation once the link is marked down.
type guardedLink struct {
	link bluetooth.Link
	down *atomic.Bool
}

func (g *guardedLink) WriteFrame(ctx context.Context, ep bluetooth.Endpoint, data []byte, withResponse bool) error {
	if g.down.Load() {
		return errorkinds.ErrDisconnected
	}

	return g.link.WriteFrame(ctx, ep, data, withResponse)
}

func (g *guardedLink) ReadFrame(ctx context.Context, ep bluetooth.Endpoint) ([]byte, error) {
	if g.down.Load() {
		return nil, errorkinds.ErrDisconnected
	}

	return g.link.ReadFrame(ctx, ep)
}

func (g *guardedLink) SetNotify(ctx context.Context, ep bluetooth.Endpoint, enable bool) error {
	if g.down.Load() {
		return errorkinds.ErrDisconnected
	}

	return g.link.SetNotify(ctx, ep, enable)
}
