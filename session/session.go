// Package session implements the per-device I/O session: it owns the
// transport of one connected device, turns commands into queued
// transactions and decodes inbound frames into events.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/api/eventbus"
	"github.com/bluetuith-org/api-devices/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// StateHook is called on every connection state change.
type StateHook func(identity bluetooth.DeviceIdentity, state bluetooth.ConnectionState)

// Stats holds session counters.
type Stats struct {
	Queue         queue.Stats
	DroppedEvents int64
	DecodeErrors  int64
}

// Option configures a Session.
type Option func(s *Session)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBus publishes every decoded event to the bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(s *Session) {
		s.bus = bus
	}
}

// WithFeatures restricts the session to commands whose feature is supported.
func WithFeatures(features appfeatures.FeatureSet) Option {
	return func(s *Session) {
		s.features = &features
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(size int) Option {
	return func(s *Session) {
		s.eventBuffer = size
	}
}

// WithOverflow sets what happens when the event channel is full.
func WithOverflow(policy config.OverflowPolicy) Option {
	return func(s *Session) {
		s.overflow = policy
	}
}

// WithConnectTimeout bounds the time taken to open the transport.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.connectTimeout = timeout
	}
}

// WithActionTimeout sets the timeout of actions that do not carry their own.
func WithActionTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.actionTimeout = timeout
	}
}

// WithDrainTimeout sets how long Disconnect waits for the in-flight command.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.drainTimeout = timeout
	}
}

// WithStateHook sets a callback run on every connection state change.
func WithStateHook(hook StateHook) Option {
	return func(s *Session) {
		s.stateHook = hook
	}
}

// WithConfig applies the queue and session sections of cfg.
func WithConfig(cfg config.Configuration) Option {
	return func(s *Session) {
		s.actionTimeout = cfg.Queue.ActionTimeout
		s.drainTimeout = cfg.Queue.DrainTimeout
		s.connectTimeout = cfg.Session.ConnectTimeout
		s.eventBuffer = cfg.Session.EventBuffer
		s.overflow = cfg.Session.Overflow
	}
}

// Session is the I/O session of one connected device. A session is used for
// a single connection; reconnecting requires a new session.
type Session struct {
	identity  bluetooth.DeviceIdentity
	transport bluetooth.Transport
	codec     bluetooth.Codec
	features  *appfeatures.FeatureSet

	dispatcher *queue.Dispatcher
	replies    *replies
	events     *eventQueue
	bus        *eventbus.Bus

	log       *zap.Logger
	stateHook StateHook

	eventBuffer    int
	overflow       config.OverflowPolicy
	connectTimeout time.Duration
	actionTimeout  time.Duration
	drainTimeout   time.Duration

	state        atomic.Int32
	used         bool
	started      atomic.Bool
	closed       chan struct{}
	teardown     sync.Once
	decodeErrors *xsync.Counter

	// decodeMu serializes codec decoding and event delivery between the
	// transport callback and reads executed by the queue worker.
	decodeMu sync.Mutex
	mu       sync.Mutex
}

var _ bluetooth.Session = (*Session)(nil)

// New returns a new session for the device. The transport is owned by the
// session from the moment Connect is called.
func New(identity bluetooth.DeviceIdentity, transport bluetooth.Transport, codec bluetooth.Codec, opts ...Option) *Session {
	s := &Session{
		identity:       identity,
		transport:      transport,
		codec:          codec,
		replies:        newReplies(),
		log:            zap.NewNop(),
		eventBuffer:    config.DefaultEventBuffer,
		overflow:       config.OverflowDropOldest,
		connectTimeout: config.DefaultConnectTimeout,
		actionTimeout:  config.DefaultActionTimeout,
		drainTimeout:   config.DefaultDrainTimeout,
		closed:         make(chan struct{}),
		decodeErrors:   xsync.NewCounter(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(zap.String("device", identity.Key()))
	s.events = newEventQueue(s.eventBuffer, s.overflow)
	s.dispatcher = queue.New(transport,
		queue.WithLogger(s.log),
		queue.WithActionTimeout(s.actionTimeout),
		queue.WithDrainTimeout(s.drainTimeout),
	)

	return s
}

// Connect opens the transport and starts the command queue.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used {
		return fault.Wrap(errorkinds.ErrAlreadyOpen,
			fctx.With(fctx.WithMeta(ctx, "device", s.identity.Key())),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Session was already used, create a new one to reconnect"),
		)
	}
	s.used = true

	s.setState(bluetooth.StateConnecting)
	s.transport.OnInboundFrame(s.onReceive)

	octx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	if err := s.transport.Open(octx); err != nil {
		s.shutdown(errorkinds.ErrTransportError, bluetooth.StateFailed)

		return fault.Wrap(errors.Join(errorkinds.ErrTransportError, err),
			fctx.With(fctx.WithMeta(ctx, "device", s.identity.Key())),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot open transport"),
		)
	}

	s.dispatcher.Start()
	if err := s.initialize(); err != nil {
		s.shutdown(err, bluetooth.StateFailed)
		return err
	}

	s.started.Store(true)
	s.setState(bluetooth.StateConnected)
	s.log.Info("session connected")

	go s.watch()

	return nil
}

// Disconnect stops the command queue, closes the transport and closes the
// event channel. Commands still queued fail with errorkinds.ErrQueueClosed.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case bluetooth.StateDisconnected, bluetooth.StateFailed:
		if s.used {
			return nil
		}
	}
	s.used = true

	s.setState(bluetooth.StateDisconnecting)
	err := s.dispatcher.Stop(ctx)
	s.shutdown(errorkinds.ErrQueueClosed, bluetooth.StateDisconnected)
	s.setState(bluetooth.StateDisconnected)
	s.log.Info("session disconnected")

	if err != nil {
		return fault.Wrap(err,
			fctx.With(fctx.WithMeta(ctx, "device", s.identity.Key())),
			ftag.With(ftag.Internal),
			fmsg.With("Queue did not drain before disconnect"),
		)
	}

	return nil
}

// Send encodes cmd and queues it behind every earlier command. Commands sent
// before Connect returns are rejected with errorkinds.ErrMethodCall.
func (s *Session) Send(cmd bluetooth.Command) (bluetooth.Pending, error) {
	tx, err := s.transaction(cmd, false)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Enqueue(tx); err != nil {
		return tx, err
	}

	return tx, nil
}

// SendAbort encodes a compensating command and queues it ahead of every
// ordinary command, cancelling the in-flight command if it is abortable.
func (s *Session) SendAbort(cmd bluetooth.Command) (bluetooth.Pending, error) {
	tx, err := s.transaction(cmd, true)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Abort(tx); err != nil {
		return tx, err
	}

	return tx, nil
}

// Events returns the ordered stream of decoded events. It is closed once the
// session ends.
func (s *Session) Events() <-chan bluetooth.Event {
	return s.events.ch
}

// Identity returns the identity of the device.
func (s *Session) Identity() bluetooth.DeviceIdentity {
	return s.identity
}

// State returns the current connection state.
func (s *Session) State() bluetooth.ConnectionState {
	return bluetooth.ConnectionState(s.state.Load())
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Queue:         s.dispatcher.Stats(),
		DroppedEvents: s.events.dropped.Value(),
		DecodeErrors:  s.decodeErrors.Value(),
	}
}

func (s *Session) transaction(cmd bluetooth.Command, abort bool) (*queue.Transaction, error) {
	if !s.started.Load() {
		return nil, fault.Wrap(errorkinds.ErrMethodCall,
			fctx.With(fctx.WithMeta(context.Background(), "command", cmd.Kind.String())),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Session is not connected"),
		)
	}

	if feature := cmd.Kind.Feature(); feature != appfeatures.FeatureNone && s.features != nil && !s.features.Has(feature) {
		return nil, fault.Wrap(appfeatures.NewError(feature, errorkinds.ErrNotSupported),
			fctx.With(fctx.WithMeta(context.Background(), "command", cmd.Kind.String())),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Device does not support "+feature.String()),
		)
	}

	req, err := s.codec.Encode(cmd)
	if err != nil {
		if !errors.Is(err, errorkinds.ErrEncode) {
			err = errors.Join(errorkinds.ErrEncode, err)
		}

		return nil, fault.Wrap(err,
			fctx.With(fctx.WithMeta(context.Background(), "command", cmd.Kind.String())),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Cannot encode command"),
		)
	}

	return s.build(cmd.Kind.String(), req, abort)
}

// build maps an encoded request onto queue actions.
func (s *Session) build(name string, req bluetooth.Request, abort bool) (*queue.Transaction, error) {
	tx := queue.NewTransaction(name)
	if req.ContinueOnError {
		tx.ContinueOnError()
	}
	if req.Abortable {
		tx.Abortable()
	}

	var replyID int64
	if req.Reply != bluetooth.EventNone {
		tx.ExpectResponse()
		tx.Add(queue.Await(func(context.Context) error {
			replyID = s.replies.arm(req.Reply)
			return nil
		}))
	}

	for _, frame := range req.Frames {
		var action *queue.Action

		switch frame.Kind {
		case bluetooth.FrameWrite:
			if abort {
				action = queue.Abort(frame.Endpoint, frame.Data, frame.WithResponse)
			} else {
				action = queue.Write(frame.Endpoint, frame.Data, frame.WithResponse)
			}

		case bluetooth.FrameRead:
			action = queue.Read(frame.Endpoint, s.readSink(frame.Endpoint))

		case bluetooth.FrameSubscribe, bluetooth.FrameUnsubscribe:
			action = queue.Notify(frame.Endpoint, frame.Kind == bluetooth.FrameSubscribe)

		case bluetooth.FrameDelay:
			action = queue.Wait(frame.Delay)

		default:
			return nil, fault.Wrap(errorkinds.ErrEncode,
				fctx.With(fctx.WithMeta(context.Background(), "command", name)),
				ftag.With(ftag.Internal),
				fmsg.With("Codec produced an unknown frame kind "+frame.Kind.String()),
			)
		}

		if frame.Timeout > 0 {
			action.WithTimeout(frame.Timeout)
		}
		tx.Add(action)
	}

	if req.Reply != bluetooth.EventNone {
		tx.Add(queue.Await(func(ctx context.Context) error {
			return s.replies.wait(ctx, replyID)
		}))
	}

	return tx, nil
}

// initialize queues the link preparation of codecs that need one ahead of
// every command.
func (s *Session) initialize() error {
	initializer, ok := s.codec.(bluetooth.Initializer)
	if !ok {
		return nil
	}

	tx, err := s.build("initialize", initializer.Init(), false)
	if err != nil {
		return err
	}

	return s.dispatcher.Enqueue(tx)
}

func (s *Session) readSink(ep bluetooth.Endpoint) queue.ReadSink {
	return func(data []byte) error {
		s.decodeMu.Lock()
		defer s.decodeMu.Unlock()

		events, err := s.codec.Decode(bluetooth.InboundFrame{Endpoint: ep, Data: data})
		if err != nil {
			s.decodeErrors.Inc()
			return err
		}

		s.deliver(events)

		return nil
	}
}

// onReceive is the transport inbound callback. Malformed frames are logged
// and dropped.
func (s *Session) onReceive(frame bluetooth.InboundFrame) {
	s.decodeMu.Lock()
	defer s.decodeMu.Unlock()

	events, err := s.codec.Decode(frame)
	if err != nil {
		s.decodeErrors.Inc()
		s.log.Warn("cannot decode inbound frame",
			zap.Stringer("endpoint", frame.Endpoint),
			zap.Binary("data", frame.Data),
			zap.Error(err),
		)
	}

	s.deliver(events)
}

func (s *Session) deliver(events []bluetooth.Event) {
	now := time.Now()

	for _, ev := range events {
		ev.Device = s.identity
		if ev.Time.IsZero() {
			ev.Time = now
		}

		s.replies.satisfy(ev)
		s.events.push(ev)
		s.bus.Publish(ev.Kind, ev)
	}
}

func (s *Session) watch() {
	select {
	case err := <-s.transport.ConnectionLost():
		s.lost(err)

	case <-s.closed:
	}
}

func (s *Session) lost(err error) {
	if err == nil || !errors.Is(err, errorkinds.ErrDisconnected) {
		err = errors.Join(errorkinds.ErrDisconnected, err)
	}

	s.log.Warn("link lost", zap.Error(err))
	s.dispatcher.Fail(err)
	s.shutdown(err, bluetooth.StateDisconnected)
}

// shutdown releases everything the session owns. Only the first call has
// an effect.
func (s *Session) shutdown(cause error, state bluetooth.ConnectionState) {
	s.teardown.Do(func() {
		if s.dispatcher.State() != queue.StateStopped {
			s.dispatcher.Fail(cause)
		}
		s.events.unblock()
		s.transport.Close()

		s.decodeMu.Lock()
		s.events.close()
		s.decodeMu.Unlock()

		s.replies.clear()
		close(s.closed)
		s.setState(state)
	})
}

func (s *Session) setState(state bluetooth.ConnectionState) {
	if bluetooth.ConnectionState(s.state.Swap(int32(state))) == state {
		return
	}

	if s.stateHook != nil {
		s.stateHook(s.identity, state)
	}
}
