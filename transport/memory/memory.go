// Package memory provides an in-process transport that records every write
// and replays scripted replies. It backs the simulator and the tests.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
)

// Write is a recorded outbound write.
type Write struct {
	Endpoint     bluetooth.Endpoint
	Data         []byte
	WithResponse bool
	Time         time.Time
}

// Responder returns the inbound frames a simulated device sends back after a
// write.
type Responder func(w Write) []bluetooth.InboundFrame

// WriteHook runs before a write is recorded; a non-nil error fails the write.
type WriteHook func(ctx context.Context, w Write) error

// Option configures a Transport.
type Option func(t *Transport)

// WithResponder sets the simulated device replies.
func WithResponder(r Responder) Option {
	return func(t *Transport) {
		t.responder = r
	}
}

// WithWriteHook sets a hook run on every write.
func WithWriteHook(h WriteHook) Option {
	return func(t *Transport) {
		t.hook = h
	}
}

// WithReadValue sets the value returned when the endpoint is read.
// Endpoints without a value block until the read times out.
func WithReadValue(ep bluetooth.Endpoint, value []byte) Option {
	return func(t *Transport) {
		t.values[ep] = value
	}
}

// Transport is an in-memory bluetooth.Transport.
type Transport struct {
	responder Responder
	hook      WriteHook
	values    map[bluetooth.Endpoint][]byte
	notify    map[bluetooth.Endpoint]bool

	handler bluetooth.InboundHandler
	inbound chan bluetooth.InboundFrame
	lost    chan error
	stop    chan struct{}
	wg      sync.WaitGroup

	writes []Write
	opened int
	open   bool

	mu sync.Mutex
}

var _ bluetooth.Transport = (*Transport)(nil)

// New returns a new in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		values: make(map[bluetooth.Endpoint][]byte),
		notify: make(map[bluetooth.Endpoint]bool),
		lost:   make(chan error, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Open marks the link as established and starts inbound delivery.
func (t *Transport) Open(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return errorkinds.ErrAlreadyOpen
	}

	t.open = true
	t.opened++
	t.inbound = make(chan bluetooth.InboundFrame, 256)
	t.stop = make(chan struct{})

	t.wg.Add(1)
	go t.deliver(t.inbound, t.stop, t.handler)

	return nil
}

// Close tears the link down.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}

	t.open = false
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()

	return nil
}

// OnInboundFrame registers the inbound callback.
func (t *Transport) OnInboundFrame(handler bluetooth.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// ConnectionLost delivers the error passed to Drop.
func (t *Transport) ConnectionLost() <-chan error {
	return t.lost
}

// WriteFrame records a write and schedules the responder's replies.
func (t *Transport) WriteFrame(ctx context.Context, ep bluetooth.Endpoint, data []byte, withResponse bool) error {
	w := Write{
		Endpoint:     ep,
		Data:         bytes.Clone(data),
		WithResponse: withResponse,
		Time:         time.Now(),
	}

	if !t.IsOpen() {
		return errorkinds.ErrDisconnected
	}

	if t.hook != nil {
		if err := t.hook(ctx, w); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return errorkinds.ErrDisconnected
	}
	t.writes = append(t.writes, w)
	inbound, stop := t.inbound, t.stop
	t.mu.Unlock()

	if t.responder != nil {
		for _, frame := range t.responder(w) {
			select {
			case inbound <- frame:
			case <-stop:
				return nil
			}
		}
	}

	return nil
}

// ReadFrame returns the configured value of the endpoint, or blocks until
// ctx ends when none is configured.
func (t *Transport) ReadFrame(ctx context.Context, ep bluetooth.Endpoint) ([]byte, error) {
	if !t.IsOpen() {
		return nil, errorkinds.ErrDisconnected
	}

	t.mu.Lock()
	value, ok := t.values[ep]
	t.mu.Unlock()

	if ok {
		return bytes.Clone(value), nil
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

// SetNotify records the notification state of the endpoint.
func (t *Transport) SetNotify(_ context.Context, ep bluetooth.Endpoint, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return errorkinds.ErrDisconnected
	}

	t.notify[ep] = enable

	return nil
}

// Inject delivers a frame as if the device had sent it unprompted.
func (t *Transport) Inject(frame bluetooth.InboundFrame) {
	t.mu.Lock()
	inbound, stop, open := t.inbound, t.stop, t.open
	t.mu.Unlock()

	if !open {
		return
	}

	select {
	case inbound <- frame:
	case <-stop:
	}
}

// SetReadValue changes the value returned by reads of the endpoint.
func (t *Transport) SetReadValue(ep bluetooth.Endpoint, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.values[ep] = value
}

// Drop simulates the link going away underneath the session.
func (t *Transport) Drop(err error) {
	if err == nil {
		err = errorkinds.ErrDisconnected
	}

	if !t.IsOpen() {
		return
	}
	t.Close()

	select {
	case t.lost <- err:
	default:
	}
}

// Writes returns a copy of every recorded write, in order.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Write(nil), t.writes...)
}

// Notifying reports whether notifications are enabled on the endpoint.
func (t *Transport) Notifying(ep bluetooth.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.notify[ep]
}

// IsOpen reports whether the link is established.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.open
}

// Opened returns how many times the link was opened.
func (t *Transport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.opened
}

func (t *Transport) deliver(inbound chan bluetooth.InboundFrame, stop chan struct{}, handler bluetooth.InboundHandler) {
	defer t.wg.Done()

	for {
		select {
		case <-stop:
			return

		case frame := <-inbound:
			if handler != nil {
				handler(frame)
			}
		}
	}
}
