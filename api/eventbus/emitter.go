// Package eventbus fans device events out to any number of subscribers.
package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// DefaultCapacity is the buffer size of each subscriber channel of the
// default handler.
const DefaultCapacity = 16

// EventID describes an event identifier.
type EventID interface {
	Value() uint
	String() string
}

// Subscriber holds a subscription to an event stream.
type Subscriber struct {
	C <-chan any

	active bool
	unsub  func()
	once   *sync.Once
}

// Active reports whether the subscription receives events.
func (s Subscriber) Active() bool {
	return s.active
}

// Unsubscribe ends the subscription. The channel is closed asynchronously.
func (s Subscriber) Unsubscribe() {
	if s.unsub == nil || s.once == nil {
		return
	}

	s.once.Do(s.unsub)
}

// nilEventHandler represents a disabled event handler.
type nilEventHandler struct{}

// defaultEventHandler represents an internal event handler.
type defaultEventHandler struct {
	*pubsub.PubSub[uint, any]

	closed bool
	mu     sync.RWMutex
}

// EventPublisher represents an interface that provides an event publisher.
type EventPublisher interface {
	// Publish publishes an event to the event stream.
	Publish(id uint, name string, data any)
}

// EventSubscriber represents an interface that provides an event subscriber.
type EventSubscriber interface {
	// Subscribe subscribes to an event from the event stream.
	Subscribe(id uint, name string) Subscriber
}

// EventHandler represents an interface that provides an event publisher and subscriber.
type EventHandler interface {
	EventPublisher
	EventSubscriber
}

// Bus dispatches events to the registered publisher and subscriber handlers.
// A nil *Bus discards every event.
type Bus struct {
	p EventPublisher
	s EventSubscriber

	mu sync.RWMutex
}

// New returns a bus backed by eh, or by the default handler if eh is nil.
func New(eh EventHandler) *Bus {
	if eh == nil {
		eh = DefaultHandler(DefaultCapacity)
	}

	b := &Bus{}
	b.Register(eh)

	return b
}

// Register registers the event handler interface.
func (b *Bus) Register(eh EventHandler) {
	if eh == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.p = eh
	b.s = eh
}

// RegisterHandlers registers the event publisher and subscriber interfaces separately.
// To disable an EventPublisher or EventSubscriber, pass 'nil' as the parameter.
func (b *Bus) RegisterHandlers(p EventPublisher, s EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p == nil {
		p = &nilEventHandler{}
	}
	if s == nil {
		s = &nilEventHandler{}
	}

	b.p = p
	b.s = s
}

// Disable unregisters the event handlers.
func (b *Bus) Disable() {
	b.Register(&nilEventHandler{})
}

// Publish calls the registered publisher handler.
func (b *Bus) Publish(id EventID, data any) {
	if b == nil || id == nil {
		return
	}

	b.mu.RLock()
	p := b.p
	b.mu.RUnlock()

	p.Publish(id.Value(), id.String(), data)
}

// Subscribe calls the registered subscriber handler.
func (b *Bus) Subscribe(id EventID) Subscriber {
	if b == nil || id == nil {
		return (&nilEventHandler{}).Subscribe(0, "")
	}

	b.mu.RLock()
	s := b.s
	b.mu.RUnlock()

	return s.Subscribe(id.Value(), id.String())
}

// Close shuts the registered handlers down, if they support it.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	p, s := b.p, b.s
	b.p, b.s = &nilEventHandler{}, &nilEventHandler{}
	b.mu.Unlock()

	for _, h := range []any{p, s} {
		if c, ok := h.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// DefaultHandler returns the default event handler. Slow subscribers miss
// events once their channel of the given capacity is full.
func DefaultHandler(capacity int) *defaultEventHandler {
	return &defaultEventHandler{PubSub: pubsub.New[uint, any](capacity)}
}

// NilHandler returns a disabled event handler.
func NilHandler() *nilEventHandler {
	return &nilEventHandler{}
}

// Publish publishes an event to the event stream.
func (d *defaultEventHandler) Publish(id uint, _ string, data any) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	d.TryPub(data, id)
}

// Subscribe subscribes to an event from the event stream.
func (d *defaultEventHandler) Subscribe(id uint, name string) Subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return (&nilEventHandler{}).Subscribe(id, name)
	}

	ch := d.Sub(id)

	return Subscriber{
		C:      ch,
		active: true,
		once:   &sync.Once{},
		unsub: func() {
			go d.unsubscribe(ch, id)
		},
	}
}

func (d *defaultEventHandler) unsubscribe(ch chan any, id uint) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.closed {
		d.Unsub(ch, id)
	}
}

// Close shuts the event stream down and closes every subscriber channel.
func (d *defaultEventHandler) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true
	d.Shutdown()
}

// Publish does not do anything.
func (n *nilEventHandler) Publish(uint, string, any) {
}

// Subscribe does not do anything.
func (n *nilEventHandler) Subscribe(uint, string) Subscriber {
	ch := make(chan any)
	close(ch)

	return Subscriber{C: ch}
}
