package bluetooth

import "context"

// Link describes the operations a single action may perform on a transport.
type Link interface {
	// WriteFrame writes data to the endpoint. With withResponse set it
	// returns once the device confirms the write, otherwise once the bytes
	// are handed to the underlying stack.
	WriteFrame(ctx context.Context, ep Endpoint, data []byte, withResponse bool) error

	// ReadFrame reads the current value of the endpoint.
	ReadFrame(ctx context.Context, ep Endpoint) ([]byte, error)

	// SetNotify enables or disables inbound notifications on the endpoint.
	SetNotify(ctx context.Context, ep Endpoint, enable bool) error
}

// InboundHandler receives every inbound frame from a transport.
type InboundHandler func(frame InboundFrame)

// Transport describes a physical link backend (BLE GATT, serial, ...).
type Transport interface {
	Link

	// Open establishes the link.
	Open(ctx context.Context) error

	// Close tears down the link. It is safe to call more than once.
	Close() error

	// OnInboundFrame registers the inbound callback. It must be set
	// before Open.
	OnInboundFrame(handler InboundHandler)

	// ConnectionLost delivers at most one error when the link drops
	// without Close being called.
	ConnectionLost() <-chan error
}
