package bluetooth

import (
	"context"

	"github.com/google/uuid"
)

// Pending describes a queued command that resolves to a terminal outcome.
type Pending interface {
	// ID returns the unique identifier of the queued unit.
	ID() uuid.UUID

	// Done is closed once the outcome is known.
	Done() <-chan struct{}

	// Wait blocks until the outcome is known or ctx ends, and returns the
	// failure reason, if any.
	Wait(ctx context.Context) error
}

// Session describes a connected device session.
type Session interface {
	// Connect opens the transport and starts the command queue.
	Connect(ctx context.Context) error

	// Disconnect stops the command queue and closes the transport.
	Disconnect(ctx context.Context) error

	// Send encodes a command and queues it behind all earlier commands.
	Send(cmd Command) (Pending, error)

	// SendAbort encodes a compensating command and runs it ahead of every
	// queued command.
	SendAbort(cmd Command) (Pending, error)

	// Events returns the ordered stream of decoded device events.
	Events() <-chan Event

	// Identity returns the identity of the connected device.
	Identity() DeviceIdentity

	// State returns the current connection state.
	State() ConnectionState
}
