// Package coordinatortest holds the contract every device family passes:
// each command it supports is sent through a real session against the
// family's simulated device and must produce the expected events.
package coordinatortest

import (
	"context"
	"testing"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timeout bounds every wait of the suite.
const Timeout = 5 * time.Second

// Case is one command and the events it must produce, in order.
type Case struct {
	Command bluetooth.Command
	Abort   bool
	Expect  []bluetooth.EventKind

	// Check inspects the produced events, if set.
	Check func(t *testing.T, events []bluetooth.Event)
}

// Suite describes the contract of one family.
type Suite struct {
	Identity bluetooth.DeviceIdentity

	// Matches and Rejects are discovered names the family must accept
	// and refuse.
	Matches []string
	Rejects []string

	Cases []Case

	// Unsupported commands must be refused before anything is written.
	Unsupported []bluetooth.CommandKind
}

// Run runs the contract suite against c.
func Run(t *testing.T, c coordinator.Coordinator, suite Suite) {
	t.Helper()

	sim, ok := c.(coordinator.Simulated)
	require.True(t, ok, "coordinator %s cannot be simulated", c.Name())

	t.Run("matching", func(t *testing.T) {
		for _, name := range suite.Matches {
			assert.True(t, c.Matches(name), name)
		}
		for _, name := range suite.Rejects {
			assert.False(t, c.Matches(name), name)
		}
	})

	t.Run("capabilities", func(t *testing.T) {
		caps := c.Capabilities()
		assert.NotZero(t, caps.Features.Supported.Count())
		assert.NotEmpty(t, caps.Transport)

		for _, tc := range suite.Cases {
			if feature := tc.Command.Kind.Feature(); feature != 0 {
				assert.True(t, caps.Features.Has(feature), "%s requires %s", tc.Command.Kind, feature)
			}
		}
	})

	for _, tc := range suite.Cases {
		t.Run(tc.Command.Kind.String(), func(t *testing.T) {
			tr := sim.Simulate()
			require.NotNil(t, tr)

			s := c.CreateSession(suite.Identity, tr)
			require.NoError(t, s.Connect(context.Background()))
			defer s.Disconnect(context.Background())

			send := s.Send
			if tc.Abort {
				send = s.SendAbort
			}

			p, err := send(tc.Command)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), Timeout)
			defer cancel()
			require.NoError(t, p.Wait(ctx))

			events := collect(t, s.Events(), len(tc.Expect))
			for i, ev := range events {
				assert.Equal(t, tc.Expect[i], ev.Kind, "event %d", i)
				assert.Equal(t, suite.Identity, ev.Device)
			}

			if tc.Check != nil {
				tc.Check(t, events)
			}
		})
	}

	if len(suite.Unsupported) == 0 {
		return
	}

	t.Run("unsupported", func(t *testing.T) {
		tr := sim.Simulate()
		s := c.CreateSession(suite.Identity, tr)
		require.NoError(t, s.Connect(context.Background()))
		defer s.Disconnect(context.Background())

		for _, kind := range suite.Unsupported {
			_, err := s.Send(bluetooth.NewCommand(kind))
			assert.ErrorIs(t, err, errorkinds.ErrNotSupported, kind.String())
		}
		assert.Empty(t, tr.Writes())
	})
}

func collect(t *testing.T, events <-chan bluetooth.Event, n int) []bluetooth.Event {
	t.Helper()

	var received []bluetooth.Event
	timeout := time.After(Timeout)

	for len(received) < n {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed after %d events", len(received))
			received = append(received, ev)

		case <-timeout:
			t.Fatalf("received %d of %d events", len(received), n)
		}
	}

	return received
}
