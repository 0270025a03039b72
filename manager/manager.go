// Package manager tracks the live device sessions of a process.
package manager

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/api/eventbus"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/bluetuith-org/api-devices/internal/logging"
	"github.com/bluetuith-org/api-devices/platform"
	"github.com/bluetuith-org/api-devices/session"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(m *Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithBus sets the event bus every session publishes to. The caller keeps
// ownership of the bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
			m.ownBus = false
		}
	}
}

// WithConfig sets the configuration applied to every session.
func WithConfig(cfg config.Configuration) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithTransportFactory sets how transports are built for new sessions.
func WithTransportFactory(factory platform.TransportFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.factory = factory
		}
	}
}

// WithStateHook sets a callback run on every session state change.
func WithStateHook(hook session.StateHook) Option {
	return func(m *Manager) {
		m.stateHook = hook
	}
}

// Manager holds the coordinator registry and one session per device.
// Connecting to a device that already has a session replaces it.
type Manager struct {
	registry *coordinator.Registry
	factory  platform.TransportFactory
	cfg      config.Configuration

	bus    *eventbus.Bus
	ownBus bool

	log       *zap.Logger
	stateHook session.StateHook

	sessions *xsync.MapOf[string, *session.Session]
	closed   atomic.Bool

	// connectMu serializes session replacement for the same device.
	connectMu sync.Mutex
}

// New returns a new manager resolving devices through registry.
func New(registry *coordinator.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		cfg:      config.New(),
		log:      zap.NewNop(),
		sessions: xsync.NewMapOf[string, *session.Session](),
		ownBus:   true,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.factory == nil {
		m.factory = platform.NewTransportFactory(m.cfg, m.log)
	}
	if m.bus == nil {
		m.bus = eventbus.New(eventbus.DefaultHandler(m.cfg.Session.BusCapacity))
	}

	return m
}

// Bus returns the event bus sessions publish to.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// Registry returns the coordinator registry.
func (m *Manager) Registry() *coordinator.Registry {
	return m.registry
}

// Connect resolves the coordinator from the device name and connects it.
func (m *Manager) Connect(ctx context.Context, identity bluetooth.DeviceIdentity) (*session.Session, error) {
	c, err := m.registry.Resolve(identity.Name)
	if err != nil {
		return nil, err
	}

	return m.ConnectWith(ctx, identity, c, nil)
}

// ConnectFamily connects the device using the named family coordinator.
func (m *Manager) ConnectFamily(ctx context.Context, identity bluetooth.DeviceIdentity, family string) (*session.Session, error) {
	c, ok := m.registry.Lookup(family)
	if !ok {
		return nil, fault.Wrap(errorkinds.ErrNoCoordinator,
			fctx.With(fctx.WithMeta(ctx, "family", family)),
			ftag.With(ftag.NotFound),
			fmsg.With("No device family named "+family),
		)
	}

	return m.ConnectWith(ctx, identity, c, nil)
}

// ConnectWith connects the device through coordinator c. A nil transport
// is built by the transport factory.
func (m *Manager) ConnectWith(ctx context.Context, identity bluetooth.DeviceIdentity, c coordinator.Coordinator, transport bluetooth.Transport) (*session.Session, error) {
	if m.closed.Load() {
		return nil, m.wrap(ctx, identity, errorkinds.ErrQueueClosed, ftag.Cancelled, "Device manager is shut down")
	}

	key := identity.Key()
	if key == "" {
		return nil, m.wrap(ctx, identity, errorkinds.ErrInvalidAddress, ftag.InvalidArgument, "Device has no address or port")
	}

	if transport == nil {
		var err error
		if transport, err = m.factory(identity, c.Capabilities().Transport); err != nil {
			return nil, err
		}
	}

	log := logging.Device(m.log, key, identity.Name).With(zap.String("family", c.Name()))

	var s *session.Session
	s = c.CreateSession(identity, transport,
		session.WithConfig(m.cfg),
		session.WithLogger(log),
		session.WithBus(m.bus),
		session.WithStateHook(func(identity bluetooth.DeviceIdentity, state bluetooth.ConnectionState) {
			log.Debug("session state changed", zap.Stringer("state", state))

			if state == bluetooth.StateDisconnected || state == bluetooth.StateFailed {
				m.remove(identity.Key(), s)
			}
			if m.stateHook != nil {
				m.stateHook(identity, state)
			}
		}),
	)

	m.connectMu.Lock()
	old, replaced := m.sessions.LoadAndStore(key, s)
	m.connectMu.Unlock()

	if replaced {
		log.Info("replacing existing session")
		if err := old.Disconnect(ctx); err != nil {
			log.Warn("previous session did not stop cleanly", zap.Error(err))
		}
	}

	if err := s.Connect(ctx); err != nil {
		m.remove(key, s)
		return nil, err
	}

	if m.closed.Load() {
		s.Disconnect(ctx)
		return nil, m.wrap(ctx, identity, errorkinds.ErrQueueClosed, ftag.Cancelled, "Device manager is shut down")
	}

	log.Info("device connected")

	return s, nil
}

// Disconnect ends the session of the device with the given key.
func (m *Manager) Disconnect(ctx context.Context, key string) error {
	s, ok := m.sessions.Load(key)
	if !ok {
		return fault.Wrap(errorkinds.ErrSessionNotExist,
			fctx.With(fctx.WithMeta(ctx, "device", key)),
			ftag.With(ftag.NotFound),
			fmsg.With("No session for device "+key),
		)
	}

	err := s.Disconnect(ctx)
	m.remove(key, s)

	return err
}

// Session returns the live session of the device with the given key.
func (m *Manager) Session(key string) (*session.Session, bool) {
	return m.sessions.Load(key)
}

// Sessions returns every live session ordered by device key.
func (m *Manager) Sessions() []*session.Session {
	sessions := make([]*session.Session, 0, m.sessions.Size())
	m.sessions.Range(func(_ string, s *session.Session) bool {
		sessions = append(sessions, s)
		return true
	})

	slices.SortFunc(sessions, func(a, b *session.Session) int {
		return strings.Compare(a.Identity().Key(), b.Identity().Key())
	})

	return sessions
}

// Shutdown disconnects every session and refuses new connections. The bus
// is closed if the manager created it.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, s := range m.Sessions() {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()

			if err := s.Disconnect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			m.remove(s.Identity().Key(), s)
		}(s)
	}
	wg.Wait()

	if m.ownBus {
		m.bus.Close()
	}

	m.log.Info("device manager stopped")

	return errors.Join(errs...)
}

// remove deletes the session stored under key only if it is still s.
func (m *Manager) remove(key string, s *session.Session) {
	m.sessions.Compute(key, func(current *session.Session, loaded bool) (*session.Session, bool) {
		return current, !loaded || current == s
	})
}

func (m *Manager) wrap(ctx context.Context, identity bluetooth.DeviceIdentity, err error, kind ftag.Kind, msg string) error {
	return fault.Wrap(err,
		fctx.With(fctx.WithMeta(ctx, "device", identity.Key())),
		ftag.With(kind),
		fmsg.With(msg),
	)
}
