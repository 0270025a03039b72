// Package coordinator describes device families: how to recognise a device,
// what it supports and how to build its session.
package coordinator

import (
	"strings"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/session"
	"github.com/bluetuith-org/api-devices/transport/memory"
)

// Capabilities describes what a device family supports. It is used for
// feature gating only and never changes at runtime.
type Capabilities struct {
	Features     appfeatures.FeatureSet
	BatterySlots int
	Icon         string
	Bonding      bool
	Transport    config.TransportKind
}

// Coordinator recognises a device family and creates sessions for it.
type Coordinator interface {
	// Name returns the family name.
	Name() string

	// Matches reports whether a discovered device name belongs to the family.
	Matches(name string) bool

	// Capabilities returns the family capabilities.
	Capabilities() Capabilities

	// CreateSession returns a new, unconnected session for the device.
	CreateSession(identity bluetooth.DeviceIdentity, transport bluetooth.Transport, opts ...session.Option) *session.Session
}

// Simulated is implemented by coordinators that can simulate their device.
type Simulated interface {
	// Simulate returns a transport that behaves like a device of the family.
	Simulate() *memory.Transport
}

// Family is a Coordinator assembled from its parts.
type Family struct {
	// FamilyName is the family name.
	FamilyName string

	// Prefixes are matched case-insensitively against discovered names.
	Prefixes []string

	// Caps holds the family capabilities.
	Caps Capabilities

	// NewCodec returns a codec for a new session. Codecs may keep
	// reassembly state, so each session gets its own.
	NewCodec func() bluetooth.Codec

	// Simulation returns the options of an in-memory device, if the
	// family can be simulated.
	Simulation func() []memory.Option
}

var (
	_ Coordinator = (*Family)(nil)
	_ Simulated   = (*Family)(nil)
)

// Name returns the family name.
func (f *Family) Name() string {
	return f.FamilyName
}

// Matches reports whether name starts with one of the family prefixes.
func (f *Family) Matches(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}

	for _, prefix := range f.Prefixes {
		if strings.HasPrefix(name, strings.ToLower(prefix)) {
			return true
		}
	}

	return false
}

// Capabilities returns the family capabilities.
func (f *Family) Capabilities() Capabilities {
	return f.Caps
}

// CreateSession returns a new session restricted to the family features.
func (f *Family) CreateSession(identity bluetooth.DeviceIdentity, transport bluetooth.Transport, opts ...session.Option) *session.Session {
	opts = append([]session.Option{session.WithFeatures(f.Caps.Features)}, opts...)

	return session.New(identity, transport, f.NewCodec(), opts...)
}

// Simulate returns an in-memory transport behaving like a family device,
// or nil if the family cannot be simulated.
func (f *Family) Simulate() *memory.Transport {
	if f.Simulation == nil {
		return nil
	}

	return memory.New(f.Simulation()...)
}
