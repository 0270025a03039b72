package bluetooth

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceIdentity describes a discovered device, either a radio with an
// address or a serial endpoint with a port path.
type DeviceIdentity struct {
	Address MacAddress `json:"address,omitempty"`
	Name    string     `json:"name,omitempty"`
	Port    string     `json:"port,omitempty"`
}

// Key returns a stable identifier for the device.
func (d DeviceIdentity) Key() string {
	if !d.Address.IsZero() {
		return d.Address.String()
	}

	return d.Port
}

func (d DeviceIdentity) String() string {
	if d.Name == "" {
		return d.Key()
	}

	return fmt.Sprintf("%s (%s)", d.Name, d.Key())
}

// ConnectionState describes the current link status of a session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Endpoint addresses a target on the link: a GATT characteristic inside a
// service, or the default byte stream when both are nil.
type Endpoint struct {
	Service        uuid.UUID `json:"service,omitempty"`
	Characteristic uuid.UUID `json:"characteristic,omitempty"`
}

// StreamEndpoint is the single endpoint of a byte stream transport.
var StreamEndpoint = Endpoint{}

// GattEndpoint returns a GATT characteristic endpoint.
func GattEndpoint(service, characteristic string) Endpoint {
	return Endpoint{
		Service:        uuid.MustParse(service),
		Characteristic: uuid.MustParse(characteristic),
	}
}

// IsStream reports whether the endpoint is the default byte stream.
func (e Endpoint) IsStream() bool {
	return e == StreamEndpoint
}

func (e Endpoint) String() string {
	if e.IsStream() {
		return "stream"
	}

	return e.Service.String() + "/" + e.Characteristic.String()
}

// ShortUUID expands a 16-bit Bluetooth SIG assigned number into a full UUID.
func ShortUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short))
}
