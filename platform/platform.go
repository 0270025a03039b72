// Package platform selects the link backends available on the running
// operating system.
package platform

import (
	"context"
	"errors"
	"runtime"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/transport/serial"
	"go.uber.org/zap"
)

type BluetoothStack string

const (
	BluezStack              BluetoothStack = "BlueZ (DBus)"
	MicrosoftBluetoothStack BluetoothStack = "Microsoft"
	NoBluetoothStack        BluetoothStack = "None"
)

// PlatformInfo describes platform-specific information.
type PlatformInfo struct {
	OS    string         `json:"os,omitempty"`
	Stack BluetoothStack `json:"bluetooth_stack,omitempty"`
}

// NewPlatformInfo returns a new PlatformInfo.
func NewPlatformInfo(stack BluetoothStack) PlatformInfo {
	return PlatformInfo{
		OS:    runtime.GOOS + " (" + runtime.GOARCH + ")",
		Stack: stack,
	}
}

// Info returns information about the running platform.
func Info() PlatformInfo {
	return NewPlatformInfo(stack)
}

// String converts a BluetoothStack to a string.
func (b BluetoothStack) String() string {
	return string(b)
}

// TransportFactory builds the link backend for a device. The kind is the
// transport preferred by the device family.
type TransportFactory func(identity bluetooth.DeviceIdentity, kind config.TransportKind) (bluetooth.Transport, error)

// NewTransportFactory returns a factory creating BLE and serial transports
// from the configuration. A configured transport kind other than auto
// overrides the family preference.
func NewTransportFactory(cfg config.Configuration, log *zap.Logger) TransportFactory {
	if log == nil {
		log = zap.NewNop()
	}

	return func(identity bluetooth.DeviceIdentity, kind config.TransportKind) (bluetooth.Transport, error) {
		if cfg.Transport.Kind != config.TransportAuto {
			kind = cfg.Transport.Kind
		}

		switch kind {
		case config.TransportSerial:
			port := identity.Port
			if port == "" {
				port = cfg.Transport.Serial.Port
			}
			if port == "" {
				return nil, factoryError(identity, kind, errors.New("no serial port"))
			}

			return serial.New(port,
				serial.WithBaud(cfg.Transport.Serial.Baud),
				serial.WithReadTimeout(cfg.Transport.Serial.ReadTimeout),
				serial.WithLogger(log),
			), nil

		case config.TransportBLE, config.TransportAuto:
			if identity.Address.IsZero() {
				return nil, factoryError(identity, kind, errorkinds.ErrInvalidAddress)
			}

			return bleTransport(identity, cfg, log)
		}

		return nil, factoryError(identity, kind, errorkinds.ErrNotSupported)
	}
}

func factoryError(identity bluetooth.DeviceIdentity, kind config.TransportKind, err error) error {
	return fault.Wrap(err,
		fctx.With(fctx.WithMeta(context.Background(), "device", identity.Key(), "transport", string(kind))),
		ftag.With(ftag.InvalidArgument),
		fmsg.With("Cannot create "+string(kind)+" transport for "+identity.String()),
	)
}
