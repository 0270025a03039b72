//go:build linux

package platform

import (
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/transport/bluez"
	"go.uber.org/zap"
)

const stack = BluezStack

func bleTransport(identity bluetooth.DeviceIdentity, cfg config.Configuration, log *zap.Logger) (bluetooth.Transport, error) {
	return bluez.New(identity.Address,
		bluez.WithAdapter(cfg.Transport.Adapter),
		bluez.WithLogger(log),
	), nil
}
