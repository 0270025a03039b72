//go:build !linux && !windows

package platform

import (
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"go.uber.org/zap"
)

const stack = NoBluetoothStack

func bleTransport(identity bluetooth.DeviceIdentity, _ config.Configuration, _ *zap.Logger) (bluetooth.Transport, error) {
	return nil, factoryError(identity, config.TransportBLE, errorkinds.ErrNotSupported)
}
