//go:build windows

package platform

import (
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/transport/winble"
	"go.uber.org/zap"
)

const stack = MicrosoftBluetoothStack

func bleTransport(identity bluetooth.DeviceIdentity, _ config.Configuration, log *zap.Logger) (bluetooth.Transport, error) {
	return winble.New(identity.Address, winble.WithLogger(log)), nil
}
