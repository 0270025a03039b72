package bluetooth

import (
	"time"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
)

// CommandKind identifies a device-agnostic command.
type CommandKind string

const (
	CommandBatteryRequest   CommandKind = "battery-request"
	CommandTimeSync         CommandKind = "time-sync"
	CommandVibrate          CommandKind = "vibrate"
	CommandStopVibrate      CommandKind = "stop-vibrate"
	CommandNotification     CommandKind = "notification"
	CommandVersionRequest   CommandKind = "version-request"
	CommandFindDevice       CommandKind = "find-device"
	CommandStartMeasurement CommandKind = "start-measurement"
	CommandStopMeasurement  CommandKind = "stop-measurement"
	CommandSetHeight        CommandKind = "set-height"
	CommandStopMotion       CommandKind = "stop-motion"
	CommandSetLight         CommandKind = "set-light"
	CommandStatusRequest    CommandKind = "status-request"
)

var commandFeatures = map[CommandKind]appfeatures.Features{
	CommandBatteryRequest:   appfeatures.FeatureBattery,
	CommandTimeSync:         appfeatures.FeatureTimeSync,
	CommandVibrate:          appfeatures.FeatureVibration,
	CommandStopVibrate:      appfeatures.FeatureVibration,
	CommandNotification:     appfeatures.FeatureNotifications,
	CommandVersionRequest:   appfeatures.FeatureFirmwareInfo,
	CommandFindDevice:       appfeatures.FeatureFindDevice,
	CommandStartMeasurement: appfeatures.FeatureMeasurements,
	CommandStopMeasurement:  appfeatures.FeatureMeasurements,
	CommandSetHeight:        appfeatures.FeatureHeightControl,
	CommandStopMotion:       appfeatures.FeatureHeightControl,
	CommandSetLight:         appfeatures.FeatureLighting,
}

// Feature returns the feature set a device must support to accept the command.
// Commands without a mapping are always allowed.
func (c CommandKind) Feature() appfeatures.Features {
	return commandFeatures[c]
}

func (c CommandKind) String() string {
	return string(c)
}

// Command describes a domain command sent to a device. Args holds one of the
// argument types below, or nil for commands without arguments.
type Command struct {
	Kind CommandKind `json:"kind"`
	Args any         `json:"args,omitempty"`
}

// NewCommand returns a new command.
func NewCommand(kind CommandKind, args ...any) Command {
	cmd := Command{Kind: kind}
	if len(args) > 0 {
		cmd.Args = args[0]
	}

	return cmd
}

// TimeSyncArgs holds the time to set on the device.
type TimeSyncArgs struct {
	Time time.Time `json:"time"`
}

// VibrateArgs describes a vibration alert.
type VibrateArgs struct {
	Intensity uint8 `json:"intensity"`
	Repeat    uint8 `json:"repeat"`
}

// NotificationArgs describes a notification pushed to the device.
type NotificationArgs struct {
	ID    uint32 `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// FindDeviceArgs starts or stops the find-device alert.
type FindDeviceArgs struct {
	Start bool `json:"start"`
}

// MeasurementArgs configures a measurement stream.
type MeasurementArgs struct {
	Interval time.Duration `json:"interval"`
}

// HeightArgs describes a target height.
type HeightArgs struct {
	Millimeters uint16 `json:"mm"`
}

// LightArgs describes a light colour and brightness.
type LightArgs struct {
	Red        uint8 `json:"r"`
	Green      uint8 `json:"g"`
	Blue       uint8 `json:"b"`
	Brightness uint8 `json:"brightness"`
}
