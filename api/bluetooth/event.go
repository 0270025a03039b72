package bluetooth

import "time"

// EventKind identifies a decoded device event.
type EventKind uint

const (
	EventNone EventKind = iota
	EventBatteryInfo
	EventVersionInfo
	EventNotificationAck
	EventTimeSync
	EventVibration
	EventFindDevice
	EventMeasurement
	EventMeasurementConfig
	EventHeight
	EventLight
	EventStatus
	EventError
)

var eventNames = [...]string{
	EventNone:              "none",
	EventBatteryInfo:       "battery-info",
	EventVersionInfo:       "version-info",
	EventNotificationAck:   "notification-ack",
	EventTimeSync:          "time-sync",
	EventVibration:         "vibration",
	EventFindDevice:        "find-device",
	EventMeasurement:       "measurement",
	EventMeasurementConfig: "measurement-config",
	EventHeight:            "height",
	EventLight:             "light",
	EventStatus:            "status",
	EventError:             "error",
}

// Value returns the numeric event identifier.
func (e EventKind) Value() uint {
	return uint(e)
}

func (e EventKind) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}

	return "unknown"
}

// Event describes a decoded, device-agnostic event. Data holds one of the
// payload types below.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Device DeviceIdentity `json:"device"`
	Time   time.Time      `json:"time"`
	Data   any            `json:"data,omitempty"`
}

// NewEvent returns an event of the given kind.
func NewEvent(kind EventKind, data any) Event {
	return Event{Kind: kind, Data: data}
}

// BatteryInfo describes the charge of one battery slot.
type BatteryInfo struct {
	Slot     int  `json:"slot"`
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// VersionInfo describes firmware and hardware revisions.
type VersionInfo struct {
	Firmware string `json:"firmware"`
	Hardware string `json:"hardware"`
}

// NotificationAck acknowledges a delivered notification.
type NotificationAck struct {
	ID uint32 `json:"id"`
}

// VibrationState describes the vibration motor state.
type VibrationState struct {
	Active    bool  `json:"active"`
	Intensity uint8 `json:"intensity"`
	Repeat    uint8 `json:"repeat"`
}

// FindDeviceState describes the find-device alert state.
type FindDeviceState struct {
	Active bool `json:"active"`
}

// Measurement describes a single sensor reading.
type Measurement struct {
	Type  string    `json:"type"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit"`
	Taken time.Time `json:"taken"`
}

// MeasurementConfig describes the active measurement stream settings.
type MeasurementConfig struct {
	Streaming bool          `json:"streaming"`
	Interval  time.Duration `json:"interval"`
}

// DeskStatus describes a height adjustable device.
type DeskStatus struct {
	Millimeters uint16 `json:"mm"`
	Moving      bool   `json:"moving"`
}

// DeviceError describes an error reported by the device itself.
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
