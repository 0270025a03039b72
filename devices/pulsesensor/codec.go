package pulsesensor

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/fxamacker/cbor/v2"
)

var (
	BatteryEndpoint  = bluetooth.Endpoint{Service: bluetooth.ShortUUID(0x180F), Characteristic: bluetooth.ShortUUID(0x2A19)}
	FirmwareEndpoint = bluetooth.Endpoint{Service: bluetooth.ShortUUID(0x180A), Characteristic: bluetooth.ShortUUID(0x2A26)}

	ControlEndpoint = bluetooth.GattEndpoint("8d53dc1d-1db7-4cd3-868b-8a527460aa84", "8d53dc1e-1db7-4cd3-868b-8a527460aa84")
	DataEndpoint    = bluetooth.GattEndpoint("8d53dc1d-1db7-4cd3-868b-8a527460aa84", "8d53dc1f-1db7-4cd3-868b-8a527460aa84")
)

// Sampling interval bounds accepted by the sensor firmware.
const (
	DefaultInterval = time.Second
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = time.Minute
)

// Control operations.
const (
	opStart uint8 = 1
	opStop  uint8 = 2
)

// Data message kinds.
const (
	kindSample uint8 = 1
	kindConfig uint8 = 2
	kindError  uint8 = 3
)

// controlMessage is written to the control characteristic.
type controlMessage struct {
	Op         uint8  `cbor:"1,keyasint"`
	IntervalMs uint32 `cbor:"2,keyasint,omitempty"`
}

// dataMessage is notified on the data characteristic.
type dataMessage struct {
	Kind       uint8   `cbor:"1,keyasint"`
	Type       string  `cbor:"2,keyasint,omitempty"`
	Value      float64 `cbor:"3,keyasint,omitempty"`
	Unit       string  `cbor:"4,keyasint,omitempty"`
	TakenMs    int64   `cbor:"5,keyasint,omitempty"`
	Streaming  bool    `cbor:"6,keyasint,omitempty"`
	IntervalMs uint32  `cbor:"7,keyasint,omitempty"`
	Code       int     `cbor:"8,keyasint,omitempty"`
	Message    string  `cbor:"9,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("pulsesensor: cannot create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("pulsesensor: cannot create CBOR decoder mode: %v", err))
	}
}

// Codec maps commands to GATT reads and CBOR control writes.
type Codec struct{}

var _ bluetooth.Codec = (*Codec)(nil)

// NewCodec returns a new codec.
func NewCodec() bluetooth.Codec {
	return &Codec{}
}

// Encode converts a command to a request.
func (c *Codec) Encode(cmd bluetooth.Command) (bluetooth.Request, error) {
	switch cmd.Kind {
	case bluetooth.CommandBatteryRequest:
		return bluetooth.Request{Frames: []bluetooth.Frame{bluetooth.ReadFrame(BatteryEndpoint)}}, nil

	case bluetooth.CommandVersionRequest:
		return bluetooth.Request{Frames: []bluetooth.Frame{bluetooth.ReadFrame(FirmwareEndpoint)}}, nil

	case bluetooth.CommandStartMeasurement:
		interval := DefaultInterval
		if args, ok := cmd.Args.(bluetooth.MeasurementArgs); ok && args.Interval != 0 {
			interval = args.Interval
		}
		if interval < MinInterval || interval > MaxInterval {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode,
				fmt.Errorf("interval %s outside %s..%s", interval, MinInterval, MaxInterval))
		}

		data, err := encMode.Marshal(controlMessage{Op: opStart, IntervalMs: uint32(interval.Milliseconds())})
		if err != nil {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, err)
		}

		return bluetooth.Request{
			Frames: []bluetooth.Frame{
				bluetooth.SubscribeFrame(DataEndpoint, true),
				bluetooth.WriteFrame(ControlEndpoint, data, true),
			},
			Reply: bluetooth.EventMeasurementConfig,
		}, nil

	case bluetooth.CommandStopMeasurement:
		data, err := encMode.Marshal(controlMessage{Op: opStop})
		if err != nil {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, err)
		}

		return bluetooth.Request{
			Frames: []bluetooth.Frame{bluetooth.WriteFrame(ControlEndpoint, data, true)},
			Reply:  bluetooth.EventMeasurementConfig,
		}, nil
	}

	return bluetooth.Request{}, errorkinds.ErrNotSupported
}

// Decode converts characteristic values and data notifications to events.
func (c *Codec) Decode(frame bluetooth.InboundFrame) ([]bluetooth.Event, error) {
	switch frame.Endpoint {
	case BatteryEndpoint:
		if len(frame.Data) != 1 || frame.Data[0] > 100 {
			return nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("invalid battery level"))
		}

		return []bluetooth.Event{
			bluetooth.NewEvent(bluetooth.EventBatteryInfo, bluetooth.BatteryInfo{Level: int(frame.Data[0])}),
		}, nil

	case FirmwareEndpoint:
		return []bluetooth.Event{
			bluetooth.NewEvent(bluetooth.EventVersionInfo, bluetooth.VersionInfo{Firmware: string(frame.Data)}),
		}, nil

	case DataEndpoint:
		var msg dataMessage
		if err := decMode.Unmarshal(frame.Data, &msg); err != nil {
			return nil, errors.Join(errorkinds.ErrMalformedResponse, err)
		}

		ev, err := msg.event()
		if err != nil {
			return nil, err
		}

		return []bluetooth.Event{ev}, nil
	}

	return nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("unexpected endpoint "+frame.Endpoint.String()))
}

func (m dataMessage) event() (bluetooth.Event, error) {
	switch m.Kind {
	case kindSample:
		sample := bluetooth.Measurement{
			Type:  m.Type,
			Value: m.Value,
			Unit:  m.Unit,
		}
		// Samples without a sensor clock are stamped on arrival.
		if m.TakenMs != 0 {
			sample.Taken = time.UnixMilli(m.TakenMs)
		}

		ev := bluetooth.NewEvent(bluetooth.EventMeasurement, sample)
		ev.Time = sample.Taken

		return ev, nil

	case kindConfig:
		return bluetooth.NewEvent(bluetooth.EventMeasurementConfig, bluetooth.MeasurementConfig{
			Streaming: m.Streaming,
			Interval:  time.Duration(m.IntervalMs) * time.Millisecond,
		}), nil

	case kindError:
		return bluetooth.NewEvent(bluetooth.EventError, bluetooth.DeviceError{Code: m.Code, Message: m.Message}), nil
	}

	return bluetooth.Event{}, errors.Join(errorkinds.ErrMalformedResponse, fmt.Errorf("unknown message kind %d", m.Kind))
}
