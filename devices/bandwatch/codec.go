package bandwatch

import (
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
)

// Nordic UART service endpoints used by the band firmware.
var (
	TxEndpoint = bluetooth.GattEndpoint("6e400001-b5a3-f393-e0a9-e50e24dcca9e", "6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	RxEndpoint = bluetooth.GattEndpoint("6e400001-b5a3-f393-e0a9-e50e24dcca9e", "6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

const maxTitleLength = 255

// Codec encodes commands to band frames and decodes band notifications.
// It holds reassembly state and must not be shared between sessions.
type Codec struct {
	rx reassembler
}

var (
	_ bluetooth.Codec       = (*Codec)(nil)
	_ bluetooth.Initializer = (*Codec)(nil)
)

// NewCodec returns a new codec.
func NewCodec() bluetooth.Codec {
	return &Codec{}
}

// Init enables notifications on the receive characteristic.
func (c *Codec) Init() bluetooth.Request {
	return bluetooth.Request{
		Frames: []bluetooth.Frame{bluetooth.SubscribeFrame(RxEndpoint, true)},
	}
}

// Encode converts a command to band frames.
func (c *Codec) Encode(cmd bluetooth.Command) (bluetooth.Request, error) {
	switch cmd.Kind {
	case bluetooth.CommandBatteryRequest:
		return request(opBattery, nil, bluetooth.EventBatteryInfo), nil

	case bluetooth.CommandTimeSync:
		at := time.Now()
		if args, ok := cmd.Args.(bluetooth.TimeSyncArgs); ok && !args.Time.IsZero() {
			at = args.Time
		}

		return request(opTimeSync, encodeTime(at), bluetooth.EventTimeSync), nil

	case bluetooth.CommandVibrate:
		args := bluetooth.VibrateArgs{Intensity: 100, Repeat: 1}
		if a, ok := cmd.Args.(bluetooth.VibrateArgs); ok {
			args = a
		}

		req := request(opVibrate, []byte{args.Intensity, args.Repeat}, bluetooth.EventVibration)
		req.Abortable = true

		return req, nil

	case bluetooth.CommandStopVibrate:
		return request(opStopVibrate, nil, bluetooth.EventVibration), nil

	case bluetooth.CommandNotification:
		args, ok := cmd.Args.(bluetooth.NotificationArgs)
		if !ok {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, errors.New("notification needs NotificationArgs"))
		}

		return request(opNotify, encodeNotification(args), bluetooth.EventNotificationAck), nil

	case bluetooth.CommandVersionRequest:
		return request(opVersion, nil, bluetooth.EventVersionInfo), nil

	case bluetooth.CommandFindDevice:
		start := true
		if args, ok := cmd.Args.(bluetooth.FindDeviceArgs); ok {
			start = args.Start
		}

		return request(opFindDevice, []byte{boolByte(start)}, bluetooth.EventFindDevice), nil
	}

	return bluetooth.Request{}, errorkinds.ErrNotSupported
}

// Decode converts a band notification into events. Fragments of a longer
// message produce no events until the message is complete.
func (c *Codec) Decode(frame bluetooth.InboundFrame) ([]bluetooth.Event, error) {
	if frame.Endpoint != RxEndpoint {
		return nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("unexpected endpoint "+frame.Endpoint.String()))
	}

	opcode, payload, complete, err := c.rx.push(frame.Data)
	if err != nil || !complete {
		return nil, err
	}

	ev, err := decodeMessage(opcode, payload)
	if err != nil {
		return nil, err
	}

	return []bluetooth.Event{ev}, nil
}

func decodeMessage(opcode byte, p []byte) (bluetooth.Event, error) {
	switch opcode {
	case opBattery:
		if len(p) < 2 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventBatteryInfo, bluetooth.BatteryInfo{
			Level:    int(p[0]),
			Charging: p[1] != 0,
		}), nil

	case opTimeSync:
		if len(p) < 6 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventTimeSync, decodeTime(p)), nil

	case opVibrate, opStopVibrate:
		if len(p) < 3 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventVibration, bluetooth.VibrationState{
			Active:    p[0] != 0,
			Intensity: p[1],
			Repeat:    p[2],
		}), nil

	case opNotify:
		if len(p) < 4 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventNotificationAck, bluetooth.NotificationAck{
			ID: binary.BigEndian.Uint32(p),
		}), nil

	case opVersion:
		if len(p) < 1 || len(p) < 1+int(p[0]) {
			break
		}

		n := 1 + int(p[0])

		return bluetooth.NewEvent(bluetooth.EventVersionInfo, bluetooth.VersionInfo{
			Firmware: string(p[1:n]),
			Hardware: string(p[n:]),
		}), nil

	case opFindDevice:
		if len(p) < 1 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventFindDevice, bluetooth.FindDeviceState{Active: p[0] != 0}), nil

	case opError:
		if len(p) < 1 {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventError, bluetooth.DeviceError{
			Code:    int(p[0]),
			Message: string(p[1:]),
		}), nil
	}

	return bluetooth.Event{}, errors.Join(errorkinds.ErrMalformedResponse, errors.New("unknown or short message"))
}

func request(opcode byte, payload []byte, reply bluetooth.EventKind) bluetooth.Request {
	frames := packFrames(opcode, payload)

	req := bluetooth.Request{
		Frames: make([]bluetooth.Frame, 0, len(frames)),
		Reply:  reply,
	}
	for _, f := range frames {
		req.Frames = append(req.Frames, bluetooth.WriteFrame(TxEndpoint, f, true))
	}

	return req
}

// encodeTime writes unix seconds followed by the UTC offset in minutes.
func encodeTime(t time.Time) []byte {
	_, offset := t.Zone()

	b := binary.BigEndian.AppendUint32(nil, uint32(t.Unix()))
	return binary.BigEndian.AppendUint16(b, uint16(int16(offset/60)))
}

func decodeTime(p []byte) time.Time {
	secs := int64(binary.BigEndian.Uint32(p))
	offset := int(int16(binary.BigEndian.Uint16(p[4:])))

	return time.Unix(secs, 0).In(time.FixedZone("", offset*60))
}

// encodeNotification writes the id, the length prefixed title and the body.
func encodeNotification(n bluetooth.NotificationArgs) []byte {
	title := n.Title
	if len(title) > maxTitleLength {
		cut := maxTitleLength
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}

	b := binary.BigEndian.AppendUint32(nil, n.ID)
	b = append(b, byte(len(title)))
	b = append(b, title...)

	return append(b, n.Body...)
}

func decodeNotification(p []byte) (bluetooth.NotificationArgs, bool) {
	if len(p) < 5 || len(p) < 5+int(p[4]) {
		return bluetooth.NotificationArgs{}, false
	}

	n := 5 + int(p[4])

	return bluetooth.NotificationArgs{
		ID:    binary.BigEndian.Uint32(p),
		Title: string(p[5:n]),
		Body:  string(p[n:]),
	}, true
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}
