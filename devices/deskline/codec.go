package deskline

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/internal/serde"
)

// Height range of the lifting columns.
const (
	MinHeight = 620
	MaxHeight = 1270
)

// maxLineLength bounds a buffered partial line.
const maxLineLength = 4096

// hostMessage is one line written to the controller.
type hostMessage struct {
	Cmd         string               `json:"cmd"`
	Millimeters uint16               `json:"mm,omitempty"`
	Light       *bluetooth.LightArgs `json:"light,omitempty"`
}

// deviceMessage is one line sent by the controller.
type deviceMessage struct {
	Event       string               `json:"evt"`
	Millimeters uint16               `json:"mm,omitempty"`
	Moving      bool                 `json:"moving,omitempty"`
	Light       *bluetooth.LightArgs `json:"light,omitempty"`
	Code        int                  `json:"code,omitempty"`
	Message     string               `json:"message,omitempty"`
}

// Codec speaks the controller's JSON lines protocol. It buffers partial
// lines and must not be shared between sessions.
type Codec struct {
	partial []byte
}

var _ bluetooth.Codec = (*Codec)(nil)

// NewCodec returns a new codec.
func NewCodec() bluetooth.Codec {
	return &Codec{}
}

// Encode converts a command to a controller line.
func (c *Codec) Encode(cmd bluetooth.Command) (bluetooth.Request, error) {
	var (
		msg   hostMessage
		reply bluetooth.EventKind
		abort bool
	)

	switch cmd.Kind {
	case bluetooth.CommandSetHeight:
		args, ok := cmd.Args.(bluetooth.HeightArgs)
		if !ok {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, errors.New("set-height needs HeightArgs"))
		}
		if args.Millimeters < MinHeight || args.Millimeters > MaxHeight {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode,
				fmt.Errorf("height %dmm outside %d..%dmm", args.Millimeters, MinHeight, MaxHeight))
		}

		msg = hostMessage{Cmd: "move", Millimeters: args.Millimeters}
		reply, abort = bluetooth.EventHeight, true

	case bluetooth.CommandStopMotion:
		msg = hostMessage{Cmd: "stop"}
		reply = bluetooth.EventHeight

	case bluetooth.CommandSetLight:
		args, ok := cmd.Args.(bluetooth.LightArgs)
		if !ok {
			return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, errors.New("set-light needs LightArgs"))
		}

		msg = hostMessage{Cmd: "light", Light: &args}
		reply = bluetooth.EventLight

	case bluetooth.CommandStatusRequest:
		msg = hostMessage{Cmd: "status"}
		reply = bluetooth.EventStatus

	default:
		return bluetooth.Request{}, errorkinds.ErrNotSupported
	}

	line, err := serde.MarshalJsonLine(msg)
	if err != nil {
		return bluetooth.Request{}, errors.Join(errorkinds.ErrEncode, err)
	}

	return bluetooth.Request{
		Frames:    []bluetooth.Frame{bluetooth.WriteFrame(bluetooth.StreamEndpoint, line, false)},
		Reply:     reply,
		Abortable: abort,
	}, nil
}

// Decode splits the byte stream into lines and decodes every complete one.
// Lines that cannot be decoded are reported while the others still produce
// events.
func (c *Codec) Decode(frame bluetooth.InboundFrame) ([]bluetooth.Event, error) {
	c.partial = append(c.partial, frame.Data...)

	var (
		events []bluetooth.Event
		errs   []error
	)

	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}

		line := bytes.TrimSpace(c.partial[:i])
		c.partial = c.partial[i+1:]

		if len(line) == 0 {
			continue
		}

		ev, err := decodeLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		events = append(events, ev)
	}

	if len(c.partial) > maxLineLength {
		c.partial = nil
		errs = append(errs, errors.Join(errorkinds.ErrMalformedResponse, errors.New("line too long")))
	}
	if len(c.partial) == 0 {
		c.partial = nil
	}

	return events, errors.Join(errs...)
}

func decodeLine(line []byte) (bluetooth.Event, error) {
	var msg deviceMessage
	if err := serde.UnmarshalJson(line, &msg); err != nil {
		return bluetooth.Event{}, errors.Join(errorkinds.ErrMalformedResponse, err)
	}

	switch msg.Event {
	case "height":
		return bluetooth.NewEvent(bluetooth.EventHeight, bluetooth.DeskStatus{
			Millimeters: msg.Millimeters,
			Moving:      msg.Moving,
		}), nil

	case "status":
		return bluetooth.NewEvent(bluetooth.EventStatus, bluetooth.DeskStatus{
			Millimeters: msg.Millimeters,
			Moving:      msg.Moving,
		}), nil

	case "light":
		if msg.Light == nil {
			break
		}

		return bluetooth.NewEvent(bluetooth.EventLight, *msg.Light), nil

	case "error":
		return bluetooth.NewEvent(bluetooth.EventError, bluetooth.DeviceError{Code: msg.Code, Message: msg.Message}), nil
	}

	return bluetooth.Event{}, errors.Join(errorkinds.ErrMalformedResponse, fmt.Errorf("unknown line %q", line))
}
