package bluetooth

import "time"

// FrameKind describes how an outbound frame is applied to the link.
type FrameKind uint8

const (
	// FrameWrite writes Data to the endpoint.
	FrameWrite FrameKind = iota
	// FrameRead reads the endpoint; the value read is decoded like any
	// inbound frame.
	FrameRead
	// FrameSubscribe enables notifications on the endpoint.
	FrameSubscribe
	// FrameUnsubscribe disables notifications on the endpoint.
	FrameUnsubscribe
	// FrameDelay pauses the link for Delay.
	FrameDelay
)

func (k FrameKind) String() string {
	switch k {
	case FrameWrite:
		return "write"
	case FrameRead:
		return "read"
	case FrameSubscribe:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	case FrameDelay:
		return "delay"
	}

	return "unknown"
}

// Frame is an opaque outbound unit produced by a codec.
type Frame struct {
	Kind         FrameKind
	Endpoint     Endpoint
	Data         []byte
	WithResponse bool
	Delay        time.Duration
	Timeout      time.Duration
}

// WriteFrame returns a write frame.
func WriteFrame(ep Endpoint, data []byte, withResponse bool) Frame {
	return Frame{Kind: FrameWrite, Endpoint: ep, Data: data, WithResponse: withResponse}
}

// ReadFrame returns a read frame.
func ReadFrame(ep Endpoint) Frame {
	return Frame{Kind: FrameRead, Endpoint: ep}
}

// SubscribeFrame returns a notification enable or disable frame.
func SubscribeFrame(ep Endpoint, enable bool) Frame {
	if !enable {
		return Frame{Kind: FrameUnsubscribe, Endpoint: ep}
	}

	return Frame{Kind: FrameSubscribe, Endpoint: ep}
}

// DelayFrame returns a link pause.
func DelayFrame(d time.Duration) Frame {
	return Frame{Kind: FrameDelay, Delay: d}
}

// Request is the encoded form of a command.
type Request struct {
	Frames []Frame

	// Reply, when not EventNone, couples the request to the first inbound
	// event of that kind: the transaction completes only once it arrives.
	Reply EventKind

	// ContinueOnError keeps executing frames after a failed one.
	ContinueOnError bool

	// Abortable allows a compensating command to cancel this request
	// while it is executing.
	Abortable bool
}

// InboundFrame is an opaque inbound unit handed to a codec.
type InboundFrame struct {
	Endpoint Endpoint
	Data     []byte
}

// Codec maps domain commands to outbound frames and inbound frames to
// events. Implementations may keep state only to reassemble frames split
// across several Decode calls.
type Codec interface {
	// Encode converts a command to a request.
	Encode(cmd Command) (Request, error)

	// Decode converts an inbound frame into zero or more events.
	// It must not block.
	Decode(frame InboundFrame) ([]Event, error)
}

// Initializer is implemented by codecs that prepare the link once it is
// open, for example by enabling notifications. The request runs ahead of
// every command.
type Initializer interface {
	Init() Request
}
