// Package serial implements a byte stream transport over a serial port.
// Every chunk read from the port is handed to the codec, which reassembles
// protocol frames.
package serial

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// Opener opens the port described by cfg.
type Opener func(cfg *serial.Config) (io.ReadWriteCloser, error)

// Option configures a Transport.
type Option func(t *Transport)

// WithBaud sets the line speed.
func WithBaud(baud int) Option {
	return func(t *Transport) {
		if baud > 0 {
			t.cfg.Baud = baud
		}
	}
}

// WithReadTimeout sets how long a single port read waits for data.
func WithReadTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.cfg.ReadTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// WithOpener replaces the function used to open the port.
func WithOpener(open Opener) Option {
	return func(t *Transport) {
		t.opener = open
	}
}

// Transport is a serial port link.
type Transport struct {
	cfg    serial.Config
	opener Opener
	log    *zap.Logger

	port    io.ReadWriteCloser
	handler bluetooth.InboundHandler
	lost    chan error
	stop    chan struct{}
	wg      sync.WaitGroup
	open    bool

	writeMu sync.Mutex
	mu      sync.Mutex
}

var _ bluetooth.Transport = (*Transport)(nil)

// New returns a transport for the named port, for example /dev/ttyUSB0 or COM3.
func New(port string, opts ...Option) *Transport {
	t := &Transport{
		cfg: serial.Config{
			Name:        port,
			Baud:        115200,
			ReadTimeout: 500 * time.Millisecond,
		},
		opener: openPort,
		log:    zap.NewNop(),
		lost:   make(chan error, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func openPort(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(cfg)
}

// Open opens the port and starts the read loop.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return errorkinds.ErrAlreadyOpen
	}

	cfg := t.cfg
	port, err := t.opener(&cfg)
	if err != nil {
		return fault.Wrap(errors.Join(errorkinds.ErrTransportError, err),
			fctx.With(fctx.WithMeta(ctx, "port", t.cfg.Name)),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot open serial port"),
		)
	}

	t.port = port
	t.stop = make(chan struct{})
	t.open = true

	t.wg.Add(1)
	go t.readLoop(port, t.stop, t.handler)

	t.log.Info("serial link open", zap.String("port", t.cfg.Name), zap.Int("baud", t.cfg.Baud))

	return nil
}

// Close stops the read loop and closes the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}

	t.open = false
	close(t.stop)
	port := t.port
	t.mu.Unlock()

	err := port.Close()
	t.wg.Wait()

	return err
}

// OnInboundFrame registers the inbound callback.
func (t *Transport) OnInboundFrame(handler bluetooth.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// ConnectionLost delivers the error that ended the read loop.
func (t *Transport) ConnectionLost() <-chan error {
	return t.lost
}

// WriteFrame writes data to the port. Serial links have no acknowledgement,
// so withResponse is ignored.
func (t *Transport) WriteFrame(ctx context.Context, ep bluetooth.Endpoint, data []byte, _ bool) error {
	if !ep.IsStream() {
		return errorkinds.ErrNotSupported
	}

	t.mu.Lock()
	port, open := t.port, t.open
	t.mu.Unlock()

	if !open {
		return errorkinds.ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			return errors.Join(errorkinds.ErrDisconnected, err)
		}
		data = data[n:]
	}

	return nil
}

// ReadFrame is not supported on a byte stream.
func (t *Transport) ReadFrame(context.Context, bluetooth.Endpoint) ([]byte, error) {
	return nil, errorkinds.ErrNotSupported
}

// SetNotify has no effect; a byte stream always delivers inbound data.
func (t *Transport) SetNotify(context.Context, bluetooth.Endpoint, bool) error {
	if !t.isOpen() {
		return errorkinds.ErrDisconnected
	}

	return nil
}

func (t *Transport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.open
}

func (t *Transport) readLoop(port io.Reader, stop chan struct{}, handler bluetooth.InboundHandler) {
	defer t.wg.Done()

	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)

		select {
		case <-stop:
			return
		default:
		}

		if n > 0 && handler != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handler(bluetooth.InboundFrame{Endpoint: bluetooth.StreamEndpoint, Data: chunk})
		}

		switch {
		case err == nil, errors.Is(err, io.EOF) && n == 0:
			continue
		}

		t.log.Warn("serial read failed", zap.String("port", t.cfg.Name), zap.Error(err))

		select {
		case t.lost <- errors.Join(errorkinds.ErrDisconnected, err):
		default:
		}

		return
	}
}
