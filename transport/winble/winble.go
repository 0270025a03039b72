//go:build windows

// Package winble implements a BLE GATT transport on the Windows Bluetooth
// stack.
package winble

import (
	"context"
	"errors"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/google/uuid"
	"go.uber.org/zap"
	tinyble "tinygo.org/x/bluetooth"
)

var (
	adapter     = tinyble.DefaultAdapter
	adapterOnce sync.Once
	adapterErr  error

	// links routes adapter connection events to the owning transport.
	links sync.Map
)

// enableAdapter enables the default adapter once per process.
func enableAdapter() error {
	adapterOnce.Do(func() {
		if adapterErr = adapter.Enable(); adapterErr != nil {
			return
		}

		adapter.SetConnectHandler(func(device tinyble.Device, connected bool) {
			if connected {
				return
			}

			if t, ok := links.Load(device.Address.String()); ok {
				t.(*Transport).disconnected()
			}
		})
	})

	return adapterErr
}

// Option configures a Transport.
type Option func(t *Transport)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// Transport is a GATT client link to one device.
type Transport struct {
	address bluetooth.MacAddress
	log     *zap.Logger

	device tinyble.Device
	chars  map[bluetooth.Endpoint]tinyble.DeviceCharacteristic

	handler bluetooth.InboundHandler
	lost    chan error
	open    bool

	mu sync.Mutex
}

var _ bluetooth.Transport = (*Transport)(nil)

// New returns a transport for the device with the given address.
func New(address bluetooth.MacAddress, opts ...Option) *Transport {
	t := &Transport{
		address: address,
		log:     zap.NewNop(),
		lost:    make(chan error, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Open connects the device and discovers every service and characteristic.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return errorkinds.ErrAlreadyOpen
	}

	if err := enableAdapter(); err != nil {
		return t.wrap(ctx, err, "enable-adapter", "Cannot enable the Bluetooth adapter")
	}

	mac, err := tinyble.ParseMAC(t.address.String())
	if err != nil {
		return t.wrap(ctx, errors.Join(errorkinds.ErrInvalidAddress, err), "parse-address", "Invalid device address")
	}

	type result struct {
		device tinyble.Device
		err    error
	}

	connected := make(chan result, 1)
	go func() {
		device, err := adapter.Connect(tinyble.Address{MACAddress: tinyble.MACAddress{MAC: mac}}, tinyble.ConnectionParams{})
		connected <- result{device, err}
	}()

	var res result
	select {
	case res = <-connected:
	case <-ctx.Done():
		return t.wrap(ctx, ctx.Err(), "connect-device", "Connection attempt timed out")
	}
	if res.err != nil {
		return t.wrap(ctx, res.err, "connect-device", "Cannot connect to device")
	}
	t.device = res.device

	if err := t.discover(); err != nil {
		t.device.Disconnect()
		return t.wrap(ctx, err, "discover-services", "Cannot discover GATT services")
	}

	t.open = true
	links.Store(t.address.String(), t)

	t.log.Info("windows ble link open",
		zap.Stringer("address", t.address),
		zap.Int("characteristics", len(t.chars)),
	)

	return nil
}

// Close disconnects the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil
	}

	t.open = false
	links.Delete(t.address.String())

	return t.device.Disconnect()
}

// OnInboundFrame registers the notification callback.
func (t *Transport) OnInboundFrame(handler bluetooth.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// ConnectionLost delivers an error when the stack reports the device gone.
func (t *Transport) ConnectionLost() <-chan error {
	return t.lost
}

// WriteFrame writes a characteristic value.
func (t *Transport) WriteFrame(ctx context.Context, ep bluetooth.Endpoint, data []byte, withResponse bool) error {
	char, err := t.characteristic(ep)
	if err != nil {
		return err
	}

	return run(ctx, func() error {
		var err error
		if withResponse {
			_, err = char.Write(data)
		} else {
			_, err = char.WriteWithoutResponse(data)
		}

		return err
	})
}

// ReadFrame reads a characteristic value.
func (t *Transport) ReadFrame(ctx context.Context, ep bluetooth.Endpoint) ([]byte, error) {
	char, err := t.characteristic(ep)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	var n int

	err = run(ctx, func() error {
		var err error
		n, err = char.Read(buf)

		return err
	})
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// SetNotify enables or disables notifications on a characteristic.
func (t *Transport) SetNotify(ctx context.Context, ep bluetooth.Endpoint, enable bool) error {
	char, err := t.characteristic(ep)
	if err != nil {
		return err
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	var callback func([]byte)
	if enable && handler != nil {
		callback = func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			handler(bluetooth.InboundFrame{Endpoint: ep, Data: data})
		}
	}

	return run(ctx, func() error {
		return char.EnableNotifications(callback)
	})
}

func (t *Transport) discover() error {
	services, err := t.device.DiscoverServices(nil)
	if err != nil {
		return err
	}

	t.chars = make(map[bluetooth.Endpoint]tinyble.DeviceCharacteristic)
	for _, service := range services {
		serviceID, err := uuid.Parse(service.UUID().String())
		if err != nil {
			continue
		}

		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return err
		}

		for _, char := range chars {
			charID, err := uuid.Parse(char.UUID().String())
			if err != nil {
				continue
			}

			t.chars[bluetooth.Endpoint{Service: serviceID, Characteristic: charID}] = char
		}
	}

	if len(t.chars) == 0 {
		return errorkinds.ErrNotSupported
	}

	return nil
}

func (t *Transport) characteristic(ep bluetooth.Endpoint) (tinyble.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return tinyble.DeviceCharacteristic{}, errorkinds.ErrDisconnected
	}

	char, ok := t.chars[ep]
	if !ok {
		return tinyble.DeviceCharacteristic{}, fault.Wrap(errorkinds.ErrNotSupported,
			fctx.With(fctx.WithMeta(context.Background(), "endpoint", ep.String())),
			ftag.With(ftag.NotFound),
			fmsg.With("Device has no such characteristic"),
		)
	}

	return char, nil
}

func (t *Transport) disconnected() {
	t.mu.Lock()
	wasOpen := t.open
	t.open = false
	t.mu.Unlock()

	if !wasOpen {
		return
	}

	links.Delete(t.address.String())
	t.log.Warn("windows ble reported device disconnected", zap.Stringer("address", t.address))

	select {
	case t.lost <- errorkinds.ErrDisconnected:
	default:
	}
}

func (t *Transport) wrap(ctx context.Context, err error, at, msg string) error {
	return fault.Wrap(errors.Join(errorkinds.ErrTransportError, err),
		fctx.With(fctx.WithMeta(ctx, "error_at", at, "address", t.address.String())),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

// run executes a blocking stack call and gives up when ctx ends. The call
// itself cannot be interrupted and finishes in the background.
func run(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		if err != nil {
			return errors.Join(errorkinds.ErrTransportError, err)
		}

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
