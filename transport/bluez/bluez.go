// Package bluez implements a BLE GATT transport on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	bluezBus          = "org.bluez"
	bluezDevice       = bluezBus + ".Device1"
	bluezGattService  = bluezBus + ".GattService1"
	bluezGattChar     = bluezBus + ".GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	errNotConnected = "org.bluez.Error.NotConnected"
)

// ServicesResolvedTimeout bounds the wait for GATT service discovery.
const ServicesResolvedTimeout = 15 * time.Second

// Option configures a Transport.
type Option func(t *Transport)

// WithAdapter sets the adapter name, for example hci0.
func WithAdapter(adapter string) Option {
	return func(t *Transport) {
		if adapter != "" {
			t.adapter = adapter
		}
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

// Transport is a BlueZ GATT client link to one device.
type Transport struct {
	address bluetooth.MacAddress
	adapter string
	log     *zap.Logger

	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	chars      map[bluetooth.Endpoint]dbus.ObjectPath
	endpoints  map[dbus.ObjectPath]bluetooth.Endpoint

	handler bluetooth.InboundHandler
	lost    chan error
	signals chan *dbus.Signal
	stop    chan struct{}
	wg      sync.WaitGroup
	open    bool

	mu sync.Mutex
}

var _ bluetooth.Transport = (*Transport)(nil)

// New returns a transport for the device with the given address.
func New(address bluetooth.MacAddress, opts ...Option) *Transport {
	t := &Transport{
		address: address,
		adapter: "hci0",
		log:     zap.NewNop(),
		lost:    make(chan error, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Open connects the device, waits for service discovery and maps every
// GATT characteristic of the device.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return errorkinds.ErrAlreadyOpen
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return t.wrap(ctx, err, "connect-bus", "Cannot connect to the system bus")
	}
	t.conn = conn
	t.devicePath = adapterDevicePath(t.adapter, t.address)

	if err := t.connectDevice(ctx); err != nil {
		return t.wrap(ctx, err, "connect-device", "Cannot connect to device")
	}

	if err := t.waitServicesResolved(ctx); err != nil {
		t.disconnectDevice()
		return t.wrap(ctx, err, "resolve-services", "Service discovery did not complete")
	}

	if err := t.discoverCharacteristics(); err != nil {
		t.disconnectDevice()
		return t.wrap(ctx, err, "discover-characteristics", "Cannot map GATT characteristics")
	}

	if err := t.listen(); err != nil {
		t.disconnectDevice()
		return t.wrap(ctx, err, "add-match", "Cannot subscribe to property changes")
	}

	t.open = true
	t.log.Info("bluez link open",
		zap.Stringer("address", t.address),
		zap.String("adapter", t.adapter),
		zap.Int("characteristics", len(t.chars)),
	)

	return nil
}

// Close stops listening for notifications and disconnects the device.
// The shared system bus connection is left open.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}

	t.open = false
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()

	t.conn.RemoveSignal(t.signals)
	t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, t.matchRule())
	t.disconnectDevice()

	return nil
}

// OnInboundFrame registers the notification callback.
func (t *Transport) OnInboundFrame(handler bluetooth.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// ConnectionLost delivers an error when BlueZ reports the device gone.
func (t *Transport) ConnectionLost() <-chan error {
	return t.lost
}

// WriteFrame writes a characteristic value. A write with response waits for
// the device acknowledgement.
func (t *Transport) WriteFrame(ctx context.Context, ep bluetooth.Endpoint, data []byte, withResponse bool) error {
	path, err := t.characteristic(ep)
	if err != nil {
		return err
	}

	writeType := "command"
	if withResponse {
		writeType = "request"
	}

	call := t.conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant(writeType),
	})

	return mapError(call.Err)
}

// ReadFrame reads a characteristic value.
func (t *Transport) ReadFrame(ctx context.Context, ep bluetooth.Endpoint) ([]byte, error) {
	path, err := t.characteristic(ep)
	if err != nil {
		return nil, err
	}

	call := t.conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, mapError(call.Err)
	}

	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, errors.Join(errorkinds.ErrMalformedResponse, err)
	}

	return data, nil
}

// SetNotify starts or stops notifications on a characteristic.
func (t *Transport) SetNotify(ctx context.Context, ep bluetooth.Endpoint, enable bool) error {
	path, err := t.characteristic(ep)
	if err != nil {
		return err
	}

	method := bluezGattChar + ".StopNotify"
	if enable {
		method = bluezGattChar + ".StartNotify"
	}

	return mapError(t.conn.Object(bluezBus, path).CallWithContext(ctx, method, 0).Err)
}

func (t *Transport) characteristic(ep bluetooth.Endpoint) (dbus.ObjectPath, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return "", errorkinds.ErrDisconnected
	}

	path, ok := t.chars[ep]
	if !ok {
		return "", fault.Wrap(errorkinds.ErrNotSupported,
			fctx.With(fctx.WithMeta(context.Background(), "endpoint", ep.String())),
			ftag.With(ftag.NotFound),
			fmsg.With("Device has no such characteristic"),
		)
	}

	return path, nil
}

// connectDevice initiates the BLE connection via BlueZ.
func (t *Transport) connectDevice(ctx context.Context) error {
	connected, err := getDBusProperty[bool](t.conn, t.devicePath, bluezDevice, "Connected")
	if err == nil && connected {
		return nil
	}

	call := t.conn.Object(bluezBus, t.devicePath).CallWithContext(ctx, bluezDevice+".Connect", 0)

	return call.Err
}

func (t *Transport) disconnectDevice() {
	if t.conn == nil || t.devicePath == "" {
		return
	}

	t.conn.Object(bluezBus, t.devicePath).Call(bluezDevice+".Disconnect", 0)
}

// waitServicesResolved waits for BlueZ to complete GATT service discovery.
func (t *Transport) waitServicesResolved(ctx context.Context) error {
	deadline := time.NewTimer(ServicesResolvedTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			return errorkinds.ErrActionTimeout

		case <-ticker.C:
			resolved, err := getDBusProperty[bool](t.conn, t.devicePath, bluezDevice, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

// discoverCharacteristics maps every characteristic under the device to
// its service and characteristic UUIDs.
func (t *Transport) discoverCharacteristics() error {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

	call := t.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return call.Err
	}
	if err := call.Store(&objects); err != nil {
		return err
	}

	devicePrefix := string(t.devicePath) + "/"
	services := make(map[dbus.ObjectPath]uuid.UUID)

	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}

		if id, ok := variantUUID(props["UUID"]); ok {
			services[path] = id
		}
	}

	t.chars = make(map[bluetooth.Endpoint]dbus.ObjectPath)
	t.endpoints = make(map[dbus.ObjectPath]bluetooth.Endpoint)

	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}

		charID, ok := variantUUID(props["UUID"])
		if !ok {
			continue
		}

		servicePath, _ := props["Service"].Value().(dbus.ObjectPath)
		ep := bluetooth.Endpoint{Service: services[servicePath], Characteristic: charID}

		t.chars[ep] = path
		t.endpoints[path] = ep
	}

	if len(t.chars) == 0 {
		return errorkinds.ErrNotSupported
	}

	return nil
}

func (t *Transport) matchRule() string {
	return "type='signal',sender='" + bluezBus + "',interface='" + dbusProperties +
		"',member='PropertiesChanged',path_namespace='" + string(t.devicePath) + "'"
}

// listen subscribes to property changes of the device and its
// characteristics.
func (t *Transport) listen() error {
	call := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, t.matchRule())
	if call.Err != nil {
		return call.Err
	}

	t.signals = make(chan *dbus.Signal, 64)
	t.stop = make(chan struct{})
	t.conn.Signal(t.signals)

	t.wg.Add(1)
	go t.receive(t.signals, t.stop, t.handler)

	return nil
}

func (t *Transport) receive(signals chan *dbus.Signal, stop chan struct{}, handler bluetooth.InboundHandler) {
	defer t.wg.Done()

	for {
		select {
		case <-stop:
			return

		case sig, ok := <-signals:
			if !ok {
				return
			}

			if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}

			iface, _ := sig.Body[0].(string)
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}

			switch {
			case iface == bluezDevice && sig.Path == t.devicePath:
				if connected, ok := changed["Connected"].Value().(bool); ok && !connected {
					t.log.Warn("bluez reported device disconnected", zap.Stringer("address", t.address))

					select {
					case t.lost <- errorkinds.ErrDisconnected:
					default:
					}

					return
				}

			case iface == bluezGattChar:
				value, ok := changed["Value"].Value().([]byte)
				if !ok || handler == nil {
					continue
				}

				ep, ok := t.endpoints[sig.Path]
				if !ok {
					continue
				}

				handler(bluetooth.InboundFrame{Endpoint: ep, Data: value})
			}
		}
	}
}

func (t *Transport) wrap(ctx context.Context, err error, at, msg string) error {
	return fault.Wrap(errors.Join(errorkinds.ErrTransportError, err),
		fctx.With(fctx.WithMeta(ctx, "error_at", at, "address", t.address.String())),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	var derr dbus.Error
	if errors.As(err, &derr) && derr.Name == errNotConnected {
		return errors.Join(errorkinds.ErrDisconnected, err)
	}

	return errors.Join(errorkinds.ErrTransportError, err)
}

// adapterDevicePath converts an address to a BlueZ object path, for example
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func adapterDevicePath(adapter string, address bluetooth.MacAddress) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(address.String(), ":", "_"))
}

func variantUUID(v dbus.Variant) (uuid.UUID, bool) {
	s, ok := v.Value().(string)
	if !ok {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(s)

	return id, err == nil
}

// getDBusProperty reads a property from a BlueZ object.
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T

	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}

	val, ok := variant.Value().(T)
	if !ok {
		return zero, errorkinds.ErrMalformedResponse
	}

	return val, nil
}
