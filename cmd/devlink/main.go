// Command devlink connects to a supported device and opens an interactive
// shell that sends commands and prints the events the device reports.
//
// Usage:
//
//	devlink [flags]
//
// Flags:
//
//	-config string    Configuration file path
//	-address string   Bluetooth address of the device
//	-port string      Serial port of the device
//	-name string      Advertised device name, used to pick the device family
//	-family string    Device family, overrides name matching
//	-simulate         Connect to an in-memory simulation of the family
//	-log-level string Log level override
//
// Examples:
//
//	# Connect to a band over Bluetooth
//	devlink -address C4:7C:8D:01:02:03 -name "BandWatch 4"
//
//	# Drive a simulated desk controller
//	devlink -family deskline -simulate
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/bluetuith-org/api-devices/devices/bandwatch"
	"github.com/bluetuith-org/api-devices/devices/deskline"
	"github.com/bluetuith-org/api-devices/devices/pulsesensor"
	"github.com/bluetuith-org/api-devices/internal/logging"
	"github.com/bluetuith-org/api-devices/manager"
	"github.com/bluetuith-org/api-devices/platform"
	"github.com/bluetuith-org/api-devices/session"
	"go.uber.org/zap"
)

// Options holds the command line flags.
type Options struct {
	ConfigFile string
	Address    string
	Port       string
	Name       string
	Family     string
	Simulate   bool
	LogLevel   string
}

var options Options

func init() {
	flag.StringVar(&options.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&options.Address, "address", "", "Bluetooth address of the device")
	flag.StringVar(&options.Port, "port", "", "Serial port of the device")
	flag.StringVar(&options.Name, "name", "", "Advertised device name, used to pick the device family")
	flag.StringVar(&options.Family, "family", "", "Device family, overrides name matching")
	flag.BoolVar(&options.Simulate, "simulate", false, "Connect to an in-memory simulation of the family")
	flag.StringVar(&options.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "devlink:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(options.ConfigFile)
	if err != nil {
		return err
	}
	if options.LogLevel != "" {
		cfg.Logging.Level = options.LogLevel
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	info := platform.Info()
	log.Info("devlink starting", zap.String("os", info.OS), zap.Stringer("stack", info.Stack))

	registry := Registry()
	m := manager.New(registry,
		manager.WithConfig(cfg),
		manager.WithLogger(log),
		manager.WithStateHook(func(identity bluetooth.DeviceIdentity, state bluetooth.ConnectionState) {
			log.Info("device state", zap.Stringer("device", identity), zap.Stringer("state", state))
		}),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.DrainTimeout)
		defer cancel()

		if err := m.Shutdown(ctx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := connect(ctx, m, registry, cfg)
	if err != nil {
		return err
	}

	shell, err := NewShell(s, log)
	if err != nil {
		return err
	}

	return shell.Run(ctx)
}

// Registry returns a registry holding every supported device family.
func Registry() *coordinator.Registry {
	return coordinator.NewRegistry(
		bandwatch.Coordinator(),
		pulsesensor.Coordinator(),
		deskline.Coordinator(),
	)
}

func connect(ctx context.Context, m *manager.Manager, registry *coordinator.Registry, cfg config.Configuration) (*session.Session, error) {
	identity, err := options.identity()
	if err != nil {
		return nil, err
	}

	c, err := options.coordinator(registry)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout+time.Second)
	defer cancel()

	if !options.Simulate {
		return m.ConnectWith(ctx, identity, c, nil)
	}

	sim, ok := c.(coordinator.Simulated)
	if !ok {
		return nil, fmt.Errorf("family %s cannot be simulated", c.Name())
	}
	if identity.Key() == "" {
		identity.Port = "simulated-" + c.Name()
	}

	return m.ConnectWith(ctx, identity, c, sim.Simulate())
}

func (o Options) identity() (bluetooth.DeviceIdentity, error) {
	identity := bluetooth.DeviceIdentity{Name: o.Name, Port: o.Port}

	if o.Address != "" {
		mac, err := bluetooth.ParseMAC(o.Address)
		if err != nil {
			return identity, fmt.Errorf("invalid address %q: %w", o.Address, err)
		}
		identity.Address = mac
	}

	if identity.Key() == "" && !o.Simulate {
		return identity, fmt.Errorf("either -address or -port is required")
	}

	return identity, nil
}

func (o Options) coordinator(registry *coordinator.Registry) (coordinator.Coordinator, error) {
	if o.Family != "" {
		c, ok := registry.Lookup(o.Family)
		if !ok {
			return nil, fmt.Errorf("unknown device family %q", o.Family)
		}

		return c, nil
	}

	if o.Name == "" {
		return nil, fmt.Errorf("either -name or -family is required")
	}

	return registry.Resolve(o.Name)
}
